// Package validate checks tool-call arguments before admission.
//
// Two layers apply per tool policy: a structural JSON Schema and a predicate
// function. Both must pass. Validation is pure: predicates receive only the
// call input and must not observe external state, so the same input always
// produces the same verdict.
package validate

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Input is what a predicate sees: the tool being called, its arguments, and
// the calling agent.
type Input struct {
	Tool    string
	Args    map[string]any
	AgentID string
}

// Result is a predicate verdict. A false Allowed blocks the call with
// Reason. TransformedArgs, when non-nil, replaces the call's arguments for
// execution (predicates may sanitize as well as reject).
type Result struct {
	Allowed         bool
	Reason          string
	TransformedArgs map[string]any
}

// Allow returns a passing verdict.
func Allow() Result {
	return Result{Allowed: true}
}

// Deny returns a blocking verdict with the given reason.
func Deny(format string, args ...any) Result {
	return Result{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Predicate is a pure argument rule evaluated at admission time.
type Predicate func(Input) Result

// All combines predicates left to right; the first denial wins. A later
// predicate sees the transformed arguments of an earlier one.
func All(preds ...Predicate) Predicate {
	return func(in Input) Result {
		var transformed map[string]any
		for _, p := range preds {
			r := p(in)
			if !r.Allowed {
				return r
			}
			if r.TransformedArgs != nil {
				transformed = r.TransformedArgs
				in.Args = transformed
			}
		}
		return Result{Allowed: true, TransformedArgs: transformed}
	}
}

// SchemaValidator wraps a compiled JSON Schema for tool arguments.
type SchemaValidator struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document (draft 2020-12) for the
// named tool. Compilation happens once when the mandate is built, not per
// call.
func CompileSchema(tool, schema string) (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://mandate.schemas.local/tools/%s.schema.json", tool)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema for tool %q: %w", tool, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %q: %w", tool, err)
	}
	return &SchemaValidator{name: tool, schema: compiled}, nil
}

// MustCompileSchema is CompileSchema for static schemas; it panics on error.
func MustCompileSchema(tool, schema string) *SchemaValidator {
	v, err := CompileSchema(tool, schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks args against the schema. A nil args map validates as an
// empty object.
func (v *SchemaValidator) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := v.schema.Validate(normalize(args)); err != nil {
		return fmt.Errorf("arguments for tool %q: %w", v.name, err)
	}
	return nil
}

// normalize rewrites Go-native values into the shapes json.Unmarshal would
// produce, which is what the schema library validates against. Callers build
// args maps by hand, so ints and nested typed maps are common.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
