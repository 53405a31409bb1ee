package validate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEnv is built once; every compiled expression shares the same variable
// declarations.
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func environment() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("tool", cel.StringType),
			cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("agentId", cel.StringType),
		)
	})
	return celEnv, celEnvErr
}

// CompileCEL turns a boolean CEL expression over {tool, args, agentId} into
// a Predicate. The expression is parsed and type-checked here, at mandate
// build time; evaluation in the admission path is lock-free.
//
// Example: `args.path.startsWith("/tmp/") && tool == "write_file"`.
func CompileCEL(expr string) (Predicate, error) {
	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile cel rule %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("cel rule %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program for %q: %w", expr, err)
	}

	return func(in Input) Result {
		args := in.Args
		if args == nil {
			// CEL map access on nil panics.
			args = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"tool":    in.Tool,
			"args":    args,
			"agentId": in.AgentID,
		})
		if err != nil {
			// A rule that cannot evaluate (missing key, type clash) is a
			// denial, not an allow; admission stays fail-closed.
			return Deny("cel rule %q: %v", expr, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return Deny("cel rule %q rejected the call", expr)
		}
		return Allow()
	}, nil
}

// MustCompileCEL is CompileCEL for static rules; it panics on error.
func MustCompileCEL(expr string) Predicate {
	p, err := CompileCEL(expr)
	if err != nil {
		panic(err)
	}
	return p
}
