package pricing

// builtin is the compiled-in price table. Values are USD per 1,000,000
// tokens, taken from public provider price sheets. Local runtimes (ollama,
// llamacpp) are listed at zero so budget math treats them as free rather
// than unknown.
var builtin = Table{
	"openai": {
		"gpt-4o":       {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":  {Input: 0.15, Output: 0.60},
		"gpt-4.1":      {Input: 2.00, Output: 8.00},
		"gpt-4.1-mini": {Input: 0.40, Output: 1.60},
		"gpt-4.1-nano": {Input: 0.10, Output: 0.40},
		"o3":           {Input: 2.00, Output: 8.00},
		"o4-mini":      {Input: 1.10, Output: 4.40},
		Wildcard:       {Input: 2.50, Output: 10.00},
	},
	"anthropic": {
		"claude-opus-4":     {Input: 15.00, Output: 75.00},
		"claude-sonnet-4":   {Input: 3.00, Output: 15.00},
		"claude-3-7-sonnet": {Input: 3.00, Output: 15.00},
		"claude-3-5-haiku":  {Input: 0.80, Output: 4.00},
		Wildcard:            {Input: 3.00, Output: 15.00},
	},
	"google": {
		"gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
		"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
		"gemini-2.0-flash": {Input: 0.10, Output: 0.40},
		Wildcard:           {Input: 1.25, Output: 10.00},
	},
	"mistral": {
		"mistral-large": {Input: 2.00, Output: 6.00},
		"mistral-small": {Input: 0.10, Output: 0.30},
		Wildcard:        {Input: 2.00, Output: 6.00},
	},
	"ollama": {
		Wildcard: {Input: 0, Output: 0},
	},
	"llamacpp": {
		Wildcard: {Input: 0, Output: 0},
	},
}

// Default returns the built-in price table. Callers must treat it as
// read-only; per-mandate overrides belong in a custom table, not here.
func Default() Table {
	return builtin
}
