package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseTable decodes a YAML price sheet of the form:
//
//	openai:
//	  gpt-4o: {input: 2.50, output: 10.00}
//	  "*":    {input: 2.50, output: 10.00}
//
// Negative prices are rejected; zero is valid and means free.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	for provider, models := range t {
		for model, p := range models {
			if p.Input < 0 || p.Output < 0 {
				return nil, fmt.Errorf("price table: %s/%s: negative price", provider, model)
			}
		}
	}
	return t, nil
}

// LoadTable reads a YAML price sheet from disk.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load price table %q: %w", path, err)
	}
	return ParseTable(data)
}
