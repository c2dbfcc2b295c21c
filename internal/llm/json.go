package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a JSON schema compiled on first use.
type Schema struct {
	name string
	raw  string

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// NewSchema wraps raw under a resource name such as "distill.json".
func NewSchema(name, raw string) *Schema {
	return &Schema{name: name, raw: raw}
}

// Raw returns the schema text.
func (s *Schema) Raw() string { return s.raw }

// Compile returns the compiled schema.
func (s *Schema) Compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(s.name, strings.NewReader(s.raw)); err != nil {
			s.err = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile(s.name)
		if err != nil {
			s.err = fmt.Errorf("compile schema %s: %w", s.name, err)
			return
		}
		s.compiled = schema
	})
	return s.compiled, s.err
}

// Validate checks data against the schema.
func (s *Schema) Validate(data []byte) error {
	schema, err := s.Compile()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("output does not match schema: %w", err)
	}
	return nil
}

// OutputError reports model output that could not be coerced to the schema.
type OutputError struct {
	Output string
	Err    error
}

func (e OutputError) Error() string {
	return fmt.Sprintf("llm output rejected: %v", e.Err)
}

func (e OutputError) Unwrap() error { return e.Err }

// GenerateJSON asks c for a JSON document matching schema and decodes it into T.
func GenerateJSON[T any](ctx context.Context, c Client, prompt string, schema *Schema, opts Options) (T, error) {
	var zero T
	if c == nil {
		return zero, fmt.Errorf("llm client not configured")
	}
	full := prompt + "\n\nRespond ONLY with a JSON document matching this JSON Schema. Do not include any other text.\n" + schema.Raw()
	text, err := c.Generate(ctx, full, opts)
	if err != nil {
		return zero, err
	}
	doc := ExtractJSON(text)
	if err := schema.Validate([]byte(doc)); err != nil {
		return zero, OutputError{Output: text, Err: err}
	}
	var out T
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return zero, OutputError{Output: text, Err: err}
	}
	return out, nil
}

// ExtractJSON pulls the outermost JSON object or array out of model text,
// dropping markdown fences and surrounding prose.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
