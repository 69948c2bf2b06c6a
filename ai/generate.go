package ai

import (
	"context"
	"encoding/json"
	"fmt"
)

// Schema describes the expected JSON output structure for structured steps.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ProviderError is a transport or provider failure for one pipeline step.
type ProviderError struct {
	Step string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error in step %q: %v", e.Step, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError means a structured step returned output that still failed
// schema validation after the single repair attempt.
type ValidationError struct {
	Step   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in step %q: %s", e.Step, e.Detail)
}

// Chatter is the narrow surface Generator needs from the provider client.
type Chatter interface {
	Chat(ctx context.Context, messages []Message, schema *Schema) (string, error)
}

// Generator exposes the two generation primitives the pipelines use: plain
// text and schema-validated JSON. Each call is one independent step.
type Generator struct {
	client Chatter
}

func NewGenerator(client Chatter) *Generator {
	return &Generator{client: client}
}

// GenerateText runs one unstructured step. There is no repair path for
// text steps.
func (g *Generator) GenerateText(ctx context.Context, step, input, systemPrompt string) (string, error) {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: input},
	}
	raw, err := g.client.Chat(ctx, messages, nil)
	if err != nil {
		return "", &ProviderError{Step: step, Err: err}
	}
	return raw, nil
}

// GenerateStructured runs one schema-validated step, decoding the result
// into out. If the first response fails validation, exactly one automatic
// repair attempt re-prompts with the validation error appended; a second
// failure is terminal.
func (g *Generator) GenerateStructured(ctx context.Context, step, input, systemPrompt string, schema *Schema, out any) error {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: input},
	}

	raw, err := g.client.Chat(ctx, messages, schema)
	if err != nil {
		return &ProviderError{Step: step, Err: err}
	}

	detail, ok := decodeAndValidate(raw, schema, out)
	if ok {
		return nil
	}

	// One repair attempt: feed the invalid output and the validation error
	// back so the model can correct itself.
	messages = append(messages,
		Message{Role: "assistant", Content: raw},
		Message{Role: "user", Content: "The previous response was invalid: " + detail + ". Respond again with valid JSON matching the schema."},
	)
	raw, err = g.client.Chat(ctx, messages, schema)
	if err != nil {
		return &ProviderError{Step: step, Err: err}
	}
	if detail, ok = decodeAndValidate(raw, schema, out); !ok {
		return &ValidationError{Step: step, Detail: detail}
	}
	return nil
}

// decodeAndValidate checks the raw response is JSON, carries every required
// field, and decodes cleanly into out. Returns the failure detail when not.
func decodeAndValidate(raw string, schema *Schema, out any) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "response is not a JSON object: " + err.Error(), false
	}
	if schema != nil {
		for _, req := range schema.Required {
			if _, present := fields[req]; !present {
				return fmt.Sprintf("missing required field %q", req), false
			}
		}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return "response does not match expected shape: " + err.Error(), false
	}
	return "", true
}
