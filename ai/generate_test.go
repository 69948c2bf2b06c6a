package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptedChatter returns canned responses in order and records the prompts
// it saw.
type scriptedChatter struct {
	responses []string
	errs      []error
	calls     int
	seen      [][]Message
}

func (c *scriptedChatter) Chat(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	i := c.calls
	c.calls++
	c.seen = append(c.seen, messages)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

var testSchema = &Schema{
	Type: "object",
	Properties: map[string]SchemaProperty{
		"mood": {Type: "string"},
	},
	Required: []string{"mood"},
}

type moodOut struct {
	Mood string `json:"mood"`
}

func TestGenerateStructured_ValidFirstTry(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{`{"mood":"playful"}`}}
	gen := NewGenerator(chatter)

	var out moodOut
	if err := gen.GenerateStructured(context.Background(), "analyze", "in", "sys", testSchema, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mood != "playful" {
		t.Fatalf("mood = %q, want playful", out.Mood)
	}
	if chatter.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no repair needed)", chatter.calls)
	}
}

func TestGenerateStructured_RepairsOnce(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		`not json at all`,
		`{"mood":"grumpy"}`,
	}}
	gen := NewGenerator(chatter)

	var out moodOut
	if err := gen.GenerateStructured(context.Background(), "analyze", "in", "sys", testSchema, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mood != "grumpy" {
		t.Fatalf("mood = %q, want grumpy", out.Mood)
	}
	if chatter.calls != 2 {
		t.Fatalf("calls = %d, want 2 (exactly one repair)", chatter.calls)
	}

	// The repair prompt must carry the invalid output and the failure back.
	repair := chatter.seen[1]
	if len(repair) != 4 {
		t.Fatalf("repair conversation has %d messages, want 4", len(repair))
	}
	if repair[2].Role != "assistant" || repair[2].Content != "not json at all" {
		t.Fatalf("repair did not echo the invalid response: %+v", repair[2])
	}
	if !strings.Contains(repair[3].Content, "invalid") {
		t.Fatalf("repair prompt does not describe the failure: %q", repair[3].Content)
	}
}

func TestGenerateStructured_SecondFailureIsTerminal(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		`{"wrong_field":"x"}`,
		`{"still_wrong":"y"}`,
	}}
	gen := NewGenerator(chatter)

	var out moodOut
	err := gen.GenerateStructured(context.Background(), "analyze", "in", "sys", testSchema, &out)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Step != "analyze" {
		t.Fatalf("step = %q, want analyze", verr.Step)
	}
	if chatter.calls != 2 {
		t.Fatalf("calls = %d, want exactly 2 (one repair, then terminal)", chatter.calls)
	}
}

func TestGenerateStructured_MissingRequiredFieldTriggersRepair(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		`{"other":"x"}`,
		`{"mood":"sleepy"}`,
	}}
	gen := NewGenerator(chatter)

	var out moodOut
	if err := gen.GenerateStructured(context.Background(), "analyze", "in", "sys", testSchema, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mood != "sleepy" {
		t.Fatalf("mood = %q, want sleepy", out.Mood)
	}
}

func TestGenerateStructured_ProviderErrorNotRepaired(t *testing.T) {
	boom := errors.New("connection refused")
	chatter := &scriptedChatter{errs: []error{boom}}
	gen := NewGenerator(chatter)

	var out moodOut
	err := gen.GenerateStructured(context.Background(), "analyze", "in", "sys", testSchema, &out)

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("expected the transport error to be wrapped")
	}
	if chatter.calls != 1 {
		t.Fatalf("calls = %d, want 1 (provider errors are not repaired)", chatter.calls)
	}
}

func TestGenerateText(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{"Mochi purrs contentedly."}}
	gen := NewGenerator(chatter)

	text, err := gen.GenerateText(context.Background(), "plan-response", "in", "sys")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Mochi purrs contentedly." {
		t.Fatalf("text = %q", text)
	}

	sent := chatter.seen[0]
	if len(sent) != 2 || sent[0].Role != "system" || sent[1].Role != "user" {
		t.Fatalf("unexpected conversation shape: %+v", sent)
	}
}
