package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pawdot/petpal_backend/ai"
	"github.com/pawdot/petpal_backend/models"
)

type scriptedChatter struct {
	responses []string
	errs      []error
	calls     int
	inputs    []string
}

func (c *scriptedChatter) Chat(ctx context.Context, messages []ai.Message, schema *ai.Schema) (string, error) {
	i := c.calls
	c.calls++
	if len(messages) > 1 {
		c.inputs = append(c.inputs, messages[1].Content)
	}
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

func testPipelineInput() PipelineInput {
	item := "tuna-can"
	return PipelineInput{
		Cat: models.Cat{ID: 7, Name: "Mochi", Hunger: 60, Happiness: 40, Energy: 80, Mood: "content"},
		User: models.User{ID: 3, Username: "devowner"},
		Interaction: models.Interaction{
			ID:     "itx-1",
			CatId:  7,
			UserId: 3,
			Type:   models.InteractionTypeFeed,
			Input:  "here's your favorite tuna!",
			ItemId: &item,
		},
		RecentMemories: []models.CatMemory{
			{Content: "devowner always feeds me in the morning"},
		},
	}
}

func TestAIPipeline_RunsAllThreeSteps(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		`{"mood":"happy","hunger_delta":-20,"happiness_delta":10,"energy_delta":5,"activity":"devoured a can of tuna"}`,
		`{"memory":"devowner gives tuna when asked nicely","importance":3}`,
		"Purrrr. Best. Tuna. Ever.",
	}}
	p := NewAIPipeline(ai.NewGenerator(chatter))

	deltas, err := p.Run(context.Background(), testPipelineInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chatter.calls != 3 {
		t.Fatalf("calls = %d, want 3", chatter.calls)
	}

	if deltas.HungerDelta != -20 || deltas.HappinessDelta != 10 || deltas.EnergyDelta != 5 {
		t.Fatalf("unexpected stat deltas: %+v", deltas)
	}
	if deltas.Mood != "happy" {
		t.Fatalf("mood = %q", deltas.Mood)
	}
	if deltas.Output != "Purrrr. Best. Tuna. Ever." {
		t.Fatalf("output = %q", deltas.Output)
	}
	if deltas.MemoryContent != "devowner gives tuna when asked nicely" || deltas.MemoryImportance != 3 {
		t.Fatalf("unexpected memory: %+v", deltas)
	}
	if deltas.ActivityDetail != "devoured a can of tuna" {
		t.Fatalf("activity = %q", deltas.ActivityDetail)
	}
}

func TestAIPipeline_SnapshotReachesThePrompts(t *testing.T) {
	chatter := &scriptedChatter{responses: []string{
		`{"mood":"happy","hunger_delta":0,"happiness_delta":0,"energy_delta":0,"activity":"stretched"}`,
		`{"memory":"","importance":0}`,
		"Meow.",
	}}
	p := NewAIPipeline(ai.NewGenerator(chatter))

	if _, err := p.Run(context.Background(), testPipelineInput()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	analyze := chatter.inputs[0]
	for _, want := range []string{"Mochi", "devowner", "tuna-can", "feeds me in the morning"} {
		if !strings.Contains(analyze, want) {
			t.Fatalf("analyze prompt missing %q:\n%s", want, analyze)
		}
	}

	// The response step sees the analysis outcome.
	response := chatter.inputs[2]
	if !strings.Contains(response, "happy") {
		t.Fatalf("response prompt missing post-interaction mood:\n%s", response)
	}
}

func TestAIPipeline_StepFailureWrapsPipelineError(t *testing.T) {
	boom := errors.New("upstream 503")
	chatter := &scriptedChatter{
		responses: []string{
			`{"mood":"happy","hunger_delta":0,"happiness_delta":0,"energy_delta":0,"activity":"x"}`,
		},
		errs: []error{nil, boom},
	}
	p := NewAIPipeline(ai.NewGenerator(chatter))

	_, err := p.Run(context.Background(), testPipelineInput())

	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if perr.Step != "extract-memory" {
		t.Fatalf("step = %q, want extract-memory", perr.Step)
	}
	if perr.InteractionId != "itx-1" {
		t.Fatalf("interaction id = %q", perr.InteractionId)
	}
	if !errors.Is(err, boom) {
		t.Fatal("expected the provider error to be wrapped")
	}
}

func TestClampStat(t *testing.T) {
	cases := []struct{ in, want int }{
		{-10, 0}, {0, 0}, {50, 50}, {100, 100}, {140, 100},
	}
	for _, tc := range cases {
		if got := clampStat(tc.in); got != tc.want {
			t.Fatalf("clampStat(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
