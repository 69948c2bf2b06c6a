package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/pawdot/petpal_backend/ai"
	"github.com/pawdot/petpal_backend/models"
)

// PipelineInput is the read-only snapshot the generation steps work from.
// It is assembled once, outside any DB transaction.
type PipelineInput struct {
	Cat            models.Cat
	User           models.User
	Interaction    models.Interaction
	RecentMemories []models.CatMemory
}

// ResponseDeltas is everything an interaction changes besides money: stat
// movement, the response text, and any memory or activity to record. Deltas
// are applied clamped to [0,100] in one transaction with the status flip.
type ResponseDeltas struct {
	HungerDelta    int
	HappinessDelta int
	EnergyDelta    int
	Mood           string

	Output           string
	MemoryContent    string
	MemoryImportance int
	ActivityDetail   string
	ThoughtContent   string
}

// Processor turns an interaction snapshot into response deltas. The real
// implementation is the three-step generation pipeline; tests substitute a
// fake.
type Processor interface {
	Run(ctx context.Context, in PipelineInput) (*ResponseDeltas, error)
}

// AIPipeline runs the three sequential generation steps:
// analyze -> extract-memory -> plan-response. Steps after the first receive
// the earlier steps' results in their prompt. Any step failing fails the
// whole pipeline.
type AIPipeline struct {
	Gen *ai.Generator
}

func NewAIPipeline(gen *ai.Generator) *AIPipeline {
	return &AIPipeline{Gen: gen}
}

const analyzePrompt = `You are the behavior engine for a virtual pet cat.
Given the cat's current state and a user interaction, decide how the cat's
stats and mood change. Deltas are small integers in [-20, 20].`

const memoryPrompt = `You extract long-term memories for a virtual pet cat.
Given an interaction, decide whether the cat should remember anything about
this user. If nothing is worth remembering, return an empty memory and
importance 0.`

const responsePrompt = `You are a virtual pet cat talking to your owner.
Respond in character, in one to three short sentences. Stay consistent with
the mood and memories provided.`

type analysisResult struct {
	Mood           string `json:"mood"`
	HungerDelta    int    `json:"hunger_delta"`
	HappinessDelta int    `json:"happiness_delta"`
	EnergyDelta    int    `json:"energy_delta"`
	Activity       string `json:"activity"`
	Thought        string `json:"thought"`
}

type memoryResult struct {
	Memory     string `json:"memory"`
	Importance int    `json:"importance"`
}

var analysisSchema = &ai.Schema{
	Type: "object",
	Properties: map[string]ai.SchemaProperty{
		"mood":            {Type: "string", Description: "one-word mood after the interaction"},
		"hunger_delta":    {Type: "integer"},
		"happiness_delta": {Type: "integer"},
		"energy_delta":    {Type: "integer"},
		"activity":        {Type: "string", Description: "short third-person description of what the cat did"},
		"thought":         {Type: "string", Description: "optional private thought the cat keeps to itself"},
	},
	Required: []string{"mood", "hunger_delta", "happiness_delta", "energy_delta", "activity"},
}

var memorySchema = &ai.Schema{
	Type: "object",
	Properties: map[string]ai.SchemaProperty{
		"memory":     {Type: "string", Description: "fact to remember about this user, or empty"},
		"importance": {Type: "integer", Description: "1-5, or 0 when memory is empty"},
	},
	Required: []string{"memory", "importance"},
}

func (p *AIPipeline) Run(ctx context.Context, in PipelineInput) (*ResponseDeltas, error) {
	snapshot := describeSnapshot(in)

	var analysis analysisResult
	if err := p.Gen.GenerateStructured(ctx, "analyze", snapshot, analyzePrompt, analysisSchema, &analysis); err != nil {
		return nil, &PipelineError{InteractionId: in.Interaction.ID, Step: "analyze", Err: err}
	}

	var memory memoryResult
	if err := p.Gen.GenerateStructured(ctx, "extract-memory", snapshot, memoryPrompt, memorySchema, &memory); err != nil {
		return nil, &PipelineError{InteractionId: in.Interaction.ID, Step: "extract-memory", Err: err}
	}

	responseInput := snapshot + "\nMood after interaction: " + analysis.Mood
	if memory.Memory != "" {
		responseInput += "\nNew memory: " + memory.Memory
	}
	output, err := p.Gen.GenerateText(ctx, "plan-response", responseInput, responsePrompt)
	if err != nil {
		return nil, &PipelineError{InteractionId: in.Interaction.ID, Step: "plan-response", Err: err}
	}

	return &ResponseDeltas{
		HungerDelta:      analysis.HungerDelta,
		HappinessDelta:   analysis.HappinessDelta,
		EnergyDelta:      analysis.EnergyDelta,
		Mood:             analysis.Mood,
		Output:           output,
		MemoryContent:    memory.Memory,
		MemoryImportance: memory.Importance,
		ActivityDetail:   analysis.Activity,
		ThoughtContent:   analysis.Thought,
	}, nil
}

func describeSnapshot(in PipelineInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cat: %s (hunger=%d happiness=%d energy=%d mood=%s)\n",
		in.Cat.Name, in.Cat.Hunger, in.Cat.Happiness, in.Cat.Energy, in.Cat.Mood)
	fmt.Fprintf(&b, "User: %s\n", in.User.Username)
	fmt.Fprintf(&b, "Interaction: type=%s input=%q\n", in.Interaction.Type, in.Interaction.Input)
	if in.Interaction.ItemId != nil {
		fmt.Fprintf(&b, "Item used: %s\n", *in.Interaction.ItemId)
	}
	if len(in.RecentMemories) > 0 {
		b.WriteString("Memories about this user:\n")
		for _, m := range in.RecentMemories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	return b.String()
}

func clampStat(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
