package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pawdot/petpal_backend/ai"
	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ThoughtJobPayload drives one autonomous-thought run. CatId 0 means every
// cat, which is how the recurring schedule is configured; a targeted payload
// (one cat) is used by one-off triggers.
type ThoughtJobPayload struct {
	CatId   int    `json:"cat_id"`
	Trigger string `json:"trigger"`
}

// ThoughtJobName names the queue job for a thought run. Targeted runs embed
// the cat id so repeated triggers for the same cat are recognizable in the
// job table.
func ThoughtJobName(catId int) string {
	if catId == 0 {
		return "think-all-cats"
	}
	return fmt.Sprintf("think-cat-%d", catId)
}

// ThoughtResult is the structured output of the single thought step.
type ThoughtResult struct {
	Thought     string `json:"thought"`
	Mood        string `json:"mood"`
	EnergyDelta int    `json:"energy_delta"`
}

// Thinker produces one autonomous thought from a cat snapshot. Tests
// substitute a fake.
type Thinker interface {
	Think(ctx context.Context, cat models.Cat, recent []models.CatThought) (*ThoughtResult, error)
}

// ThoughtWorkflow generates the cat's autonomous inner monologue on a
// schedule. No money is involved; a failed run just retries whole.
type ThoughtWorkflow struct {
	DB      *gorm.DB
	Logger  *logrus.Logger
	Thinker Thinker
}

func NewThoughtWorkflow(db *gorm.DB, logger *logrus.Logger, thinker Thinker) *ThoughtWorkflow {
	return &ThoughtWorkflow{DB: db, Logger: logger, Thinker: thinker}
}

// HandleJob is the queue handler for the thoughts queue.
func (w *ThoughtWorkflow) HandleJob(ctx context.Context, job *models.QueueJob) error {
	var payload ThoughtJobPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			config.LogError(w.Logger, "thoughtWorkflow.go", "HandleJob", "Unmarshaling thought payload", job.Payload, err)
			return nil
		}
	}
	if payload.Trigger == "" {
		payload.Trigger = "scheduled"
	}

	if payload.CatId != 0 {
		return w.thinkFor(ctx, payload.CatId, payload.Trigger)
	}

	var catIds []int
	if err := w.DB.WithContext(ctx).
		Model(&models.Cat{}).
		Order("id ASC").
		Pluck("id", &catIds).Error; err != nil {
		return err
	}

	// Per-cat isolation: one cat's failure must not starve the rest, so
	// errors are collected and the job fails only if any cat failed.
	var failed int
	for _, id := range catIds {
		if err := w.thinkFor(ctx, id, payload.Trigger); err != nil {
			failed++
			w.Logger.WithFields(logrus.Fields{
				"field":  "ThoughtWorkflow",
				"cat_id": id,
			}).Error("thought generation failed: " + err.Error())
		}
	}
	if failed > 0 {
		return fmt.Errorf("thought generation failed for %d of %d cats", failed, len(catIds))
	}
	return nil
}

func (w *ThoughtWorkflow) thinkFor(ctx context.Context, catId int, trigger string) error {
	db := w.DB.WithContext(ctx)

	var cat models.Cat
	if err := db.Where("id = ?", catId).First(&cat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrCatNotFound, catId)
		}
		return err
	}

	var recent []models.CatThought
	if err := db.
		Where("cat_id = ?", catId).
		Order("id DESC").
		Limit(3).
		Find(&recent).Error; err != nil {
		return err
	}

	result, err := w.Thinker.Think(ctx, cat, recent)
	if err != nil {
		return err
	}
	if strings.TrimSpace(result.Thought) == "" {
		// Model decided the cat has nothing on its mind. Not an error.
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.CatThought{
			CatId:   cat.ID,
			Content: result.Thought,
			Trigger: trigger,
		}).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"energy": clampStat(cat.Energy + result.EnergyDelta),
		}
		if result.Mood != "" {
			updates["mood"] = result.Mood
		}
		return tx.Model(&models.Cat{}).
			Where("id = ?", cat.ID).
			Updates(updates).Error
	})
}

const thoughtPrompt = `You are the inner monologue of a virtual pet cat.
Given the cat's state and its recent thoughts, produce one new short thought
in the cat's voice. Avoid repeating recent thoughts. energy_delta is a small
integer in [-5, 5]. If the cat has nothing on its mind, return an empty
thought.`

var thoughtSchema = &ai.Schema{
	Type: "object",
	Properties: map[string]ai.SchemaProperty{
		"thought":      {Type: "string"},
		"mood":         {Type: "string"},
		"energy_delta": {Type: "integer"},
	},
	Required: []string{"thought", "mood", "energy_delta"},
}

// AIThinker is the production Thinker: one structured generation step.
type AIThinker struct {
	Gen *ai.Generator
}

func NewAIThinker(gen *ai.Generator) *AIThinker {
	return &AIThinker{Gen: gen}
}

func (t *AIThinker) Think(ctx context.Context, cat models.Cat, recent []models.CatThought) (*ThoughtResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Cat: %s (hunger=%d happiness=%d energy=%d mood=%s)\n",
		cat.Name, cat.Hunger, cat.Happiness, cat.Energy, cat.Mood)
	if len(recent) > 0 {
		b.WriteString("Recent thoughts:\n")
		for _, th := range recent {
			fmt.Fprintf(&b, "- %s\n", th.Content)
		}
	}

	var result ThoughtResult
	if err := t.Gen.GenerateStructured(ctx, "think", b.String(), thoughtPrompt, thoughtSchema, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
