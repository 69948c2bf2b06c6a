package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InteractionJobPayload is the enqueue payload for one user interaction.
// InteractionId is generated by the producer so the same logical interaction
// can be recognized across redeliveries.
type InteractionJobPayload struct {
	InteractionId string                 `json:"interaction_id"`
	CatId         int                    `json:"cat_id"`
	UserId        int                    `json:"user_id"`
	Type          models.InteractionType `json:"type"`
	Input         string                 `json:"input"`
	ItemId        *string                `json:"item_id,omitempty"`
}

// InteractionWorkflow owns the interaction lifecycle: the economy
// transaction that admits an interaction, the generation pipeline, and the
// transaction that persists its results.
type InteractionWorkflow struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Processor Processor
}

func NewInteractionWorkflow(db *gorm.DB, logger *logrus.Logger, processor Processor) *InteractionWorkflow {
	return &InteractionWorkflow{DB: db, Logger: logger, Processor: processor}
}

// errAlreadyAdmitted aborts the admission transaction when the interaction
// row already exists: a previous delivery got as far as debiting, so the
// whole transaction rolls back and nothing is debited twice.
var errAlreadyAdmitted = errors.New("interaction already admitted")

// errAlreadyTerminal aborts the results transaction when a concurrent
// delivery reached a terminal status first.
var errAlreadyTerminal = errors.New("interaction already terminal")

// BeginInteraction runs the economy transaction: lock the user row, verify
// funds (and inventory for item-backed interactions), debit, append the
// ledger entry and create the interaction row in PROCESSING, all or
// nothing. The returned alreadyAdmitted is true when a prior delivery
// already did this, in which case the store is left untouched.
//
// Business rejections (ErrUserNotFound, ErrInsufficientFunds,
// ErrItemNotFound, ErrOutOfStock, ErrUnknownType) roll everything back:
// no debit, no ledger row, no interaction row.
func (w *InteractionWorkflow) BeginInteraction(ctx context.Context, in InteractionJobPayload) (alreadyAdmitted bool, err error) {
	cost, ok := models.InteractionCosts[in.Type]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)
	}

	// Replay fast path. The prior delivery's debit may have dropped the
	// balance below cost, so this must run before any funds check; the
	// duplicate-key guard on the insert below stays the race-proof backstop.
	var existing int64
	if err := w.DB.WithContext(ctx).Model(&models.Interaction{}).
		Where("id = ?", in.InteractionId).
		Count(&existing).Error; err != nil {
		return false, err
	}
	if existing > 0 {
		return true, nil
	}

	// Cheap pre-check through the balance cache; the locked re-read inside
	// the transaction stays authoritative.
	if bal, berr := models.GetUserBalance(ctx, in.UserId); berr == nil && bal.LessThan(cost) {
		return false, ErrInsufficientFunds
	}

	err = w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", in.UserId).
			First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		if user.Balance.LessThan(cost) {
			return ErrInsufficientFunds
		}

		if in.ItemId != nil {
			var item models.UserItem
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND item_id = ?", in.UserId, *in.ItemId).
				First(&item).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrItemNotFound
				}
				return err
			}
			if item.Quantity < 1 {
				return ErrOutOfStock
			}
			if err := tx.Model(&models.UserItem{}).
				Where("id = ?", item.ID).
				Update("quantity", gorm.Expr("quantity - 1")).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("balance", user.Balance.Sub(cost)).Error; err != nil {
			return err
		}

		if err := models.AppendTransactionRecord(tx, &models.TransactionRecord{
			UserId:      user.ID,
			Amount:      cost.Neg(),
			Category:    "interaction",
			Description: fmt.Sprintf("%s interaction %s", in.Type, in.InteractionId),
		}); err != nil {
			return err
		}

		interaction := models.Interaction{
			ID:     in.InteractionId,
			CatId:  in.CatId,
			UserId: in.UserId,
			Type:   in.Type,
			Status: models.InteractionStatusProcessing,
			Input:  in.Input,
			ItemId: in.ItemId,
			Cost:   cost,
		}
		if err := tx.Create(&interaction).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return errAlreadyAdmitted
			}
			return err
		}
		return nil
	})

	if errors.Is(err, errAlreadyAdmitted) {
		return true, nil
	}
	if err == nil {
		// Best-effort: readers cache balances, the debit just changed it.
		if cerr := config.RemoveRedisKey(fmt.Sprintf("cache:user-balance:%d", in.UserId)); cerr != nil {
			w.Logger.WithFields(logrus.Fields{
				"field":   "InteractionWorkflow",
				"user_id": in.UserId,
			}).Warn("balance cache invalidation failed: " + cerr.Error())
		}
	}
	return false, err
}

// HandleJob is the queue handler for the interactions queue. It is safe to
// call any number of times for the same interaction: admission is keyed on
// the interaction id and the final status flip is guarded, so at most one
// delivery debits and at most one applies results.
func (w *InteractionWorkflow) HandleJob(ctx context.Context, job *models.QueueJob) error {
	var payload InteractionJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// A payload that never parses will never parse; don't retry it.
		config.LogError(w.Logger, "interactionWorkflow.go", "HandleJob", "Unmarshaling interaction payload", job.Payload, err)
		return nil
	}
	if payload.InteractionId == "" {
		config.LogError(w.Logger, "interactionWorkflow.go", "HandleJob", "Interaction payload missing id", job.Payload, errors.New("empty interaction_id"))
		return nil
	}

	_, err := w.BeginInteraction(ctx, payload)
	if err != nil {
		if IsRejection(err) {
			w.Logger.WithFields(logrus.Fields{
				"field":          "InteractionWorkflow",
				"interaction_id": payload.InteractionId,
				"cat_id":         payload.CatId,
				"user_id":        payload.UserId,
			}).Warn("interaction rejected: " + err.Error())
			w.logErrorRow(ctx, payload, "admission", err)
			return nil
		}
		return err
	}

	var interaction models.Interaction
	if err := w.DB.WithContext(ctx).
		Where("id = ?", payload.InteractionId).
		First(&interaction).Error; err != nil {
		return err
	}
	if interaction.Status != models.InteractionStatusProcessing {
		// Terminal already; a replayed delivery has nothing left to do.
		return nil
	}

	input, err := w.loadSnapshot(ctx, interaction)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			w.markFailed(ctx, interaction, "snapshot", err)
			return nil
		}
		return err
	}

	// The generation pipeline runs outside any DB transaction; it can take
	// seconds and must not hold row locks.
	deltas, err := w.Processor.Run(ctx, *input)
	if err != nil {
		w.markFailed(ctx, interaction, "pipeline", err)
		return err
	}

	if err := w.persistResults(ctx, *input, deltas); err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return nil
		}
		perr := &PersistenceError{InteractionId: interaction.ID, Err: err}
		w.markFailed(ctx, interaction, "persist", perr)
		return perr
	}
	return nil
}

func (w *InteractionWorkflow) loadSnapshot(ctx context.Context, interaction models.Interaction) (*PipelineInput, error) {
	db := w.DB.WithContext(ctx)

	var cat models.Cat
	if err := db.Where("id = ?", interaction.CatId).First(&cat).Error; err != nil {
		return nil, err
	}
	var user models.User
	if err := db.Where("id = ?", interaction.UserId).First(&user).Error; err != nil {
		return nil, err
	}
	var memories []models.CatMemory
	if err := db.
		Where("cat_id = ? AND user_id = ?", interaction.CatId, interaction.UserId).
		Order("importance DESC, id DESC").
		Limit(5).
		Find(&memories).Error; err != nil {
		return nil, err
	}

	return &PipelineInput{
		Cat:            cat,
		User:           user,
		Interaction:    interaction,
		RecentMemories: memories,
	}, nil
}

// persistResults applies the pipeline output in one transaction. The status
// flip goes first and is guarded on PROCESSING: if another delivery already
// reached a terminal status, nothing here is applied a second time.
func (w *InteractionWorkflow) persistResults(ctx context.Context, in PipelineInput, deltas *ResponseDeltas) error {
	now := time.Now().UTC()

	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Interaction{}).
			Where("id = ? AND status = ?", in.Interaction.ID, models.InteractionStatusProcessing).
			Updates(map[string]interface{}{
				"status": models.InteractionStatusCompleted,
				"output": deltas.Output,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyTerminal
		}

		catUpdates := map[string]interface{}{
			"hunger":              clampStat(in.Cat.Hunger + deltas.HungerDelta),
			"happiness":           clampStat(in.Cat.Happiness + deltas.HappinessDelta),
			"energy":              clampStat(in.Cat.Energy + deltas.EnergyDelta),
			"last_interaction_at": &now,
		}
		if deltas.Mood != "" {
			catUpdates["mood"] = deltas.Mood
		}
		if err := tx.Model(&models.Cat{}).
			Where("id = ?", in.Cat.ID).
			Updates(catUpdates).Error; err != nil {
			return err
		}

		if deltas.MemoryContent != "" {
			importance := deltas.MemoryImportance
			if importance < 1 {
				importance = 1
			}
			if err := tx.Create(&models.CatMemory{
				CatId:      in.Cat.ID,
				UserId:     in.User.ID,
				Content:    deltas.MemoryContent,
				Importance: importance,
			}).Error; err != nil {
				return err
			}
		}

		if deltas.ThoughtContent != "" {
			if err := tx.Create(&models.CatThought{
				CatId:   in.Cat.ID,
				Content: deltas.ThoughtContent,
				Trigger: "interaction",
			}).Error; err != nil {
				return err
			}
		}

		detail := deltas.ActivityDetail
		if detail == "" {
			detail = string(in.Interaction.Type)
		}
		return tx.Create(&models.CatActivity{
			CatId:  in.Cat.ID,
			Kind:   "interaction",
			Detail: detail,
		}).Error
	})
}

// markFailed flips the interaction to FAILED (guarded so a terminal row is
// never overwritten) and records the failure for operators.
func (w *InteractionWorkflow) markFailed(ctx context.Context, interaction models.Interaction, stage string, cause error) {
	if err := w.DB.WithContext(ctx).Model(&models.Interaction{}).
		Where("id = ? AND status = ?", interaction.ID, models.InteractionStatusProcessing).
		Update("status", models.InteractionStatusFailed).Error; err != nil {
		config.LogError(w.Logger, "interactionWorkflow.go", "markFailed", "Updating interaction status", interaction.ID, err)
	}

	w.logErrorRow(ctx, InteractionJobPayload{
		InteractionId: interaction.ID,
		CatId:         interaction.CatId,
		UserId:        interaction.UserId,
	}, stage, cause)

	w.Logger.WithFields(logrus.Fields{
		"field":          "InteractionWorkflow",
		"interaction_id": interaction.ID,
		"cat_id":         interaction.CatId,
		"user_id":        interaction.UserId,
		"stage":          stage,
	}).Error("interaction failed: " + cause.Error())
}

func (w *InteractionWorkflow) logErrorRow(ctx context.Context, payload InteractionJobPayload, stage string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := w.DB.WithContext(ctx).Create(&models.InteractionErrorLog{
		InteractionId: payload.InteractionId,
		CatId:         payload.CatId,
		UserId:        payload.UserId,
		Stage:         stage,
		Message:       msg,
	}).Error; err != nil {
		config.LogError(w.Logger, "interactionWorkflow.go", "logErrorRow", "Writing interaction error log", payload.InteractionId, err)
	}
}
