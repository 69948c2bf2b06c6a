package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pawdot/petpal_backend/models"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ErrInvalidSchedule is returned before any store mutation when a repeat
// spec does not carry exactly one of pattern/interval, or the pattern does
// not parse.
var ErrInvalidSchedule = errors.New("invalid schedule: exactly one of pattern or interval is required")

// RepeatSpec describes when a recurring job fires: either a cron Pattern or
// a fixed EveryMs interval, never both. StartAt/EndAt bound the window.
type RepeatSpec struct {
	Pattern  *string
	EveryMs  *int64
	Timezone *string
	StartAt  *time.Time
	EndAt    *time.Time
}

// JobTemplate is what gets enqueued each time the schedule fires. JobName
// should embed the target entity id (e.g. "thought-cat-42") so repeated
// upserts for the same entity are recognizable in the job table.
type JobTemplate struct {
	JobName string
	Payload any
}

// ScheduleInfo is the list representation. Optional fields are explicit
// nullables rather than omitted, so callers never guess at defaults.
type ScheduleInfo struct {
	SchedulerId string     `json:"scheduler_id"`
	QueueName   string     `json:"queue_name"`
	JobName     string     `json:"job_name"`
	Pattern     *string    `json:"pattern"`
	EveryMs     *int64     `json:"every_ms"`
	Timezone    *string    `json:"timezone"`
	StartAt     *time.Time `json:"start_at"`
	EndAt       *time.Time `json:"end_at"`
	NextRunAt   *time.Time `json:"next_run_at"`
}

func validateRepeatSpec(spec RepeatSpec) error {
	hasPattern := spec.Pattern != nil && *spec.Pattern != ""
	hasEvery := spec.EveryMs != nil && *spec.EveryMs > 0
	if hasPattern == hasEvery {
		return ErrInvalidSchedule
	}
	if hasPattern {
		if _, err := cron.ParseStandard(*spec.Pattern); err != nil {
			return ErrInvalidSchedule
		}
	}
	if spec.Timezone != nil && *spec.Timezone != "" {
		if _, err := time.LoadLocation(*spec.Timezone); err != nil {
			return ErrInvalidSchedule
		}
	}
	return nil
}

// nextRunAt computes the first firing strictly after "after", honoring
// StartAt/EndAt and the schedule's timezone. A nil result means the
// schedule never fires again (window closed).
func nextRunAt(spec RepeatSpec, after time.Time) *time.Time {
	var next time.Time
	switch {
	case spec.Pattern != nil && *spec.Pattern != "":
		loc := time.UTC
		if spec.Timezone != nil && *spec.Timezone != "" {
			if l, err := time.LoadLocation(*spec.Timezone); err == nil {
				loc = l
			}
		}
		sched, err := cron.ParseStandard(*spec.Pattern)
		if err != nil {
			return nil
		}
		base := after
		if spec.StartAt != nil && spec.StartAt.After(base) {
			// Fire at the first matching instant at or after the window opens.
			base = spec.StartAt.Add(-time.Millisecond)
		}
		next = sched.Next(base.In(loc))
	case spec.EveryMs != nil && *spec.EveryMs > 0:
		if spec.StartAt != nil && spec.StartAt.After(after) {
			next = *spec.StartAt
		} else {
			next = after.Add(time.Duration(*spec.EveryMs) * time.Millisecond)
		}
	default:
		return nil
	}

	if spec.EndAt != nil && next.After(*spec.EndAt) {
		return nil
	}
	next = next.UTC()
	return &next
}

// UpsertSchedule creates or replaces the recurring definition keyed by
// schedulerId. Calling it twice with the same id leaves exactly one active
// schedule reflecting the second spec.
func (s *Service) UpsertSchedule(ctx context.Context, schedulerId string, spec RepeatSpec, tmpl JobTemplate) (int, error) {
	if err := validateRepeatSpec(spec); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(tmpl.Payload)
	if err != nil {
		return 0, err
	}
	next := nextRunAt(spec, time.Now().UTC())

	var id int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.JobSchedule
		findErr := tx.Where("queue_name = ? AND scheduler_id = ?", s.queueName, schedulerId).
			First(&existing).Error
		if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}

		if findErr == nil {
			if err := tx.Model(&models.JobSchedule{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"job_name":    tmpl.JobName,
					"pattern":     spec.Pattern,
					"every_ms":    spec.EveryMs,
					"timezone":    spec.Timezone,
					"start_at":    spec.StartAt,
					"end_at":      spec.EndAt,
					"payload":     payload,
					"next_run_at": next,
				}).Error; err != nil {
				return err
			}
			id = existing.ID
			return nil
		}

		rec := models.JobSchedule{
			QueueName:   s.queueName,
			SchedulerId: schedulerId,
			JobName:     tmpl.JobName,
			Pattern:     spec.Pattern,
			EveryMs:     spec.EveryMs,
			Timezone:    spec.Timezone,
			StartAt:     spec.StartAt,
			EndAt:       spec.EndAt,
			Payload:     payload,
			NextRunAt:   next,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		id = rec.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveSchedule deletes the definition and reports whether one existed.
// Removing an absent schedule is not an error.
func (s *Service) RemoveSchedule(ctx context.Context, schedulerId string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("queue_name = ? AND scheduler_id = ?", s.queueName, schedulerId).
		Delete(&models.JobSchedule{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListSchedules pages through this queue's definitions ordered by
// scheduler_id.
func (s *Service) ListSchedules(ctx context.Context, offset, limit int, ascending bool) ([]ScheduleInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	order := "scheduler_id ASC"
	if !ascending {
		order = "scheduler_id DESC"
	}

	var rows []models.JobSchedule
	err := s.db.WithContext(ctx).
		Where("queue_name = ?", s.queueName).
		Order(order).
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]ScheduleInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, normalizeSchedule(r))
	}
	return out, nil
}

func normalizeSchedule(r models.JobSchedule) ScheduleInfo {
	info := ScheduleInfo{
		SchedulerId: r.SchedulerId,
		QueueName:   r.QueueName,
		JobName:     r.JobName,
		Pattern:     r.Pattern,
		EveryMs:     r.EveryMs,
		Timezone:    r.Timezone,
		StartAt:     r.StartAt,
		EndAt:       r.EndAt,
		NextRunAt:   r.NextRunAt,
	}
	// Blank strings from older rows read back as explicit "not set".
	if info.Pattern != nil && *info.Pattern == "" {
		info.Pattern = nil
	}
	if info.Timezone != nil && *info.Timezone == "" {
		info.Timezone = nil
	}
	if info.EveryMs != nil && *info.EveryMs <= 0 {
		info.EveryMs = nil
	}
	return info
}
