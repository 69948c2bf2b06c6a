package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScheduleDispatcher turns due JobSchedule rows into queue jobs. The redis
// lock is a best-effort optimization so only one instance polls at a time.
// Double-fire protection does not depend on it: the conditional next_run_at
// update inside the claim transaction is the real guard.
type ScheduleDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Registry     *Registry
	DispatcherID string

	BatchSize    int
	PollInterval time.Duration
}

func NewScheduleDispatcher(db *gorm.DB, logger *logrus.Logger, registry *Registry) *ScheduleDispatcher {
	return &ScheduleDispatcher{
		DB:           db,
		Logger:       logger,
		Registry:     registry,
		DispatcherID: uuid.NewString(),
		BatchSize:    50,
		PollInterval: time.Second,
	}
}

func (d *ScheduleDispatcher) Run(ctx context.Context) {
	if d == nil || d.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.withDispatchLock(ctx, func() {
			d.dispatchOnce(ctx)
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *ScheduleDispatcher) withDispatchLock(ctx context.Context, fn func()) {
	locker := config.GetRedisLock()
	if locker == nil {
		// Redis not ready; the DB conditional update still keeps firing safe.
		fn()
		return
	}
	lock, err := locker.Obtain(ctx, "lock:schedule-dispatcher", 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		// Another instance is dispatching this round.
		return
	} else if err != nil {
		d.Logger.WithFields(logrus.Fields{
			"field": "ScheduleDispatcher",
		}).Warn("error obtaining dispatch lock; proceeding without it: " + err.Error())
		fn()
		return
	}
	defer func() {
		_ = lock.Release(ctx)
	}()
	fn()
}

type firedJob struct {
	svc *Service
	job *models.QueueJob
}

func (d *ScheduleDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()

	var fired []firedJob
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []models.JobSchedule
		q := tx.
			Where("next_run_at IS NOT NULL AND next_run_at <= ?", now).
			Order("next_run_at ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&due).Error; err != nil {
			return err
		}

		for _, sched := range due {
			spec := RepeatSpec{
				Pattern:  sched.Pattern,
				EveryMs:  sched.EveryMs,
				Timezone: sched.Timezone,
				StartAt:  sched.StartAt,
				EndAt:    sched.EndAt,
			}
			following := nextRunAt(spec, now)

			// Fire only if nobody advanced this row since we read it.
			res := tx.Model(&models.JobSchedule{}).
				Where("id = ? AND next_run_at = ?", sched.ID, sched.NextRunAt).
				Updates(map[string]interface{}{
					"next_run_at":      following,
					"last_enqueued_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			// Insert the job in the same transaction as the next_run_at
			// advance, so a tick is never lost between commit and enqueue.
			svc := d.Registry.Service(sched.QueueName)
			if svc == nil {
				d.Logger.WithFields(logrus.Fields{
					"field": "ScheduleDispatcher",
					"queue": sched.QueueName,
				}).Warn("schedule targets unregistered queue; skipping")
				continue
			}
			job, err := svc.EnqueueTx(ctx, tx, sched.JobName, json.RawMessage(sched.Payload))
			if err != nil {
				return err
			}
			fired = append(fired, firedJob{svc: svc, job: job})
		}
		return nil
	})
	if err != nil {
		d.Logger.WithFields(logrus.Fields{
			"field": "ScheduleDispatcher",
		}).Error("dispatch transaction failed: " + err.Error())
		return
	}

	// The wake-ups are advisory and only run once the jobs are committed.
	for _, f := range fired {
		f.svc.NotifyEnqueued(ctx, f.job)
		if pool := d.Registry.Pool(f.svc.queueName); pool != nil {
			pool.Wake()
		}
	}
}
