package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pawdot/petpal_backend/models"
	"github.com/pawdot/petpal_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Pool runs N concurrent consumers against one queue. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED; a stale lock (worker crashed mid-job)
// is reclaimed after LockTTL, which is what makes delivery at-least-once.
type Pool struct {
	svc     *Service
	handler Handler

	Concurrency   int
	ClaimInterval time.Duration
	LockTTL       time.Duration
	WorkerID      string

	wake     chan struct{}
	inflight atomic.Int64
	idle     atomic.Bool
}

func NewPool(svc *Service, handler Handler, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		svc:           svc,
		handler:       handler,
		Concurrency:   concurrency,
		ClaimInterval: 2 * time.Second,
		LockTTL:       30 * time.Second,
		WorkerID:      svc.queueName + "-" + uuid.NewString(),
		wake:          make(chan struct{}, 1),
	}
}

// Wake nudges an idle consumer to poll immediately. Safe to call from any
// goroutine; used by the Pub/Sub notification listener.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, then returns once all consumers have
// finished their current job.
func (p *Pool) Run(ctx context.Context) {
	p.svc.events.Publish(Event{Kind: EventReady, Queue: p.svc.queueName})

	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.claimOne(ctx)
		if err != nil {
			p.svc.events.Publish(Event{Kind: EventError, Queue: p.svc.queueName, Err: err})
			p.svc.logger.WithFields(logrus.Fields{
				"field": "WorkerPool",
				"queue": p.svc.queueName,
			}).Error("claim failed: " + err.Error())
		}
		if job == nil {
			if p.inflight.Load() == 0 && p.idle.CompareAndSwap(false, true) {
				p.svc.events.Publish(Event{Kind: EventDrained, Queue: p.svc.queueName})
			}
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			case <-time.After(p.ClaimInterval):
			}
			continue
		}

		p.idle.Store(false)
		p.inflight.Add(1)
		p.process(ctx, job)
		p.inflight.Add(-1)
	}
}

// claimOne atomically picks one deliverable job and marks it PROCESSING.
// Eligible rows: PENDING/FAILED whose backoff has elapsed, or PROCESSING
// rows whose lock went stale.
func (p *Pool) claimOne(ctx context.Context) (*models.QueueJob, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed *models.QueueJob
	err := p.svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []models.QueueJob
		q := tx.
			Where("queue_name = ?", p.svc.queueName).
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.JobStatusPending, models.JobStatusFailed}, now, models.JobStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(1).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		job := jobs[0]
		updates := map[string]interface{}{
			"status":    models.JobStatusProcessing,
			"locked_at": &now,
			"locked_by": &p.WorkerID,
		}

		if job.Status == models.JobStatusProcessing {
			// Stale reclaim: the previous delivery crashed without reporting
			// back, so it still consumes an attempt. Otherwise a job that
			// reliably kills its worker would be redelivered forever.
			job.Attempts++
			if job.Attempts >= p.svc.policy.MaxAttempts {
				msg := "worker lock expired; max attempts reached"
				if err := tx.Model(&models.QueueJob{}).
					Where("id = ?", job.ID).
					Updates(map[string]interface{}{
						"status":     models.JobStatusDead,
						"attempts":   job.Attempts,
						"last_error": &msg,
						"locked_at":  nil,
						"locked_by":  nil,
					}).Error; err != nil {
					return err
				}
				p.svc.logger.WithFields(logrus.Fields{
					"field":    "WorkerPool",
					"queue":    p.svc.queueName,
					"job_id":   job.ID,
					"job_name": job.JobName,
					"attempts": job.Attempts,
				}).Error("job went terminal: " + msg)
				return nil
			}
			updates["attempts"] = job.Attempts
		}

		job.Status = models.JobStatusProcessing
		job.LockedAt = &now
		job.LockedBy = &p.WorkerID
		if err := tx.Model(&models.QueueJob{}).
			Where("id = ?", job.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *Pool) process(ctx context.Context, job *models.QueueJob) {
	jobCtx := utils.SetWorkerIdInContext(ctx, p.WorkerID)
	jobCtx = utils.SetCorrelationIdInContext(jobCtx, job.CorrelationId)

	if err := p.handler(jobCtx, job); err != nil {
		dead := p.markJobFailure(ctx, job, err)
		p.svc.events.Publish(Event{Kind: EventJobFailed, Queue: p.svc.queueName, JobId: job.ID, Err: err})
		if dead {
			p.svc.logger.WithFields(logrus.Fields{
				"field":    "WorkerPool",
				"queue":    p.svc.queueName,
				"job_id":   job.ID,
				"job_name": job.JobName,
			}).Error("job went terminal after max attempts: " + err.Error())
		}
		return
	}

	p.markJobSuccess(ctx, job)
	p.svc.events.Publish(Event{Kind: EventJobCompleted, Queue: p.svc.queueName, JobId: job.ID})
}

// markJobFailure returns whether the job is now DEAD.
func (p *Pool) markJobFailure(ctx context.Context, job *models.QueueJob, err error) bool {
	cfg := p.svc.policy
	now := time.Now().UTC()
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	db := p.svc.db

	// Fetch current attempts for stable backoff and DEAD cutoff.
	var rec models.QueueJob
	if qerr := db.WithContext(ctx).
		Select("id,queue_name,job_name,attempts").
		Where("id = ?", job.ID).
		First(&rec).Error; qerr != nil {
		// Still try to record the error even if we can't read attempts.
		_ = db.WithContext(ctx).Model(&models.QueueJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"last_error": &errMsg,
				"locked_at":  nil,
				"locked_by":  nil,
				"status":     models.JobStatusFailed,
			}).Error
		return false
	}

	attempts := rec.Attempts + 1
	status := models.JobStatusFailed

	var nextAttemptAt *time.Time
	if attempts >= cfg.MaxAttempts {
		status = models.JobStatusDead
		nextAttemptAt = nil
	} else {
		t := now.Add(cfg.Backoff(attempts))
		nextAttemptAt = &t
	}

	_ = db.WithContext(ctx).Model(&models.QueueJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"last_error":      &errMsg,
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt,
			"status":          status,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	p.svc.logger.WithFields(logrus.Fields{
		"field":    "WorkerPool",
		"queue":    rec.QueueName,
		"job_id":   rec.ID,
		"job_name": rec.JobName,
		"status":   status,
		"attempts": attempts,
	}).Error("job processing failed: " + errMsg)

	return status == models.JobStatusDead
}

func (p *Pool) markJobSuccess(ctx context.Context, job *models.QueueJob) {
	now := time.Now().UTC()

	// Do not override terminal DEAD rows.
	_ = p.svc.db.WithContext(ctx).Model(&models.QueueJob{}).
		Where("id = ? AND status <> ?", job.ID, models.JobStatusDead).
		Updates(map[string]interface{}{
			"status":          models.JobStatusSucceeded,
			"next_attempt_at": nil,
			"last_error":      nil,
			"locked_at":       nil,
			"locked_by":       nil,
			"updated_at":      now,
		}).Error

	p.svc.logger.WithFields(logrus.Fields{
		"field":    "WorkerPool",
		"queue":    p.svc.queueName,
		"job_id":   job.ID,
		"job_name": job.JobName,
		"status":   models.JobStatusSucceeded,
	}).Info("job processed successfully")
}
