package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/pawdot/petpal_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler processes one delivery of one job. Returning an error marks the
// delivery failed and hands the job to the retry policy.
type Handler func(ctx context.Context, job *models.QueueJob) error

// Service is the durable job store for a single named queue: producers
// enqueue through it and the schedule operations live on it. One Service is
// constructed per job family (interactions, thoughts, social checks) via
// Registry.Register.
type Service struct {
	db        *gorm.DB
	logger    *logrus.Logger
	queueName string
	events    *EventBus
	policy    RetryPolicy
	notify    bool
}

func NewService(db *gorm.DB, logger *logrus.Logger, queueName string) *Service {
	return &Service{
		db:        db,
		logger:    logger,
		queueName: queueName,
		events:    NewEventBus(),
		policy:    DefaultRetryPolicy(),
		notify:    config.JobNotificationsEnabled(),
	}
}

func (s *Service) QueueName() string { return s.queueName }
func (s *Service) Events() *EventBus { return s.events }

// Enqueue appends a job for immediate processing. The insert is the durable
// part; the Pub/Sub wake-up afterwards is best-effort and only shortens
// dequeue latency (worker pools poll the table regardless).
func (s *Service) Enqueue(ctx context.Context, jobName string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	job, err := s.insertJob(ctx, s.db.WithContext(ctx), jobName, data)
	if err != nil {
		return 0, err
	}
	s.NotifyEnqueued(ctx, job)
	return job.ID, nil
}

// EnqueueTx appends a job inside the caller's transaction, so the job row
// commits or rolls back together with the caller's other writes. The caller
// fires NotifyEnqueued once the transaction has committed.
func (s *Service) EnqueueTx(ctx context.Context, tx *gorm.DB, jobName string, payload any) (*models.QueueJob, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return s.insertJob(ctx, tx, jobName, data)
}

func (s *Service) insertJob(ctx context.Context, db *gorm.DB, jobName string, data []byte) (*models.QueueJob, error) {
	job := models.QueueJob{
		QueueName:     s.queueName,
		JobName:       jobName,
		Payload:       data,
		Status:        models.JobStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if err := db.Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// NotifyEnqueued publishes the Pub/Sub wake-up for a committed job row.
func (s *Service) NotifyEnqueued(ctx context.Context, job *models.QueueJob) {
	if !s.notify || job == nil {
		return
	}
	if _, err := config.PublishJobNotification(ctx, config.JobNotification{
		QueueName:     s.queueName,
		JobId:         job.ID,
		JobName:       job.JobName,
		CorrelationId: job.CorrelationId,
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"field":  "QueueService",
			"queue":  s.queueName,
			"job_id": job.ID,
		}).Warn("job notification publish failed: " + err.Error())
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// Registry owns every queue service and its worker pool. It is constructed
// once in main and passed down explicitly; lifecycle (Init/Shutdown) belongs
// to the process entry point, not to package-level state.
type Registry struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu       sync.Mutex
	services map[string]*Service
	pools    map[string]*Pool

	dispatcher *ScheduleDispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(db *gorm.DB, logger *logrus.Logger) *Registry {
	return &Registry{
		db:       db,
		logger:   logger,
		services: map[string]*Service{},
		pools:    map[string]*Pool{},
	}
}

// Register creates the queue service and worker pool for one job family.
// Calling it twice for the same queue replaces the handler wiring, which is
// only useful in tests.
func (r *Registry) Register(queueName string, handler Handler, concurrency int) *Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc := NewService(r.db, r.logger, queueName)
	r.services[queueName] = svc
	r.pools[queueName] = NewPool(svc, handler, concurrency)
	return svc
}

func (r *Registry) Service(queueName string) *Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[queueName]
}

func (r *Registry) Pool(queueName string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[queueName]
}

// Init starts every worker pool plus the schedule dispatcher. It returns
// immediately; the pools run until Shutdown.
func (r *Registry) Init(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	for _, p := range pools {
		p := p
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			p.Run(runCtx)
		}()
	}

	r.dispatcher = NewScheduleDispatcher(r.db, r.logger, r)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatcher.Run(runCtx)
	}()
}

// Shutdown stops the pools and dispatcher and waits for in-flight handlers
// to finish, or for ctx to expire, whichever comes first.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.WithFields(logrus.Fields{
			"field": "QueueRegistry",
		}).Warn("shutdown deadline reached before workers drained")
	}
}
