package models

import (
	"time"
)

// Queue job statuses for QueueJob.Status.
// Keep these as strings (DB values) for backwards compatibility.
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusSucceeded  = "SUCCEEDED"
	JobStatusFailed     = "FAILED"
	JobStatusDead       = "DEAD"
)

// QueueJob is one durable unit of queued work. Workers claim rows with
// SELECT ... FOR UPDATE SKIP LOCKED; a stale LockedAt means the owning
// worker crashed and the row may be reclaimed. SUCCEEDED and DEAD are
// terminal and never overwritten.
type QueueJob struct {
	ID            int64      `gorm:"primary_key;index:idx_job_claim,priority:4" json:"id"`
	QueueName     string     `gorm:"size:64;not null;index:idx_job_claim,priority:1" json:"queue_name"`
	JobName       string     `gorm:"size:191;not null" json:"job_name"`
	Payload       []byte     `gorm:"type:blob" json:"payload"`
	Status        string     `gorm:"size:20;not null;default:'PENDING';index:idx_job_claim,priority:2" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time `gorm:"index:idx_job_claim,priority:3" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// JobSchedule is a named recurring job definition. Exactly one of Pattern
// (cron expression) or EveryMs (fixed interval) is set; SchedulerId is
// unique per queue so upserts replace rather than duplicate.
type JobSchedule struct {
	ID             int        `gorm:"primary_key" json:"id"`
	QueueName      string     `gorm:"size:64;not null;index:uniq_sched,unique" json:"queue_name"`
	SchedulerId    string     `gorm:"size:191;not null;index:uniq_sched,unique" json:"scheduler_id"`
	JobName        string     `gorm:"size:191;not null" json:"job_name"`
	Pattern        *string    `gorm:"size:100" json:"pattern"`
	EveryMs        *int64     `json:"every_ms"`
	Timezone       *string    `gorm:"size:64" json:"timezone"`
	StartAt        *time.Time `json:"start_at"`
	EndAt          *time.Time `json:"end_at"`
	Payload        []byte     `gorm:"type:blob" json:"payload"`
	NextRunAt      *time.Time `gorm:"index" json:"next_run_at"`
	LastEnqueuedAt *time.Time `json:"last_enqueued_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
