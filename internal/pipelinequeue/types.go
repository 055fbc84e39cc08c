package pipelinequeue

import "time"

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusRunning    JobStatus = "running"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusDeadLetter JobStatus = "dead_letter"
	StatusCancelled  JobStatus = "cancelled"
)

// Trigger records why a pipeline job was enqueued.
type Trigger string

const (
	TriggerOnboarding   Trigger = "onboarding"
	TriggerManualRetry  Trigger = "manual_retry"
	TriggerAutoRecovery Trigger = "auto_recovery"
	TriggerDLQReplay    Trigger = "dlq_replay"
	TriggerUnknown      Trigger = "unknown"
)

// Job is one row of the leased pipeline queue. worker_id is set only while
// the row is leased; a job whose lock_expires_at has passed is reclaimable
// by any worker.
type Job struct {
	ID            string     `db:"id"`
	CreatorID     string     `db:"creator_id"`
	Handle        string     `db:"handle"`
	RunID         string     `db:"run_id"`
	Trigger       Trigger    `db:"trigger"`
	Status        JobStatus  `db:"status"`
	Attempts      int        `db:"attempts"`
	MaxAttempts   int        `db:"max_attempts"`
	WorkerID      *string    `db:"worker_id"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	LockedAt      *time.Time `db:"locked_at"`
	LockExpiresAt *time.Time `db:"lock_expires_at"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}
