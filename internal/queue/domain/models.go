// Package domain holds the durable job queue models and the admission
// contract. A job only ever reaches the queue after its cost has been
// collected from the organization's credit balance.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	creditsdomain "github.com/Kirill552/esg-lite-sub000/internal/credits/domain"
)

// Job states. Terminal states are completed, failed and cancelled.
const (
	StateCreated   = "created"
	StateActive    = "active"
	StateRetry     = "retry"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Priority is the closed set of admission priorities. The string form
// is the caller-facing option; Weight orders claims.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p names a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Weight maps the priority onto the numeric claim order.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 10
	case PriorityUrgent:
		return 20
	default:
		return 5
	}
}

// JobRecord is one durable unit of work. The queue owns every state
// transition; workers only request them.
type JobRecord struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	QueueName          string            `gorm:"not null;index:ix_job_records_claim,priority:1"`
	OrgID              snowflake.ID      `gorm:"not null;index"`
	DocumentID         snowflake.ID      `gorm:"not null"`
	Payload            datatypes.JSONMap `gorm:"type:jsonb"`
	Priority           int               `gorm:"not null;default:5"`
	State              string            `gorm:"not null;default:created;index:ix_job_records_claim,priority:2"`
	RetryCount         int               `gorm:"not null;default:0"`
	RunAt              time.Time         `gorm:"not null"`
	Output             *string           `gorm:"type:text"`
	LastError          *string           `gorm:"type:text"`
	DebitTransactionID *snowflake.ID     `gorm:""`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	StartedAt          *time.Time        `gorm:""`
	CompletedAt        *time.Time        `gorm:""`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (JobRecord) TableName() string { return "job_records" }

// Terminal reports whether the job can no longer change state.
func (j *JobRecord) Terminal() bool {
	switch j.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// AddJobParams is everything admission needs to price and enqueue one
// job. Volume is the billable unit count (pages for extraction).
type AddJobParams struct {
	OrgID      snowflake.ID
	DocumentID snowflake.ID
	Operation  creditsdomain.OperationType
	Volume     int
	Priority   Priority
	Payload    map[string]any
}

// QueueStats counts jobs by state for one queue.
type QueueStats struct {
	Created   int64
	Active    int64
	Retry     int64
	Completed int64
	Failed    int64
	Cancelled int64
}

// Total sums all states.
func (s QueueStats) Total() int64 {
	return s.Created + s.Active + s.Retry + s.Completed + s.Failed + s.Cancelled
}

// Service is the job queue plus its admission controller.
type Service interface {
	// AddJob prices the operation, collects the cost from the ledger and
	// only then persists the job. A persistence failure after the debit
	// is compensated with a reversing credit; if the reversal itself
	// fails the returned error is a *ReconciliationError.
	AddJob(ctx context.Context, params AddJobParams) (snowflake.ID, error)

	// ClaimNext atomically moves the best eligible job to active and
	// returns it. A nil record means nothing is ready.
	ClaimNext(ctx context.Context, queueName string) (*JobRecord, error)

	// MarkCompleted finishes an active job with its output.
	MarkCompleted(ctx context.Context, jobID snowflake.ID, output string) error

	// MarkFailed records a processing failure on an active job. Within
	// the retry budget the job moves to retry with a backed-off run
	// time; past it the job fails terminally. The resulting state is
	// returned.
	MarkFailed(ctx context.Context, jobID snowflake.ID, reason string) (string, error)

	// CancelJob cancels a job that has not started. It reports whether
	// the cancellation took effect.
	CancelJob(ctx context.Context, jobID snowflake.ID) (bool, error)

	// RetryFailedJob re-admits a terminally failed job's payload through
	// the full admission sequence, charging the organization again.
	RetryFailedJob(ctx context.Context, jobID snowflake.ID) (snowflake.ID, error)

	// GetJobStatus loads one job.
	GetJobStatus(ctx context.Context, jobID snowflake.ID) (*JobRecord, error)

	// GetQueueStats counts jobs by state. Results may be briefly stale.
	GetQueueStats(ctx context.Context, queueName string) (QueueStats, error)

	// GetActiveJobs lists currently active jobs, bounded.
	GetActiveJobs(ctx context.Context, queueName string, limit int) ([]JobRecord, error)

	// GetFailedJobs lists terminally failed jobs, newest first, bounded.
	GetFailedJobs(ctx context.Context, queueName string, limit int) ([]JobRecord, error)

	// ExpireStale fails jobs that outlived their TTL or stalled in
	// active past the active timeout, and refreshes depth gauges.
	ExpireStale(ctx context.Context) (int64, error)
}

var (
	// ErrInsufficientCredits aborts admission before anything is held.
	ErrInsufficientCredits = creditsdomain.ErrInsufficientCredits

	// ErrCreditsBlockingFailed means the ledger debit errored and the
	// job was never enqueued.
	ErrCreditsBlockingFailed = errors.New("credits_blocking_failed")

	ErrInvalidJob      = errors.New("invalid_job")
	ErrInvalidPriority = errors.New("invalid_priority")
	ErrJobNotFound     = errors.New("job_not_found")
	// ErrInvalidTransition means the job exists but is not in a state
	// the requested operation accepts.
	ErrInvalidTransition = errors.New("invalid_job_transition")
	// ErrNotRetryable means RetryFailedJob was asked to re-admit a job
	// that is not terminally failed.
	ErrNotRetryable = errors.New("job_not_retryable")
)

// ReconciliationError reports a debited admission whose enqueue failed
// and whose compensating credit also failed. The ledger now needs a
// manual repair; the error carries everything an operator needs.
type ReconciliationError struct {
	OrgID              snowflake.ID
	Amount             decimal.Decimal
	DebitTransactionID snowflake.ID
	EnqueueErr         error
	ReversalErr        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf(
		"manual reconciliation required for org %s: debit %s (txn %s) not reversed: enqueue: %v; reversal: %v",
		e.OrgID, e.Amount, e.DebitTransactionID, e.EnqueueErr, e.ReversalErr,
	)
}

func (e *ReconciliationError) Unwrap() error { return e.EnqueueErr }
