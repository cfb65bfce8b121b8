// Package domain holds the rate limiter models and service contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	creditsdomain "github.com/Kirill552/esg-lite-sub000/internal/credits/domain"
)

// Denial reasons, machine-readable for callers.
const (
	ReasonInsufficientCredits = "INSUFFICIENT_CREDITS"
	ReasonRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ReasonErrorFallback       = "ERROR_FALLBACK"
)

// RateWindowCounter is one fixed-window row per organization. Rows are
// superseded across windows, never mutated into the next window, and
// swept once they age past twice the window size.
type RateWindowCounter struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	OrgID        snowflake.ID `gorm:"not null;uniqueIndex:ux_rate_window_counters_org_window,priority:1"`
	WindowStart  time.Time    `gorm:"not null;uniqueIndex:ux_rate_window_counters_org_window,priority:2;index:ix_rate_window_counters_window"`
	RequestCount int64        `gorm:"not null;default:0"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RateWindowCounter) TableName() string { return "rate_window_counters" }

// CheckResult is the outcome of a non-mutating limit check.
type CheckResult struct {
	Allowed bool
	// Remaining counts the requests this window can still admit,
	// including the one being checked.
	Remaining int64
	ResetTime time.Time
	// RetryAfter is set on RATE_LIMIT_EXCEEDED denials.
	RetryAfter time.Duration
	// Reason is empty when allowed, except ERROR_FALLBACK which marks a
	// fail-open allow after a counter storage error.
	Reason string
}

// OperationCheck is the unified answer of CanPerformOperation.
type OperationCheck struct {
	Allowed bool
	Reason  string
}

// LimiterService is the admission rate gate. Checking and counting are
// deliberately two phases so dry-run checks stay non-mutating.
type LimiterService interface {
	// CheckLimit answers whether the organization may issue one more
	// request in the current window. Counter storage errors fail open;
	// the credit probe fails closed.
	CheckLimit(ctx context.Context, orgID snowflake.ID) (CheckResult, error)

	// IncrementCounter records one admitted request. Call it only after
	// an allowed CheckLimit.
	IncrementCounter(ctx context.Context, orgID snowflake.ID) error

	// CanPerformOperation composes the window check with an operation
	// cost/credit probe. Non-mutating.
	CanPerformOperation(ctx context.Context, orgID snowflake.ID, op creditsdomain.OperationType) (OperationCheck, error)

	// SweepExpired deletes counter rows older than twice the window.
	SweepExpired(ctx context.Context) (int64, error)
}

// Service is the package alias for LimiterService.
type Service = LimiterService

var ErrInvalidOrganization = errors.New("invalid_organization")
