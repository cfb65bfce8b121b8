// Package ocr defines the text-extraction capability the worker pool
// consumes. The extraction engine itself is opaque to the metering
// core and swappable through the fx graph.
package ocr

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Result is the outcome of a successful extraction.
type Result struct {
	Text       string
	Confidence decimal.Decimal
	Pages      int
}

// Processor extracts text from an uploaded resource. Implementations
// must honor ctx cancellation between processing steps.
type Processor interface {
	Process(ctx context.Context, resourceRef string) (Result, error)
}

// ProcessError is the typed failure a Processor raises. Retryable
// failures are retried by the queue up to its retry budget.
type ProcessError struct {
	ResourceRef string
	Reason      string
	Retryable   bool
	Err         error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process %s: %s: %v", e.ResourceRef, e.Reason, e.Err)
	}
	return fmt.Sprintf("process %s: %s", e.ResourceRef, e.Reason)
}

func (e *ProcessError) Unwrap() error { return e.Err }
