package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// LedgerService is the single owner of credit account mutations. Every
// balance change flows through DebitCredits or CreditCredits; no other
// component touches the account rows.
type LedgerService interface {
	// CheckBalance returns the organization's account, creating it with
	// the signup bonus transaction on first contact.
	CheckBalance(ctx context.Context, orgID snowflake.ID) (*CreditAccount, error)

	// HasCredits reports whether balance >= amount. Storage errors read
	// as false: this probe deliberately fails closed.
	HasCredits(ctx context.Context, orgID snowflake.ID, amount decimal.Decimal) bool

	// DebitCredits atomically re-checks the balance and collects amount.
	// Insufficient funds returns Success=false with no transaction
	// written; only storage problems surface as errors.
	DebitCredits(ctx context.Context, orgID snowflake.ID, amount decimal.Decimal, kind, description string, metadata map[string]any) (DebitResult, error)

	// CreditCredits atomically increments the balance and appends a
	// positive transaction of the given kind.
	CreditCredits(ctx context.Context, orgID snowflake.ID, amount decimal.Decimal, description, kind string, metadata map[string]any) (*CreditTransaction, error)

	// GetOperationCost prices an operation at the given instant. A nil
	// multiplier defers to the surge policy; at.IsZero() means now.
	GetOperationCost(op OperationType, volume int, multiplier *decimal.Decimal, at time.Time) (OperationCost, error)

	// CalculateRequiredCredits nets the free-tier allowance against the
	// operation cost: required = max(0, finalCost - remainingAllowance).
	CalculateRequiredCredits(ctx context.Context, orgID snowflake.ID, op OperationType, volume int, multiplier *decimal.Decimal, at time.Time) (RequiredCredits, error)

	// ListTransactions returns the newest transactions first, bounded.
	ListTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]CreditTransaction, error)
}

// Service is the package alias for LedgerService.
type Service = LedgerService

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidVolume       = errors.New("invalid_volume")
	ErrUnknownOperation    = errors.New("unknown_operation")
	ErrUnknownKind         = errors.New("unknown_transaction_kind")
	ErrInsufficientCredits = errors.New("insufficient_credits")
)
