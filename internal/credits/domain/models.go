// Package domain holds the credits ledger models and service contract.
// Credits are prepaid usage units denominated in processed tonnes, not
// currency; balances use fixed-point decimals end to end.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PlanTier identifies the subscription plan an organization is on.
type PlanTier string

const (
	TierTrial    PlanTier = "TRIAL"
	TierLite     PlanTier = "LITE"
	TierStandard PlanTier = "STANDARD"
	TierLarge    PlanTier = "LARGE"
)

// Valid reports whether the tier is a known plan.
func (t PlanTier) Valid() bool {
	switch t {
	case TierTrial, TierLite, TierStandard, TierLarge:
		return true
	}
	return false
}

// Transaction kinds. The ledger is append-only; the kind records why a
// balance moved.
const (
	KindSignupBonus         = "signup_bonus"
	KindPurchase            = "purchase"
	KindSubscriptionRenewal = "subscription_renewal"
	KindOCRJob              = "ocr_job"
	KindReportGeneration    = "report_generation"
	KindAdmissionReversal   = "admission_reversal"
	KindManualAdjustment    = "manual_adjustment"
)

// KnownKind reports whether kind is one of the ledger transaction kinds.
func KnownKind(kind string) bool {
	switch kind {
	case KindSignupBonus, KindPurchase, KindSubscriptionRenewal,
		KindOCRJob, KindReportGeneration, KindAdmissionReversal, KindManualAdjustment:
		return true
	}
	return false
}

// OperationType identifies a billable operation.
type OperationType string

const (
	OperationOCR    OperationType = "ocr"
	OperationReport OperationType = "report_generation"
)

// CreditAccount is the per-organization balance row. The invariant
// balance = total_credited - total_debited (never negative) is enforced
// by conditional updates plus a database check constraint.
type CreditAccount struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	OrgID         snowflake.ID    `gorm:"not null;uniqueIndex:ux_credit_accounts_org"`
	Balance       decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	TotalCredited decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	TotalDebited  decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	PlanTier      PlanTier        `gorm:"type:text;not null;default:TRIAL"`
	PlanExpiresAt *time.Time      `gorm:""`
	LastTopUpAt   *time.Time      `gorm:""`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// EffectiveTier resolves the tier honoring plan expiry: an expired plan
// falls back to trial.
func (a CreditAccount) EffectiveTier(now time.Time) PlanTier {
	if a.PlanExpiresAt != nil && now.After(*a.PlanExpiresAt) {
		return TierTrial
	}
	if !a.PlanTier.Valid() {
		return TierTrial
	}
	return a.PlanTier
}

// CreditTransaction is one immutable ledger posting. Debits carry a
// negative amount, credits a positive one.
type CreditTransaction struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	OrgID       snowflake.ID      `gorm:"not null;index:ix_credit_transactions_org_created,priority:1"`
	Amount      decimal.Decimal   `gorm:"type:numeric(20,6);not null"`
	Kind        string            `gorm:"type:text;not null"`
	Description string            `gorm:"type:text;not null;default:''"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_credit_transactions_org_created,priority:2"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// OperationCost is the priced cost of one operation at a point in time.
type OperationCost struct {
	BaseCost   decimal.Decimal
	Multiplier decimal.Decimal
	FinalCost  decimal.Decimal
	UnitPrice  decimal.Decimal
}

// RequiredCredits nets the free-tier allowance against an operation cost.
type RequiredCredits struct {
	Cost               OperationCost
	RemainingAllowance decimal.Decimal
	Required           decimal.Decimal
}

// DebitResult reports the outcome of a debit. Insufficient funds is a
// normal result (Success=false), not an error.
type DebitResult struct {
	Success       bool
	NewBalance    decimal.Decimal
	TransactionID snowflake.ID
}
