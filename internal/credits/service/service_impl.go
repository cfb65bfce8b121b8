// Package service implements the credits ledger on top of gorm with
// atomic conditional updates, so concurrent debits for one organization
// can never race past the balance check.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Kirill552/esg-lite-sub000/internal/clock"
	creditsdomain "github.com/Kirill552/esg-lite-sub000/internal/credits/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/surge"
)

// Config carries the pricing constants of the ledger.
type Config struct {
	// SignupBonus is credited when an account is lazily created.
	SignupBonus decimal.Decimal
	// FreeTierThreshold is the cumulative-debit level below which the
	// remaining allowance offsets operation costs.
	FreeTierThreshold decimal.Decimal
	// OCRUnitPrice is the per-page price of an extraction job.
	OCRUnitPrice decimal.Decimal
	// OCRMinCost is the floor for volume-scaled extraction pricing.
	OCRMinCost decimal.Decimal
	// ReportBaseCost is the flat price of a report generation.
	ReportBaseCost decimal.Decimal
}

// DefaultConfig returns production pricing.
func DefaultConfig() Config {
	return Config{
		SignupBonus:       decimal.NewFromInt(1000),
		FreeTierThreshold: decimal.NewFromInt(1000),
		OCRUnitPrice:      decimal.NewFromFloat(0.1),
		OCRMinCost:        decimal.NewFromFloat(0.1),
		ReportBaseCost:    decimal.NewFromInt(1),
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SignupBonus.LessThanOrEqual(decimal.Zero) {
		c.SignupBonus = defaults.SignupBonus
	}
	if c.FreeTierThreshold.LessThanOrEqual(decimal.Zero) {
		c.FreeTierThreshold = defaults.FreeTierThreshold
	}
	if c.OCRUnitPrice.LessThanOrEqual(decimal.Zero) {
		c.OCRUnitPrice = defaults.OCRUnitPrice
	}
	if c.OCRMinCost.LessThanOrEqual(decimal.Zero) {
		c.OCRMinCost = defaults.OCRMinCost
	}
	if c.ReportBaseCost.LessThanOrEqual(decimal.Zero) {
		c.ReportBaseCost = defaults.ReportBaseCost
	}
	return c
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Surge  *surge.Policy
	Config Config `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	surge *surge.Policy
	cfg   Config
}

// NewService builds the ledger service.
func NewService(p ServiceParam) creditsdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("credits.service"),
		genID: p.GenID,
		clock: p.Clock,
		surge: p.Surge,
		cfg:   p.Config.withDefaults(),
	}
}

func (s *Service) CheckBalance(ctx context.Context, orgID snowflake.ID) (*creditsdomain.CreditAccount, error) {
	if orgID == 0 {
		return nil, creditsdomain.ErrInvalidOrganization
	}

	var account *creditsdomain.CreditAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.getOrCreateAccount(ctx, tx, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) HasCredits(ctx context.Context, orgID snowflake.ID, amount decimal.Decimal) bool {
	account, err := s.CheckBalance(ctx, orgID)
	if err != nil {
		// Fail closed: an unreadable balance is treated as insufficient.
		s.log.Warn("balance probe failed",
			zap.String("org_id", orgID.String()),
			zap.Error(err),
		)
		return false
	}
	return account.Balance.GreaterThanOrEqual(amount)
}

func (s *Service) DebitCredits(ctx context.Context, orgID snowflake.ID, amount decimal.Decimal, kind, description string, metadata map[string]any) (creditsdomain.DebitResult, error) {
	if orgID == 0 {
		return creditsdomain.DebitResult{}, creditsdomain.ErrInvalidOrganization
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return creditsdomain.DebitResult{}, creditsdomain.ErrInvalidAmount
	}
	if !creditsdomain.KnownKind(kind) {
		return creditsdomain.DebitResult{}, creditsdomain.ErrUnknownKind
	}

	amount = amount.Round(6)
	var result creditsdomain.DebitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.getOrCreateAccount(ctx, tx, orgID); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		// The balance guard in the WHERE clause is the whole point: the
		// check and the decrement are one statement, so two concurrent
		// debits cannot both pass on the same funds.
		update := tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			 SET balance = balance - ?, total_debited = total_debited + ?, updated_at = ?
			 WHERE org_id = ? AND balance >= ?`,
			amount, amount, now, orgID, amount,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			result = creditsdomain.DebitResult{Success: false}
			return nil
		}

		txn := &creditsdomain.CreditTransaction{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			Amount:      amount.Neg(),
			Kind:        kind,
			Description: description,
			CreatedAt:   now,
		}
		if metadata != nil {
			txn.Metadata = datatypes.JSONMap(metadata)
		}
		if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
			return err
		}

		balance, err := s.readBalance(ctx, tx, orgID)
		if err != nil {
			return err
		}
		result = creditsdomain.DebitResult{
			Success:       true,
			NewBalance:    balance,
			TransactionID: txn.ID,
		}
		return nil
	})
	if err != nil {
		return creditsdomain.DebitResult{}, fmt.Errorf("debit credits org=%s amount=%s: %w", orgID, amount, err)
	}
	return result, nil
}

func (s *Service) CreditCredits(ctx context.Context, orgID snowflake.ID, amount decimal.Decimal, description, kind string, metadata map[string]any) (*creditsdomain.CreditTransaction, error) {
	if orgID == 0 {
		return nil, creditsdomain.ErrInvalidOrganization
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, creditsdomain.ErrInvalidAmount
	}
	if !creditsdomain.KnownKind(kind) {
		return nil, creditsdomain.ErrUnknownKind
	}

	amount = amount.Round(6)
	var txn *creditsdomain.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.getOrCreateAccount(ctx, tx, orgID); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		query := `UPDATE credit_accounts
			 SET balance = balance + ?, total_credited = total_credited + ?, updated_at = ?
			 WHERE org_id = ?`
		args := []any{amount, amount, now, orgID}
		if kind == creditsdomain.KindPurchase || kind == creditsdomain.KindSubscriptionRenewal {
			query = `UPDATE credit_accounts
			 SET balance = balance + ?, total_credited = total_credited + ?, updated_at = ?, last_top_up_at = ?
			 WHERE org_id = ?`
			args = []any{amount, amount, now, now, orgID}
		}
		if err := tx.WithContext(ctx).Exec(query, args...).Error; err != nil {
			return err
		}

		txn = &creditsdomain.CreditTransaction{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			Amount:      amount,
			Kind:        kind,
			Description: description,
			CreatedAt:   now,
		}
		if metadata != nil {
			txn.Metadata = datatypes.JSONMap(metadata)
		}
		return tx.WithContext(ctx).Create(txn).Error
	})
	if err != nil {
		return nil, fmt.Errorf("credit credits org=%s amount=%s: %w", orgID, amount, err)
	}
	return txn, nil
}

func (s *Service) GetOperationCost(op creditsdomain.OperationType, volume int, multiplier *decimal.Decimal, at time.Time) (creditsdomain.OperationCost, error) {
	var base, unitPrice decimal.Decimal
	switch op {
	case creditsdomain.OperationOCR:
		if volume < 1 {
			return creditsdomain.OperationCost{}, creditsdomain.ErrInvalidVolume
		}
		unitPrice = s.cfg.OCRUnitPrice
		base = unitPrice.Mul(decimal.NewFromInt(int64(volume)))
		if base.LessThan(s.cfg.OCRMinCost) {
			base = s.cfg.OCRMinCost
		}
	case creditsdomain.OperationReport:
		unitPrice = s.cfg.ReportBaseCost
		base = s.cfg.ReportBaseCost
	default:
		return creditsdomain.OperationCost{}, creditsdomain.ErrUnknownOperation
	}

	if at.IsZero() {
		at = s.clock.Now()
	}
	mult := s.surge.Multiplier(at)
	if multiplier != nil {
		mult = *multiplier
	}
	if mult.LessThanOrEqual(decimal.Zero) {
		return creditsdomain.OperationCost{}, creditsdomain.ErrInvalidAmount
	}

	return creditsdomain.OperationCost{
		BaseCost:   base,
		Multiplier: mult,
		FinalCost:  base.Mul(mult).Round(6),
		UnitPrice:  unitPrice,
	}, nil
}

func (s *Service) CalculateRequiredCredits(ctx context.Context, orgID snowflake.ID, op creditsdomain.OperationType, volume int, multiplier *decimal.Decimal, at time.Time) (creditsdomain.RequiredCredits, error) {
	cost, err := s.GetOperationCost(op, volume, multiplier, at)
	if err != nil {
		return creditsdomain.RequiredCredits{}, err
	}

	account, err := s.CheckBalance(ctx, orgID)
	if err != nil {
		return creditsdomain.RequiredCredits{}, err
	}

	remaining := s.cfg.FreeTierThreshold.Sub(account.TotalDebited)
	if remaining.LessThan(decimal.Zero) {
		remaining = decimal.Zero
	}
	required := cost.FinalCost.Sub(remaining)
	if required.LessThan(decimal.Zero) {
		required = decimal.Zero
	}

	return creditsdomain.RequiredCredits{
		Cost:               cost,
		RemainingAllowance: remaining,
		Required:           required.Round(6),
	}, nil
}

func (s *Service) ListTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]creditsdomain.CreditTransaction, error) {
	if orgID == 0 {
		return nil, creditsdomain.ErrInvalidOrganization
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txns []creditsdomain.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("list transactions org=%s: %w", orgID, err)
	}
	return txns, nil
}

// getOrCreateAccount inserts the account row with the signup bonus when
// it does not exist yet, then reads it back. Runs inside the caller's
// transaction.
func (s *Service) getOrCreateAccount(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*creditsdomain.CreditAccount, error) {
	now := s.clock.Now().UTC()
	insert := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (id, org_id, balance, total_credited, total_debited, plan_tier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (org_id) DO NOTHING`,
		s.genID.Generate(),
		orgID,
		s.cfg.SignupBonus,
		s.cfg.SignupBonus,
		creditsdomain.TierTrial,
		now,
		now,
	)
	if insert.Error != nil {
		return nil, insert.Error
	}
	if insert.RowsAffected > 0 {
		bonus := &creditsdomain.CreditTransaction{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			Amount:      s.cfg.SignupBonus,
			Kind:        creditsdomain.KindSignupBonus,
			Description: "welcome bonus",
			CreatedAt:   now,
		}
		if err := tx.WithContext(ctx).Create(bonus).Error; err != nil {
			return nil, err
		}
	}

	var account creditsdomain.CreditAccount
	if err := tx.WithContext(ctx).Where("org_id = ?", orgID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) readBalance(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (decimal.Decimal, error) {
	var account creditsdomain.CreditAccount
	if err := tx.WithContext(ctx).Where("org_id = ?", orgID).First(&account).Error; err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}
