// Package service implements the fixed-window rate limiter. The window
// key is now truncated to the window size; the accepted tradeoff is up
// to a 2x burst across a window boundary.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Kirill552/esg-lite-sub000/internal/clock"
	creditsdomain "github.com/Kirill552/esg-lite-sub000/internal/credits/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/observability/metrics"
	ratelimitdomain "github.com/Kirill552/esg-lite-sub000/internal/ratelimit/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/surge"
)

// Config carries the window size and per-tier base limits.
type Config struct {
	Window     time.Duration
	TierLimits map[creditsdomain.PlanTier]int64
}

// DefaultConfig returns the production window and tier limits.
func DefaultConfig() Config {
	return Config{
		Window: time.Minute,
		TierLimits: map[creditsdomain.PlanTier]int64{
			creditsdomain.TierTrial:    5,
			creditsdomain.TierLite:     10,
			creditsdomain.TierStandard: 30,
			creditsdomain.TierLarge:    100,
		},
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Window <= 0 {
		c.Window = defaults.Window
	}
	if len(c.TierLimits) == 0 {
		c.TierLimits = defaults.TierLimits
	}
	return c
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Surge   *surge.Policy
	Ledger  creditsdomain.Service
	Metrics *metrics.QueueMetrics `optional:"true"`
	Config  Config                `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	surge   *surge.Policy
	ledger  creditsdomain.Service
	metrics *metrics.QueueMetrics
	cfg     Config
}

// NewService builds the rate limiter.
func NewService(p ServiceParam) ratelimitdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ratelimit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		surge:   p.Surge,
		ledger:  p.Ledger,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func (s *Service) CheckLimit(ctx context.Context, orgID snowflake.ID) (ratelimitdomain.CheckResult, error) {
	if orgID == 0 {
		return ratelimitdomain.CheckResult{}, ratelimitdomain.ErrInvalidOrganization
	}

	now := s.clock.Now().UTC()
	windowStart := now.Truncate(s.cfg.Window)
	windowEnd := windowStart.Add(s.cfg.Window)

	// Credit probe first: an empty balance denies without touching the
	// counter. The ledger probe fails closed, so a broken account read
	// also denies here.
	account, err := s.ledger.CheckBalance(ctx, orgID)
	if err != nil || account.Balance.Sign() <= 0 {
		if err != nil {
			s.log.Warn("credit probe failed during limit check",
				zap.String("org_id", orgID.String()),
				zap.Error(err),
			)
		}
		s.metrics.IncRateLimitDenial(ratelimitdomain.ReasonInsufficientCredits)
		return ratelimitdomain.CheckResult{
			Allowed:   false,
			ResetTime: windowEnd,
			Reason:    ratelimitdomain.ReasonInsufficientCredits,
		}, nil
	}

	max := s.effectiveLimit(account.EffectiveTier(now), now)

	count, err := s.getOrCreateWindow(ctx, orgID, windowStart, now)
	if err != nil {
		// Counter storage errors fail open, unlike the ledger probe
		// above. Denying paid traffic because the counter store is down
		// is the wrong failure mode for this layer.
		s.log.Warn("window counter unavailable, allowing request",
			zap.String("org_id", orgID.String()),
			zap.Error(err),
		)
		return ratelimitdomain.CheckResult{
			Allowed:   true,
			Remaining: max,
			ResetTime: windowEnd,
			Reason:    ratelimitdomain.ReasonErrorFallback,
		}, nil
	}

	if count >= max {
		s.metrics.IncRateLimitDenial(ratelimitdomain.ReasonRateLimitExceeded)
		return ratelimitdomain.CheckResult{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  windowEnd,
			RetryAfter: windowEnd.Sub(now),
			Reason:     ratelimitdomain.ReasonRateLimitExceeded,
		}, nil
	}

	return ratelimitdomain.CheckResult{
		Allowed:   true,
		Remaining: max - count,
		ResetTime: windowEnd,
	}, nil
}

func (s *Service) IncrementCounter(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return ratelimitdomain.ErrInvalidOrganization
	}

	now := s.clock.Now().UTC()
	windowStart := now.Truncate(s.cfg.Window)
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO rate_window_counters (id, org_id, window_start, request_count, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (org_id, window_start)
		 DO UPDATE SET request_count = rate_window_counters.request_count + 1, updated_at = excluded.updated_at`,
		s.genID.Generate(),
		orgID,
		windowStart,
		now,
	).Error
	if err != nil {
		return fmt.Errorf("increment window counter org=%s: %w", orgID, err)
	}
	return nil
}

func (s *Service) CanPerformOperation(ctx context.Context, orgID snowflake.ID, op creditsdomain.OperationType) (ratelimitdomain.OperationCheck, error) {
	check, err := s.CheckLimit(ctx, orgID)
	if err != nil {
		return ratelimitdomain.OperationCheck{}, err
	}
	if !check.Allowed {
		return ratelimitdomain.OperationCheck{Allowed: false, Reason: check.Reason}, nil
	}

	cost, err := s.ledger.GetOperationCost(op, 1, nil, s.clock.Now())
	if err != nil {
		return ratelimitdomain.OperationCheck{}, err
	}
	// Credit sufficiency is enforced even when the window check fell
	// open on a storage error.
	if !s.ledger.HasCredits(ctx, orgID, cost.FinalCost) {
		s.metrics.IncRateLimitDenial(ratelimitdomain.ReasonInsufficientCredits)
		return ratelimitdomain.OperationCheck{
			Allowed: false,
			Reason:  ratelimitdomain.ReasonInsufficientCredits,
		}, nil
	}
	return ratelimitdomain.OperationCheck{Allowed: true}, nil
}

func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-2 * s.cfg.Window)
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM rate_window_counters WHERE window_start < ?`, cutoff,
	)
	if result.Error != nil {
		return 0, fmt.Errorf("sweep rate windows: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) effectiveLimit(tier creditsdomain.PlanTier, now time.Time) int64 {
	max, ok := s.cfg.TierLimits[tier]
	if !ok {
		max = s.cfg.TierLimits[creditsdomain.TierTrial]
	}
	if s.surge.IsSurge(now) {
		max = max / 2
	}
	return max
}

// getOrCreateWindow inserts the window row if missing and returns the
// current count, without mutating it.
func (s *Service) getOrCreateWindow(ctx context.Context, orgID snowflake.ID, windowStart, now time.Time) (int64, error) {
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO rate_window_counters (id, org_id, window_start, request_count, updated_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT (org_id, window_start) DO NOTHING`,
		s.genID.Generate(),
		orgID,
		windowStart,
		now,
	).Error; err != nil {
		return 0, err
	}

	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT request_count FROM rate_window_counters WHERE org_id = ? AND window_start = ?`,
		orgID,
		windowStart,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
