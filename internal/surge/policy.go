// Package surge implements the seasonal pricing policy. During the
// annual reporting deadline window operation costs are multiplied and
// rate limits are tightened. The policy is a pure function of the date.
package surge

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config describes the annual surge window. The window is inclusive of
// both boundary days and evaluated in UTC.
type Config struct {
	StartMonth time.Month
	StartDay   int
	EndMonth   time.Month
	EndDay     int
	Multiplier decimal.Decimal
}

// DefaultConfig covers the filing crunch before the annual reporting
// deadline with a 2x cost multiplier.
func DefaultConfig() Config {
	return Config{
		StartMonth: time.June,
		StartDay:   15,
		EndMonth:   time.June,
		EndDay:     30,
		Multiplier: decimal.NewFromInt(2),
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.StartMonth == 0 || c.StartDay == 0 {
		c.StartMonth = defaults.StartMonth
		c.StartDay = defaults.StartDay
	}
	if c.EndMonth == 0 || c.EndDay == 0 {
		c.EndMonth = defaults.EndMonth
		c.EndDay = defaults.EndDay
	}
	if c.Multiplier.LessThanOrEqual(decimal.Zero) {
		c.Multiplier = defaults.Multiplier
	}
	return c
}

// Policy answers whether a given instant falls inside the surge window
// and what cost multiplier applies. Policy values are immutable and
// safe for concurrent use.
type Policy struct {
	cfg Config
}

// NewPolicy builds a Policy, filling missing config fields with defaults.
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg.withDefaults()}
}

// IsSurge reports whether t falls inside the surge window.
func (p *Policy) IsSurge(t time.Time) bool {
	t = t.UTC()
	year := t.Year()
	start := time.Date(year, p.cfg.StartMonth, p.cfg.StartDay, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, p.cfg.EndMonth, p.cfg.EndDay, 23, 59, 59, 999999999, time.UTC)
	if end.Before(start) {
		// Window wraps the year boundary.
		return !t.Before(start) || !t.After(end)
	}
	return !t.Before(start) && !t.After(end)
}

// Multiplier returns the cost multiplier effective at t: the configured
// surge multiplier inside the window, 1.0 outside it.
func (p *Policy) Multiplier(t time.Time) decimal.Decimal {
	if p.IsSurge(t) {
		return p.cfg.Multiplier
	}
	return decimal.NewFromInt(1)
}
