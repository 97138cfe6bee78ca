/*
Package rewards implements engagement rewards for the energy ledger.

PURPOSE:
  Users who spend energy on consecutive calendar days build a streak. Every
  time the streak reaches a multiple of the configured length they earn a
  bonus credit, at most once per cooldown window.

STREAK RULES (days are UTC calendar days):
  - First ever spend:                streak = 1
  - Same day as the last spend:      streak unchanged
  - Exactly one day after:           streak + 1
  - Gap of two or more days:         streak = 1

BONUS RULES:
  Eligible iff streak > 0, streak % Length == 0, and either no bonus was
  ever awarded or at least Length calendar days passed since the last one.
  Several spends on the boundary day therefore award a single bonus.

EXAMPLE (Length = 3, Bonus = 5):
  day 1: streak 1
  day 2: streak 2
  day 3: streak 3  -> +5
  day 3: streak 3  (second spend, cooldown) -> nothing
  day 4: streak 4
  day 6: streak 1  (gap)

SEE ALSO:
  - ledger/policy.go: StreakPolicy interface
  - ledger/service.go: Applies the result in the spend unit
*/
package rewards

import (
	"fmt"
	"time"

	"github.com/warp/energy-ledger/ledger"
)

// StreakConfig controls streak bonuses.
type StreakConfig struct {
	Length      int   // days per bonus tier, also the cooldown window
	BonusAmount int64 // energy credited per tier
}

// DefaultStreakConfig awards 5 energy every 3 consecutive days.
func DefaultStreakConfig() StreakConfig {
	return StreakConfig{Length: 3, BonusAmount: 5}
}

func (c StreakConfig) Validate() error {
	if c.Length < 1 {
		return fmt.Errorf("streak length must be at least 1, got %d", c.Length)
	}
	if c.BonusAmount < 0 {
		return fmt.Errorf("streak bonus must not be negative, got %d", c.BonusAmount)
	}
	return nil
}

// StreakBonus is the default ledger.StreakPolicy.
type StreakBonus struct {
	cfg StreakConfig
}

// Compile-time check that StreakBonus implements ledger.StreakPolicy
var _ ledger.StreakPolicy = (*StreakBonus)(nil)

func NewStreakBonus(cfg StreakConfig) (*StreakBonus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StreakBonus{cfg: cfg}, nil
}

func (p *StreakBonus) Config() StreakConfig { return p.cfg }

func (p *StreakBonus) Next(w ledger.Wallet, now time.Time) ledger.StreakState {
	return NextStreakState(w, now, p.cfg)
}

// NextStreakState is the pure streak computation.
func NextStreakState(w ledger.Wallet, now time.Time, cfg StreakConfig) ledger.StreakState {
	days := nextStreakDays(w, now)

	state := ledger.StreakState{StreakDays: days}
	if cfg.Length < 1 || days <= 0 || days%cfg.Length != 0 {
		return state
	}
	if w.LastBonusAwardedAt != nil && ledger.DaysBetween(*w.LastBonusAwardedAt, now) < cfg.Length {
		return state
	}
	state.BonusEligible = true
	state.BonusAmount = cfg.BonusAmount
	return state
}

func nextStreakDays(w ledger.Wallet, now time.Time) int {
	if w.LastEnergyActionAt == nil {
		return 1
	}

	gap := ledger.DaysBetween(*w.LastEnergyActionAt, now)
	switch {
	case gap <= 0:
		// Same day, or a clock that went backwards: never inflate.
		if w.CurrentStreakDays < 1 {
			return 1
		}
		return w.CurrentStreakDays
	case gap == 1:
		return w.CurrentStreakDays + 1
	default:
		return 1
	}
}
