package ledger

import "time"

// CostResolver maps an action key to its energy cost. Unknown keys must
// return an error matching ErrInvalidAction.
type CostResolver interface {
	Cost(action string) (int64, error)
}

// StreakState is the outcome of evaluating a streak policy for one spend.
type StreakState struct {
	StreakDays    int
	BonusEligible bool
	BonusAmount   int64
}

// StreakPolicy computes the next streak state. Implementations must be pure:
// same wallet and time, same answer.
type StreakPolicy interface {
	Next(w Wallet, now time.Time) StreakState
}

// NoStreak never advances streaks or awards bonuses.
type NoStreak struct{}

func (NoStreak) Next(w Wallet, _ time.Time) StreakState {
	return StreakState{StreakDays: w.CurrentStreakDays}
}
