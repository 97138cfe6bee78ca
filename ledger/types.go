/*
Package ledger provides the energy ledger engine.

PURPOSE:
  A per-user metered wallet that gates costly platform actions (generation,
  exports, assessments) and rewards consecutive-day usage with streak
  bonuses. The engine knows nothing about which actions exist or how they
  are priced; callers inject a CostResolver and a StreakPolicy.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: one row per user holding balance, lifetime totals and streak state
  - Transaction: an immutable, signed ledger entry with the balance after it
  - WalletUpdate: the field changes applied to a wallet in one atomic write

INVARIANTS:
  1. balance >= 0 at all times
  2. Replaying a wallet's transactions in order reproduces its balance, and the
     latest transaction's BalanceAfter equals it
  3. Amount sign matches Type (CREDIT/BONUS positive, SPEND negative)
  4. Transactions are never updated or deleted; corrections are new entries

SEE ALSO:
  - service.go: Spend / Credit orchestration
  - store.go: Persistence interfaces
  - rewards/streak.go: Default streak policy
*/
package ledger

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// WALLET - Current state for one user
// =============================================================================

// Wallet is the durable per-user record. Version is bumped on every write and
// is the compare-and-swap token used by Store.ApplyDelta.
type Wallet struct {
	UserID             UserID
	Balance            int64
	LifetimeEarned     int64
	LifetimeSpent      int64
	CurrentStreakDays  int
	StreakCount        int
	LastEnergyActionAt *time.Time
	LastBonusAwardedAt *time.Time
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WalletUpdate describes one atomic read-modify-write of a wallet row.
// Deltas are added to the stored values; pointer fields overwrite when set.
type WalletUpdate struct {
	BalanceDelta       int64
	EarnedDelta        int64
	SpentDelta         int64
	StreakCountDelta   int
	CurrentStreakDays  *int
	LastEnergyActionAt *time.Time
	LastBonusAwardedAt *time.Time
	At                 time.Time
}

// Apply returns w with u applied. Stores that cannot express the update in a
// single statement use this to compute the new row.
func (u WalletUpdate) Apply(w Wallet) Wallet {
	w.Balance += u.BalanceDelta
	w.LifetimeEarned += u.EarnedDelta
	w.LifetimeSpent += u.SpentDelta
	w.StreakCount += u.StreakCountDelta
	if u.CurrentStreakDays != nil {
		w.CurrentStreakDays = *u.CurrentStreakDays
	}
	if u.LastEnergyActionAt != nil {
		t := *u.LastEnergyActionAt
		w.LastEnergyActionAt = &t
	}
	if u.LastBonusAwardedAt != nil {
		t := *u.LastBonusAwardedAt
		w.LastBonusAwardedAt = &t
	}
	w.Version++
	w.UpdatedAt = u.At
	return w
}

// =============================================================================
// TRANSACTION - Immutable balance mutation
// =============================================================================

type TransactionType string

const (
	TxCredit TransactionType = "CREDIT" // Purchase, signup grant, refund
	TxSpend  TransactionType = "SPEND"  // Costly action performed
	TxBonus  TransactionType = "BONUS"  // Streak reward or promotional grant
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxCredit, TxSpend, TxBonus:
		return true
	}
	return false
}

// SignMatches reports whether amount carries the sign required by t.
func (t TransactionType) SignMatches(amount int64) bool {
	switch t {
	case TxSpend:
		return amount < 0
	case TxCredit, TxBonus:
		return amount > 0
	}
	return false
}

// Transaction is one append-only ledger row. Seq is assigned by the store and
// gives the creation order; CreatedAt alone may tie.
type Transaction struct {
	ID           TransactionID
	Seq          int64
	UserID       UserID
	Type         TransactionType
	Amount       int64
	BalanceAfter int64
	Metadata     Metadata
	Reference    string
	CreatedAt    time.Time
}

// =============================================================================
// RESULTS
// =============================================================================

// SpendResult is returned by Service.Spend.
type SpendResult struct {
	Balance      int64
	Cost         int64
	BonusAwarded bool
	BonusAmount  int64
	StreakDays   int
	Transactions []Transaction
	// Replayed is true when the reference matched an earlier spend and
	// nothing was written.
	Replayed bool
}

// CreditResult is returned by Service.Credit.
type CreditResult struct {
	Balance     int64
	Transaction *Transaction
	Replayed    bool
}
