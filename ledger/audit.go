package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// AUDIT - Re-derive a wallet from its history
// =============================================================================

// AuditReport is the result of replaying a wallet's transaction log.
type AuditReport struct {
	UserID             UserID
	Balance            int64
	ReplayedBalance    int64
	LatestBalanceAfter int64
	TransactionCount   int
	LifetimeEarned     int64
	ReplayedEarned     int64
	LifetimeSpent      int64
	ReplayedSpent      int64
	Issues             []string
}

func (r AuditReport) Consistent() bool { return len(r.Issues) == 0 }

// Replay checks w against txs, which must be in creation order.
func Replay(w Wallet, txs []Transaction) AuditReport {
	r := AuditReport{
		UserID:           w.UserID,
		Balance:          w.Balance,
		LifetimeEarned:   w.LifetimeEarned,
		LifetimeSpent:    w.LifetimeSpent,
		TransactionCount: len(txs),
	}

	var running int64
	for i, tx := range txs {
		if !tx.Type.SignMatches(tx.Amount) {
			r.Issues = append(r.Issues, fmt.Sprintf("tx %s: amount %d does not match type %s", tx.ID, tx.Amount, tx.Type))
		}
		running += tx.Amount
		if tx.BalanceAfter != running {
			r.Issues = append(r.Issues, fmt.Sprintf("tx %s (#%d): balance_after %d, replayed %d", tx.ID, i, tx.BalanceAfter, running))
		}
		if running < 0 {
			r.Issues = append(r.Issues, fmt.Sprintf("tx %s (#%d): balance went negative (%d)", tx.ID, i, running))
		}
		switch tx.Type {
		case TxCredit, TxBonus:
			r.ReplayedEarned += tx.Amount
		case TxSpend:
			r.ReplayedSpent += -tx.Amount
		}
		r.LatestBalanceAfter = tx.BalanceAfter
	}
	r.ReplayedBalance = running

	if r.ReplayedBalance != r.Balance {
		r.Issues = append(r.Issues, fmt.Sprintf("balance %d, replayed %d", r.Balance, r.ReplayedBalance))
	}
	if len(txs) > 0 && r.LatestBalanceAfter != r.Balance {
		r.Issues = append(r.Issues, fmt.Sprintf("balance %d, latest balance_after %d", r.Balance, r.LatestBalanceAfter))
	}
	if r.ReplayedEarned != r.LifetimeEarned {
		r.Issues = append(r.Issues, fmt.Sprintf("lifetime_earned %d, replayed %d", r.LifetimeEarned, r.ReplayedEarned))
	}
	if r.ReplayedSpent != r.LifetimeSpent {
		r.Issues = append(r.Issues, fmt.Sprintf("lifetime_spent %d, replayed %d", r.LifetimeSpent, r.ReplayedSpent))
	}
	return r
}

// Verify replays the user's history inside one unit so the wallet and the
// log are read from the same snapshot.
func (s *Service) Verify(ctx context.Context, userID UserID) (*AuditReport, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var report AuditReport
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		w, err := tx.LoadWallet(ctx, userID)
		if err != nil {
			return err
		}
		txs, err := tx.History(ctx, userID)
		if err != nil {
			return err
		}
		report = Replay(*w, txs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !report.Consistent() {
		s.logger.Error("ledger inconsistency", "user_id", userID, "issues", report.Issues)
	}
	return &report, nil
}

// WalletIDs lists every wallet, for sweeps.
func (s *Service) WalletIDs(ctx context.Context) ([]UserID, error) {
	return s.store.ListWalletIDs(ctx)
}
