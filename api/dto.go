/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers around several DTOs

VALIDATION:
  Request bodies carry go-playground/validator tags; handlers call
  Handler.Validate.Struct before touching the ledger. The ledger repeats the
  domain checks, so the tags only catch malformed payloads early.

TIMESTAMPS:
  All times are RFC3339 in UTC.
*/
package api

import (
	"strings"
	"time"

	"github.com/warp/energy-ledger/energy"
	"github.com/warp/energy-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// SpendRequest is the body of POST /api/wallets/{userID}/spend.
type SpendRequest struct {
	Action    string         `json:"action" validate:"required,max=64"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Reference string         `json:"reference,omitempty" validate:"omitempty,max=128"`
}

// CreditRequest is the body of POST /api/wallets/{userID}/credit.
type CreditRequest struct {
	Amount    int64          `json:"amount" validate:"required,gt=0"`
	Type      string         `json:"type,omitempty" validate:"omitempty,oneof=CREDIT BONUS credit bonus"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Reference string         `json:"reference,omitempty" validate:"omitempty,max=128"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// WalletDTO represents a wallet in API responses.
type WalletDTO struct {
	UserID             string  `json:"user_id"`
	Balance            int64   `json:"balance"`
	LifetimeEarned     int64   `json:"lifetime_earned"`
	LifetimeSpent      int64   `json:"lifetime_spent"`
	CurrentStreakDays  int     `json:"current_streak_days"`
	StreakCount        int     `json:"streak_count"`
	LastEnergyActionAt *string `json:"last_energy_action_at"`
	LastBonusAwardedAt *string `json:"last_bonus_awarded_at"`
	Version            int64   `json:"version"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// TransactionDTO represents one ledger entry.
type TransactionDTO struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	UserID       string         `json:"user_id"`
	Type         string         `json:"type"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	Metadata     map[string]any `json:"metadata"`
	Reference    string         `json:"reference,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// ActionDTO is one catalog entry.
type ActionDTO struct {
	Key         string `json:"key"`
	Cost        int64  `json:"cost"`
	Description string `json:"description,omitempty"`
}

// SpendResponse is returned by the spend endpoint.
type SpendResponse struct {
	Balance      int64            `json:"balance"`
	Cost         int64            `json:"cost"`
	BonusAwarded bool             `json:"bonus_awarded"`
	BonusAmount  int64            `json:"bonus_amount,omitempty"`
	StreakDays   int              `json:"streak_days"`
	Replayed     bool             `json:"replayed"`
	Transactions []TransactionDTO `json:"transactions"`
}

// CreditResponse is returned by the credit endpoint.
type CreditResponse struct {
	Balance     int64           `json:"balance"`
	Replayed    bool            `json:"replayed"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

// TransactionsResponse wraps a page of history.
type TransactionsResponse struct {
	UserID       string           `json:"user_id"`
	Limit        int              `json:"limit"`
	Transactions []TransactionDTO `json:"transactions"`
}

// AuditReportDTO is the result of replaying one wallet.
type AuditReportDTO struct {
	UserID             string   `json:"user_id"`
	Consistent         bool     `json:"consistent"`
	Balance            int64    `json:"balance"`
	ReplayedBalance    int64    `json:"replayed_balance"`
	LatestBalanceAfter int64    `json:"latest_balance_after"`
	TransactionCount   int      `json:"transaction_count"`
	LifetimeEarned     int64    `json:"lifetime_earned"`
	ReplayedEarned     int64    `json:"replayed_earned"`
	LifetimeSpent      int64    `json:"lifetime_spent"`
	ReplayedSpent      int64    `json:"replayed_spent"`
	Issues             []string `json:"issues"`
}

// AuditRunDTO summarises one scheduler sweep.
type AuditRunDTO struct {
	StartedAt    string   `json:"started_at"`
	CompletedAt  string   `json:"completed_at"`
	Checked      int      `json:"checked"`
	Inconsistent []string `json:"inconsistent"`
	Failed       int      `json:"failed"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UserID      string `json:"user_id"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toWalletDTO(w *ledger.Wallet) WalletDTO {
	return WalletDTO{
		UserID:             string(w.UserID),
		Balance:            w.Balance,
		LifetimeEarned:     w.LifetimeEarned,
		LifetimeSpent:      w.LifetimeSpent,
		CurrentStreakDays:  w.CurrentStreakDays,
		StreakCount:        w.StreakCount,
		LastEnergyActionAt: formatOptionalTime(w.LastEnergyActionAt),
		LastBonusAwardedAt: formatOptionalTime(w.LastBonusAwardedAt),
		Version:            w.Version,
		CreatedAt:          formatTime(w.CreatedAt),
		UpdatedAt:          formatTime(w.UpdatedAt),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	meta := map[string]any(tx.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	return TransactionDTO{
		ID:           string(tx.ID),
		Seq:          tx.Seq,
		UserID:       string(tx.UserID),
		Type:         string(tx.Type),
		Amount:       tx.Amount,
		BalanceAfter: tx.BalanceAfter,
		Metadata:     meta,
		Reference:    tx.Reference,
		CreatedAt:    formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toActionDTOs(actions []energy.Action) []ActionDTO {
	dtos := make([]ActionDTO, len(actions))
	for i, a := range actions {
		dtos[i] = ActionDTO{Key: a.Key, Cost: a.Cost, Description: a.Description}
	}
	return dtos
}

func toAuditReportDTO(r *ledger.AuditReport) AuditReportDTO {
	issues := r.Issues
	if issues == nil {
		issues = []string{}
	}
	return AuditReportDTO{
		UserID:             string(r.UserID),
		Consistent:         r.Consistent(),
		Balance:            r.Balance,
		ReplayedBalance:    r.ReplayedBalance,
		LatestBalanceAfter: r.LatestBalanceAfter,
		TransactionCount:   r.TransactionCount,
		LifetimeEarned:     r.LifetimeEarned,
		ReplayedEarned:     r.ReplayedEarned,
		LifetimeSpent:      r.LifetimeSpent,
		ReplayedSpent:      r.ReplayedSpent,
		Issues:             issues,
	}
}

func toAuditRunDTO(run AuditRun) AuditRunDTO {
	ids := make([]string, len(run.Inconsistent))
	for i, id := range run.Inconsistent {
		ids[i] = string(id)
	}
	return AuditRunDTO{
		StartedAt:    formatTime(run.StartedAt),
		CompletedAt:  formatTime(run.CompletedAt),
		Checked:      run.Checked,
		Inconsistent: ids,
		Failed:       run.Failed,
	}
}

func (r CreditRequest) transactionType() ledger.TransactionType {
	return ledger.TransactionType(strings.ToUpper(r.Type))
}
