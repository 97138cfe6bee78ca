/*
service.go - Spend / credit orchestration

PURPOSE:
  The Service is the only writer of wallets and transactions. Each public
  mutation runs as one atomic unit in the Store: the wallet row change and
  every transaction it implies commit together or not at all.

SPEND FLOW (one atomic unit):
  1. Load or create the wallet (signup CREDIT on creation)
  2. balance < cost           -> InsufficientEnergyError, nothing written
  3. StreakPolicy.Next        -> streak days, bonus eligibility
  4. One ApplyDelta: -cost (+bonus), lifetime counters, streak fields
  5. Append SPEND (balanceAfter = balance - cost)
  6. Append BONUS if eligible (balanceAfter = final balance)

RETRIES:
  ErrConcurrentConflict and ErrPersistenceFailure re-run the whole unit with
  exponential backoff, up to Config.MaxAttempts. Domain errors and context
  cancellation are returned immediately.

IDEMPOTENCY:
  A non-empty Reference is unique per user. Repeating a credit or spend with
  a used reference writes nothing and returns the current balance with
  Replayed set. A reference already held by a transaction of another type is
  rejected as INVALID_ACTION.
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type Config struct {
	// SignupBonus is credited when a wallet is created. Zero skips the
	// initial CREDIT entirely.
	SignupBonus int64

	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// OpTimeout bounds each public operation, retries included.
	OpTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SignupBonus:          40,
		MaxAttempts:          4,
		RetryInitialInterval: 20 * time.Millisecond,
		RetryMaxInterval:     500 * time.Millisecond,
		OpTimeout:            5 * time.Second,
	}
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    Store
	costs    CostResolver
	streak   StreakPolicy
	clock    Clock
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	newID    func() TransactionID
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }
func WithConfig(cfg Config) Option { return func(s *Service) { s.cfg = cfg } }
func WithIDs(f func() TransactionID) Option { return func(s *Service) { s.newID = f } }

// NewService wires the ledger. streak may be nil to disable streak bonuses.
func NewService(store Store, costs CostResolver, streak StreakPolicy, opts ...Option) *Service {
	s := &Service{
		store:  store,
		costs:  costs,
		streak: streak,
		clock:  SystemClock{},
		cfg:    DefaultConfig(),
		newID:  func() TransactionID { return TransactionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.streak == nil {
		s.streak = NoStreak{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "ledger")
	if s.cfg.MaxAttempts <= 0 {
		s.cfg.MaxAttempts = 1
	}
	return s
}

// =============================================================================
// REQUESTS
// =============================================================================

type SpendRequest struct {
	UserID    UserID
	Action    string
	Metadata  Metadata
	Reference string
}

type CreditRequest struct {
	UserID    UserID
	Amount    int64
	Type      TransactionType // defaults to CREDIT
	Metadata  Metadata
	Reference string
}

// =============================================================================
// SPEND
// =============================================================================

// Spend debits the cost of req.Action and applies the streak policy.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (*SpendResult, error) {
	if err := validateUser(req.UserID); err != nil {
		return nil, err
	}
	cost, err := s.costs.Cost(req.Action)
	if err != nil {
		s.logger.Warn("spend rejected", "user_id", req.UserID, "action", req.Action, "error", err)
		return nil, err
	}
	if cost < 0 {
		return nil, invalid("action", "%q resolves to negative cost %d", req.Action, cost)
	}
	meta, err := normalizeMetadata(req.Metadata, req.Action, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if cost == 0 {
		w, err := s.getOrCreate(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return &SpendResult{Balance: w.Balance, StreakDays: w.CurrentStreakDays}, nil
	}

	var (
		res     *SpendResult
		created []Transaction
	)
	err = s.retry(ctx, "spend", func(ctx context.Context) error {
		res, created = nil, nil
		return s.store.WithTx(ctx, func(tx TxStore) error {
			now := s.clock.Now().UTC()

			if replay, err := s.replaySpend(ctx, tx, req); err != nil || replay != nil {
				res = replay
				return err
			}

			w, signup, err := s.loadOrCreate(ctx, tx, req.UserID, now)
			if err != nil {
				return err
			}
			if w.Balance < cost {
				return &InsufficientEnergyError{
					UserID:    req.UserID,
					Action:    req.Action,
					Available: w.Balance,
					Requested: cost,
				}
			}

			state := s.streak.Next(*w, now)
			update := WalletUpdate{
				BalanceDelta:       -cost,
				SpentDelta:         cost,
				CurrentStreakDays:  &state.StreakDays,
				LastEnergyActionAt: &now,
				At:                 now,
			}
			entries := []*Transaction{{
				Type:         TxSpend,
				Amount:       -cost,
				BalanceAfter: w.Balance - cost,
				Metadata:     meta,
				Reference:    req.Reference,
			}}

			bonus := state.BonusEligible && state.BonusAmount > 0
			if bonus {
				update.BalanceDelta += state.BonusAmount
				update.EarnedDelta = state.BonusAmount
				update.StreakCountDelta = 1
				update.LastBonusAwardedAt = &now
				entries = append(entries, &Transaction{
					Type:         TxBonus,
					Amount:       state.BonusAmount,
					BalanceAfter: w.Balance - cost + state.BonusAmount,
					Metadata: Metadata{
						MetaAction:       "streak.bonus",
						MetaSource:       "streak",
						"streak_days":    state.StreakDays,
						"trigger_action": req.Action,
					},
				})
			}

			updated, err := tx.ApplyDelta(ctx, req.UserID, w.Version, update)
			if err != nil {
				return err
			}
			written, err := s.appendAll(ctx, tx, req.UserID, now, entries)
			if err != nil {
				return err
			}

			created = signup
			res = &SpendResult{
				Balance:      updated.Balance,
				Cost:         cost,
				BonusAwarded: bonus,
				StreakDays:   updated.CurrentStreakDays,
				Transactions: written,
			}
			if bonus {
				res.BonusAmount = state.BonusAmount
			}
			return nil
		})
	})
	if errors.Is(err, ErrDuplicateReference) {
		return s.spendReplayAfterRace(ctx, req)
	}
	if err != nil {
		s.logFailure("spend", req.UserID, err, "action", req.Action, "cost", cost)
		return nil, err
	}
	if res.Replayed {
		return res, nil
	}

	s.logger.Info("energy spent",
		"user_id", req.UserID, "action", req.Action, "cost", cost,
		"balance", res.Balance, "streak_days", res.StreakDays, "bonus", res.BonusAmount)

	s.notifyCreated(req.UserID, created)
	s.notify(Event{
		Kind:         EventSpend,
		UserID:       req.UserID,
		Action:       req.Action,
		Balance:      res.Balance,
		StreakDays:   res.StreakDays,
		BonusAwarded: res.BonusAwarded,
		Transactions: res.Transactions,
		At:           res.Transactions[0].CreatedAt,
	})
	return res, nil
}

func (s *Service) replaySpend(ctx context.Context, tx TxStore, req SpendRequest) (*SpendResult, error) {
	if req.Reference == "" {
		return nil, nil
	}
	prior, err := tx.FindByReference(ctx, req.UserID, req.Reference)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.Type != TxSpend {
		return nil, invalid("reference", "already used by a %s transaction", prior.Type)
	}
	w, err := tx.LoadWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &SpendResult{
		Balance:      w.Balance,
		Cost:         -prior.Amount,
		StreakDays:   w.CurrentStreakDays,
		Transactions: []Transaction{*prior},
		Replayed:     true,
	}, nil
}

// spendReplayAfterRace handles a reference that was taken by a concurrent
// unit between our lookup and our insert.
func (s *Service) spendReplayAfterRace(ctx context.Context, req SpendRequest) (*SpendResult, error) {
	var res *SpendResult
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		var err error
		res, err = s.replaySpend(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &TransientError{Op: "spend", Attempts: 1, Err: ErrDuplicateReference}
	}
	return res, nil
}

// =============================================================================
// CREDIT
// =============================================================================

// Credit adds a strictly positive amount as a CREDIT or BONUS transaction.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if err := validateUser(req.UserID); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = TxCredit
	}
	if req.Type != TxCredit && req.Type != TxBonus {
		return nil, invalid("type", "credit type must be %s or %s, got %q", TxCredit, TxBonus, req.Type)
	}
	if req.Amount <= 0 {
		return nil, invalid("amount", "must be positive, got %d", req.Amount)
	}
	meta, err := normalizeMetadata(req.Metadata, strings.ToLower(string(req.Type)), false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		res     *CreditResult
		created []Transaction
	)
	err = s.retry(ctx, "credit", func(ctx context.Context) error {
		res, created = nil, nil
		return s.store.WithTx(ctx, func(tx TxStore) error {
			now := s.clock.Now().UTC()

			if replay, err := s.replayCredit(ctx, tx, req); err != nil || replay != nil {
				res = replay
				return err
			}

			w, signup, err := s.loadOrCreate(ctx, tx, req.UserID, now)
			if err != nil {
				return err
			}
			if req.Amount > math.MaxInt64-w.Balance || req.Amount > math.MaxInt64-w.LifetimeEarned {
				return invalid("amount", "%d would overflow the wallet totals", req.Amount)
			}
			updated, err := tx.ApplyDelta(ctx, req.UserID, w.Version, WalletUpdate{
				BalanceDelta: req.Amount,
				EarnedDelta:  req.Amount,
				At:           now,
			})
			if err != nil {
				return err
			}
			written, err := s.appendAll(ctx, tx, req.UserID, now, []*Transaction{{
				Type:         req.Type,
				Amount:       req.Amount,
				BalanceAfter: w.Balance + req.Amount,
				Metadata:     meta,
				Reference:    req.Reference,
			}})
			if err != nil {
				return err
			}

			created = signup
			res = &CreditResult{Balance: updated.Balance, Transaction: &written[0]}
			return nil
		})
	})
	if errors.Is(err, ErrDuplicateReference) {
		return s.creditReplayAfterRace(ctx, req)
	}
	if err != nil {
		s.logFailure("credit", req.UserID, err, "amount", req.Amount, "type", req.Type)
		return nil, err
	}
	if res.Replayed {
		s.logger.Info("credit replay ignored", "user_id", req.UserID, "reference", req.Reference)
		return res, nil
	}

	s.logger.Info("energy credited",
		"user_id", req.UserID, "type", req.Type, "amount", req.Amount, "balance", res.Balance)

	s.notifyCreated(req.UserID, created)
	s.notify(Event{
		Kind:         EventCredit,
		UserID:       req.UserID,
		Action:       meta.String(MetaAction),
		Balance:      res.Balance,
		Transactions: []Transaction{*res.Transaction},
		At:           res.Transaction.CreatedAt,
	})
	return res, nil
}

func (s *Service) replayCredit(ctx context.Context, tx TxStore, req CreditRequest) (*CreditResult, error) {
	if req.Reference == "" {
		return nil, nil
	}
	prior, err := tx.FindByReference(ctx, req.UserID, req.Reference)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.Type != req.Type {
		return nil, invalid("reference", "already used by a %s transaction", prior.Type)
	}
	w, err := tx.LoadWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &CreditResult{Balance: w.Balance, Transaction: prior, Replayed: true}, nil
}

func (s *Service) creditReplayAfterRace(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	var res *CreditResult
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		var err error
		res, err = s.replayCredit(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &TransientError{Op: "credit", Attempts: 1, Err: ErrDuplicateReference}
	}
	return res, nil
}

// =============================================================================
// WALLET ACCESS
// =============================================================================

// GetOrCreate returns the user's wallet, creating it (with the signup credit)
// on first access.
func (s *Service) GetOrCreate(ctx context.Context, userID UserID) (*Wallet, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.getOrCreate(ctx, userID)
}

func (s *Service) getOrCreate(ctx context.Context, userID UserID) (*Wallet, error) {
	var (
		wallet  *Wallet
		created []Transaction
	)
	err := s.retry(ctx, "get_or_create", func(ctx context.Context) error {
		wallet, created = nil, nil
		return s.store.WithTx(ctx, func(tx TxStore) error {
			var err error
			wallet, created, err = s.loadOrCreate(ctx, tx, userID, s.clock.Now().UTC())
			return err
		})
	})
	if err != nil {
		s.logFailure("get_or_create", userID, err)
		return nil, err
	}
	s.notifyCreated(userID, created)
	return wallet, nil
}

// loadOrCreate must run inside a unit. It returns the signup transactions
// written when the wallet did not exist.
func (s *Service) loadOrCreate(ctx context.Context, tx TxStore, userID UserID, now time.Time) (*Wallet, []Transaction, error) {
	w, err := tx.LoadWallet(ctx, userID)
	if err == nil {
		return w, nil, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, nil, err
	}

	fresh := Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.InsertWallet(ctx, fresh); err != nil {
		return nil, nil, err
	}
	if s.cfg.SignupBonus <= 0 {
		return &fresh, nil, nil
	}

	updated, err := tx.ApplyDelta(ctx, userID, fresh.Version, WalletUpdate{
		BalanceDelta: s.cfg.SignupBonus,
		EarnedDelta:  s.cfg.SignupBonus,
		At:           now,
	})
	if err != nil {
		return nil, nil, err
	}
	written, err := s.appendAll(ctx, tx, userID, now, []*Transaction{{
		Type:         TxCredit,
		Amount:       s.cfg.SignupBonus,
		BalanceAfter: updated.Balance,
		Metadata:     Metadata{MetaAction: "signup.bonus", MetaSource: "ledger"},
	}})
	if err != nil {
		return nil, nil, err
	}
	return updated, written, nil
}

// GetWallet is a read-only lookup. It never creates a wallet.
func (s *Service) GetWallet(ctx context.Context, userID UserID) (*Wallet, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.GetWallet(ctx, userID)
}

// GetBalance returns the current balance, or ErrWalletNotFound.
func (s *Service) GetBalance(ctx context.Context, userID UserID) (int64, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// ListTransactions returns the most recent transactions first. limit <= 0
// uses DefaultListLimit; values above MaxListLimit are clamped.
func (s *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.ListTransactions(ctx, userID, limit)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) appendAll(ctx context.Context, tx TxStore, userID UserID, now time.Time, entries []*Transaction) ([]Transaction, error) {
	out := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		e.ID = s.newID()
		e.UserID = userID
		e.CreatedAt = now
		if !e.Type.SignMatches(e.Amount) {
			return nil, invalid("amount", "%d does not match type %s", e.Amount, e.Type)
		}
		if err := tx.Append(ctx, e); err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent.
func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval

	var (
		attempts int
		lastErr  error
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(lastErr) {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		s.logger.Debug("retrying", "op", op, "attempt", attempts, "error", lastErr)
		return struct{}{}, lastErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.cfg.MaxAttempts)))

	switch {
	case err == nil:
		return nil
	case lastErr == nil:
		return err
	case !IsRetryable(lastErr):
		return lastErr
	}
	return &TransientError{Op: op, Attempts: attempts, Err: lastErr}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

func (s *Service) notify(ev Event) {
	if s.notifier != nil {
		s.notifier.Dispatch(ev)
	}
}

func (s *Service) notifyCreated(userID UserID, signup []Transaction) {
	if len(signup) == 0 {
		return
	}
	last := signup[len(signup)-1]
	s.notify(Event{
		Kind:         EventWalletCreated,
		UserID:       userID,
		Action:       last.Metadata.String(MetaAction),
		Balance:      last.BalanceAfter,
		Transactions: signup,
		At:           last.CreatedAt,
	})
}

func (s *Service) logFailure(op string, userID UserID, err error, attrs ...any) {
	args := append([]any{"op", op, "user_id", userID, "code", Code(err), "error", err}, attrs...)
	switch {
	case errors.Is(err, ErrInsufficientEnergy):
		s.logger.Info("ledger operation refused", args...)
	case IsDomainError(err):
		s.logger.Warn("ledger operation rejected", args...)
	default:
		s.logger.Error("ledger operation failed", args...)
	}
}

func validateUser(userID UserID) error {
	if strings.TrimSpace(string(userID)) == "" {
		return invalid("user_id", "required")
	}
	return nil
}
