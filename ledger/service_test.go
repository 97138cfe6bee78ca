package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/energy-ledger/energy"
	"github.com/warp/energy-ledger/ledger"
	"github.com/warp/energy-ledger/ledger/store"
	"github.com/warp/energy-ledger/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(signup int64) ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.SignupBonus = signup
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond
	return cfg
}

type fixture struct {
	store *store.Memory
	clock *testClock
	svc   *ledger.Service
}

func newFixture(t *testing.T, signup int64, opts ...ledger.Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	clock := newTestClock()
	streak, err := rewards.NewStreakBonus(rewards.DefaultStreakConfig())
	require.NoError(t, err)

	all := append([]ledger.Option{
		ledger.WithClock(clock),
		ledger.WithLogger(quietLogger()),
		ledger.WithConfig(testConfig(signup)),
	}, opts...)
	return &fixture{
		store: st,
		clock: clock,
		svc:   ledger.NewService(st, energy.DefaultCatalog(), streak, all...),
	}
}

// seed writes a wallet directly, bypassing the service.
func (f *fixture) seed(t *testing.T, w ledger.Wallet) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(tx ledger.TxStore) error {
		return tx.InsertWallet(context.Background(), w)
	})
	require.NoError(t, err)
}

func (f *fixture) history(t *testing.T, user ledger.UserID) []ledger.Transaction {
	t.Helper()
	txs, err := f.store.History(context.Background(), user)
	require.NoError(t, err)
	return txs
}

func (f *fixture) assertConsistent(t *testing.T, user ledger.UserID) {
	t.Helper()
	report, err := f.svc.Verify(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "issues: %v", report.Issues)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_NewUserGetsSignupBonus(t *testing.T) {
	// GIVEN: A ledger with a 40 energy signup bonus
	f := newFixture(t, 40)
	ctx := context.Background()

	// WHEN: The wallet is first accessed
	w, err := f.svc.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	// THEN: Balance is 40 with a single CREDIT entry
	assert.Equal(t, int64(40), w.Balance)
	assert.Equal(t, int64(40), w.LifetimeEarned)

	txs := f.history(t, "alice")
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxCredit, txs[0].Type)
	assert.Equal(t, int64(40), txs[0].Amount)
	assert.Equal(t, int64(40), txs[0].BalanceAfter)
	assert.Equal(t, "signup.bonus", txs[0].Metadata.String(ledger.MetaAction))

	// AND: A second access does not credit again
	w, err = f.svc.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), w.Balance)
	assert.Len(t, f.history(t, "alice"), 1)
}

func TestScenario_InsufficientEnergy(t *testing.T) {
	// GIVEN: A wallet holding 2 energy
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "bob", Amount: 2})
	require.NoError(t, err)

	// WHEN: Spending on an action that costs 3
	_, err = f.svc.Spend(ctx, ledger.SpendRequest{UserID: "bob", Action: energy.ActionCVGenerate})

	// THEN: INSUFFICIENT_ENERGY and nothing changes
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientEnergy))
	assert.Equal(t, ledger.CodeInsufficientEnergy, ledger.Code(err))

	var insufficient *ledger.InsufficientEnergyError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Available)
	assert.Equal(t, int64(3), insufficient.Requested)

	balance, err := f.svc.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
	assert.Len(t, f.history(t, "bob"), 1)
}

func TestScenario_SpendWithStreakBonus(t *testing.T) {
	// GIVEN: Balance 10, a 2 day streak with the last spend yesterday
	f := newFixture(t, 0)
	ctx := context.Background()
	yesterday := f.clock.Now().Add(-24 * time.Hour)
	f.seed(t, ledger.Wallet{
		UserID:             "carol",
		Balance:            10,
		CurrentStreakDays:  2,
		LastEnergyActionAt: &yesterday,
	})

	// WHEN: Spending a cost 1 action today
	res, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "carol", Action: energy.ActionExportPDF})
	require.NoError(t, err)

	// THEN: 10 - 1 + 5 = 14, streak 3, SPEND then BONUS
	assert.Equal(t, int64(14), res.Balance)
	assert.Equal(t, 3, res.StreakDays)
	assert.True(t, res.BonusAwarded)
	assert.Equal(t, int64(5), res.BonusAmount)

	txs := f.history(t, "carol")
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxSpend, txs[0].Type)
	assert.Equal(t, int64(-1), txs[0].Amount)
	assert.Equal(t, int64(9), txs[0].BalanceAfter)
	assert.Equal(t, ledger.TxBonus, txs[1].Type)
	assert.Equal(t, int64(5), txs[1].Amount)
	assert.Equal(t, int64(14), txs[1].BalanceAfter)

	w, err := f.svc.GetWallet(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, w.StreakCount)
	assert.Equal(t, int64(1), w.LifetimeSpent)
	assert.Equal(t, int64(5), w.LifetimeEarned)
	require.NotNil(t, w.LastBonusAwardedAt)
	assert.True(t, w.LastBonusAwardedAt.Equal(f.clock.Now()))
}

// =============================================================================
// SPEND
// =============================================================================

func TestSpend_SixConsecutiveDaysAwardsTwoBonuses(t *testing.T) {
	// GIVEN: A new user with plenty of energy
	f := newFixture(t, 40)
	ctx := context.Background()

	// WHEN: Spending once a day for six days
	var bonusDays []int
	for d := 1; d <= 6; d++ {
		res, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "dave", Action: energy.ActionExportPDF})
		require.NoError(t, err)
		assert.Equal(t, d, res.StreakDays)
		if res.BonusAwarded {
			bonusDays = append(bonusDays, d)
		}
		f.clock.Advance(24 * time.Hour)
	}

	// THEN: Exactly two bonuses, on days 3 and 6
	assert.Equal(t, []int{3, 6}, bonusDays)

	w, err := f.svc.GetWallet(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(40-6+10), w.Balance)
	assert.Equal(t, 2, w.StreakCount)
	f.assertConsistent(t, "dave")
}

func TestSpend_SameDayDoesNotInflateStreakOrRepeatBonus(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	for d := 1; d <= 3; d++ {
		_, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "erin", Action: energy.ActionExportPDF})
		require.NoError(t, err)
		if d < 3 {
			f.clock.Advance(24 * time.Hour)
		}
	}

	// Second spend on the bonus day
	f.clock.Advance(time.Hour)
	res, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "erin", Action: energy.ActionExportPDF})
	require.NoError(t, err)
	assert.Equal(t, 3, res.StreakDays)
	assert.False(t, res.BonusAwarded)
	assert.Len(t, res.Transactions, 1)
}

func TestSpend_GapResetsStreak(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	_, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "frank", Action: energy.ActionExportPDF})
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Spend(ctx, ledger.SpendRequest{UserID: "frank", Action: energy.ActionExportPDF})
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	res, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "frank", Action: energy.ActionExportPDF})
	require.NoError(t, err)
	assert.Equal(t, 1, res.StreakDays)
}

func TestSpend_ZeroCostIsNoMutation(t *testing.T) {
	// GIVEN: An existing wallet
	f := newFixture(t, 40)
	ctx := context.Background()
	_, err := f.svc.GetOrCreate(ctx, "gina")
	require.NoError(t, err)

	// WHEN: Spending on a free action
	res, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "gina", Action: energy.ActionProfileReview})
	require.NoError(t, err)

	// THEN: Balance and streak unchanged, no transaction recorded
	assert.Equal(t, int64(40), res.Balance)
	assert.Zero(t, res.StreakDays)
	assert.Empty(t, res.Transactions)
	assert.Len(t, f.history(t, "gina"), 1)

	w, err := f.svc.GetWallet(ctx, "gina")
	require.NoError(t, err)
	assert.Nil(t, w.LastEnergyActionAt)
}

func TestSpend_InvalidInput(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ledger.SpendRequest
	}{
		{"unknown action", ledger.SpendRequest{UserID: "h", Action: "rocket.launch"}},
		{"missing user", ledger.SpendRequest{UserID: " ", Action: energy.ActionExportPDF}},
		{"conflicting metadata action", ledger.SpendRequest{
			UserID: "h", Action: energy.ActionExportPDF,
			Metadata: ledger.Metadata{"action": "cv.generate"},
		}},
		{"non-string source", ledger.SpendRequest{
			UserID: "h", Action: energy.ActionExportPDF,
			Metadata: ledger.Metadata{"source": 12},
		}},
		{"unencodable metadata", ledger.SpendRequest{
			UserID: "h", Action: energy.ActionExportPDF,
			Metadata: ledger.Metadata{"fn": func() {}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Spend(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ledger.ErrInvalidAction), "got %v", err)
		})
	}

	// Nothing was created for the rejected user
	_, err := f.svc.GetWallet(ctx, "h")
	assert.True(t, errors.Is(err, ledger.ErrWalletNotFound))
}

func TestSpend_MetadataDefaults(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	res, err := f.svc.Spend(ctx, ledger.SpendRequest{
		UserID:   "ivan",
		Action:   energy.ActionCVGenerate,
		Metadata: ledger.Metadata{"request_id": "r-1"},
	})
	require.NoError(t, err)

	meta := res.Transactions[0].Metadata
	assert.Equal(t, energy.ActionCVGenerate, meta.String(ledger.MetaAction))
	assert.Equal(t, ledger.DefaultSource, meta.String(ledger.MetaSource))
	assert.Equal(t, "r-1", meta.String("request_id"))
}

func TestSpend_ReferenceReplays(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()
	req := ledger.SpendRequest{UserID: "jane", Action: energy.ActionCVGenerate, Reference: "job-7"}

	first, err := f.svc.Spend(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.Spend(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Balance, second.Balance)
	assert.Equal(t, int64(3), second.Cost)
	assert.Len(t, f.history(t, "jane"), 2)
}

func TestSpend_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	// GIVEN: A wallet that can afford exactly 5 spends of cost 3
	f := newFixture(t, 15)
	ctx := context.Background()
	_, err := f.svc.GetOrCreate(ctx, "kate")
	require.NoError(t, err)

	// WHEN: 20 goroutines spend at once
	const workers = 20
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		ok, refused int
		unexpected  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "kate", Action: energy.ActionCVGenerate})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientEnergy):
				refused++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly 5 succeed and the balance lands on zero
	assert.Empty(t, unexpected)
	assert.Equal(t, 5, ok)
	assert.Equal(t, workers-5, refused)

	balance, err := f.svc.GetBalance(ctx, "kate")
	require.NoError(t, err)
	assert.Zero(t, balance)
	f.assertConsistent(t, "kate")
}

// =============================================================================
// CREDIT
// =============================================================================

func TestCredit_ReferenceIsIdempotent(t *testing.T) {
	// GIVEN: A new wallet
	f := newFixture(t, 40)
	ctx := context.Background()
	req := ledger.CreditRequest{UserID: "leo", Amount: 40, Type: ledger.TxBonus, Reference: "event-123"}

	// WHEN: The same event is delivered twice
	first, err := f.svc.Credit(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Credit(ctx, req)
	require.NoError(t, err)

	// THEN: One +40 change and one transaction for the reference
	assert.Equal(t, int64(80), first.Balance)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(80), second.Balance)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	txs := f.history(t, "leo")
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxBonus, txs[1].Type)
	assert.Equal(t, "event-123", txs[1].Reference)
	f.assertConsistent(t, "leo")
}

func TestCredit_ReferencesAreScopedPerUser(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "m1", Amount: 5, Reference: "shared"})
	require.NoError(t, err)
	res, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "m2", Amount: 5, Reference: "shared"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(5), res.Balance)
}

func TestReference_TypeMismatchIsRejected(t *testing.T) {
	ctx := context.Background()

	t.Run("spend reusing a credit reference", func(t *testing.T) {
		// GIVEN: A credit recorded under evt-1
		f := newFixture(t, 40)
		_, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "rita", Amount: 10, Reference: "evt-1"})
		require.NoError(t, err)

		// WHEN: A spend arrives with the same reference
		res, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "rita", Action: energy.ActionCVGenerate, Reference: "evt-1"})

		// THEN: It is rejected and nothing is debited
		assert.Nil(t, res)
		assert.True(t, errors.Is(err, ledger.ErrInvalidAction), "got %v", err)
		balance, err := f.svc.GetBalance(ctx, "rita")
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance)
		assert.Len(t, f.history(t, "rita"), 2)
	})

	t.Run("credit reusing a spend reference", func(t *testing.T) {
		// GIVEN: A spend recorded under job-1
		f := newFixture(t, 40)
		_, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "sam", Action: energy.ActionCVGenerate, Reference: "job-1"})
		require.NoError(t, err)

		// WHEN: A credit arrives with the same reference
		_, err = f.svc.Credit(ctx, ledger.CreditRequest{UserID: "sam", Amount: 10, Reference: "job-1"})

		// THEN: It is rejected and the balance is unchanged
		assert.True(t, errors.Is(err, ledger.ErrInvalidAction), "got %v", err)
		balance, err := f.svc.GetBalance(ctx, "sam")
		require.NoError(t, err)
		assert.Equal(t, int64(37), balance)
		assert.Len(t, f.history(t, "sam"), 2)
	})

	t.Run("bonus reusing a credit reference", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "tess", Amount: 10, Reference: "pay-9"})
		require.NoError(t, err)

		_, err = f.svc.Credit(ctx, ledger.CreditRequest{UserID: "tess", Amount: 10, Type: ledger.TxBonus, Reference: "pay-9"})
		assert.True(t, errors.Is(err, ledger.ErrInvalidAction), "got %v", err)
		assert.Len(t, f.history(t, "tess"), 1)
	})
}

func TestCredit_OverflowIsInvalid(t *testing.T) {
	// GIVEN: A wallet holding the signup credit
	f := newFixture(t, 40)
	ctx := context.Background()
	_, err := f.svc.GetOrCreate(ctx, "uma")
	require.NoError(t, err)

	// WHEN: A credit would push the balance past the int64 range
	_, err = f.svc.Credit(ctx, ledger.CreditRequest{UserID: "uma", Amount: math.MaxInt64})

	// THEN: It is an invalid action, not an insufficient-energy or transient failure
	assert.True(t, errors.Is(err, ledger.ErrInvalidAction), "got %v", err)
	assert.False(t, errors.Is(err, ledger.ErrInsufficientEnergy))
	balance, err := f.svc.GetBalance(ctx, "uma")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	assert.Len(t, f.history(t, "uma"), 1)

	// AND: The largest amount that still fits is accepted
	res, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "uma", Amount: math.MaxInt64 - 40})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), res.Balance)
}

func TestCredit_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "nora", Amount: 25, Reference: "pay-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := f.svc.GetBalance(ctx, "nora")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
	assert.Len(t, f.history(t, "nora"), 1)
}

func TestCredit_InvalidInput(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ledger.CreditRequest
	}{
		{"zero amount", ledger.CreditRequest{UserID: "o", Amount: 0}},
		{"negative amount", ledger.CreditRequest{UserID: "o", Amount: -5}},
		{"spend type", ledger.CreditRequest{UserID: "o", Amount: 5, Type: ledger.TxSpend}},
		{"unknown type", ledger.CreditRequest{UserID: "o", Amount: 5, Type: "GIFT"}},
		{"blank source", ledger.CreditRequest{UserID: "o", Amount: 5, Metadata: ledger.Metadata{"source": "  "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Credit(ctx, tt.req)
			assert.True(t, errors.Is(err, ledger.ErrInvalidAction), "got %v", err)
		})
	}
}

func TestCredit_CustomMetadataAction(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.svc.Credit(context.Background(), ledger.CreditRequest{
		UserID:   "paul",
		Amount:   100,
		Metadata: ledger.Metadata{"action": "payment.confirmed", "source": "stripe"},
	})
	require.NoError(t, err)
	assert.Equal(t, "payment.confirmed", res.Transaction.Metadata.String(ledger.MetaAction))
	assert.Equal(t, "stripe", res.Transaction.Metadata.String(ledger.MetaSource))
}

// =============================================================================
// READS
// =============================================================================

func TestGetBalance_DoesNotCreate(t *testing.T) {
	f := newFixture(t, 40)
	_, err := f.svc.GetBalance(context.Background(), "quinn")
	assert.True(t, errors.Is(err, ledger.ErrWalletNotFound))
	assert.Equal(t, ledger.CodeWalletNotFound, ledger.Code(err))
}

func TestListTransactions_NewestFirstWithLimit(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.svc.Credit(ctx, ledger.CreditRequest{UserID: "rita", Amount: int64(i + 1)})
		require.NoError(t, err)
	}

	txs, err := f.svc.ListTransactions(ctx, "rita", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(4), txs[0].Amount)
	assert.Equal(t, int64(3), txs[1].Amount)
	assert.Greater(t, txs[0].Seq, txs[1].Seq)

	all, err := f.svc.ListTransactions(ctx, "rita", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

// flakyStore fails the first n units with err.
type flakyStore struct {
	ledger.Store
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(ledger.TxStore) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.n
	s.mu.Unlock()
	if fail {
		return s.err
	}
	return s.Store.WithTx(ctx, fn)
}

func newServiceOn(t *testing.T, st ledger.Store, cfg ledger.Config, opts ...ledger.Option) *ledger.Service {
	t.Helper()
	streak, err := rewards.NewStreakBonus(rewards.DefaultStreakConfig())
	require.NoError(t, err)
	all := append([]ledger.Option{
		ledger.WithClock(newTestClock()),
		ledger.WithLogger(quietLogger()),
		ledger.WithConfig(cfg),
	}, opts...)
	return ledger.NewService(st, energy.DefaultCatalog(), streak, all...)
}

func TestRetry_ConflictsAreRetried(t *testing.T) {
	// GIVEN: A store that reports two conflicts before succeeding
	st := &flakyStore{Store: store.NewMemory(), n: 2, err: ledger.ErrConcurrentConflict}
	svc := newServiceOn(t, st, testConfig(40))

	// WHEN: Spending
	res, err := svc.Spend(context.Background(), ledger.SpendRequest{UserID: "sam", Action: energy.ActionCVGenerate})

	// THEN: The third attempt commits
	require.NoError(t, err)
	assert.Equal(t, int64(37), res.Balance)
	assert.Equal(t, 3, st.calls)
}

func TestRetry_ExhaustionIsTransient(t *testing.T) {
	// GIVEN: A store that always fails with a persistence error
	mem := store.NewMemory()
	st := &flakyStore{Store: mem, n: 1000, err: ledger.Persistence("begin", errors.New("connection refused"))}
	cfg := testConfig(40)
	cfg.MaxAttempts = 3
	svc := newServiceOn(t, st, cfg)

	// WHEN: Crediting
	_, err := svc.Credit(context.Background(), ledger.CreditRequest{UserID: "tom", Amount: 5})

	// THEN: A distinct transient error after the attempt budget
	require.Error(t, err)
	var te *ledger.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.True(t, ledger.IsTransient(err))
	assert.False(t, ledger.IsDomainError(err))
	assert.True(t, errors.Is(err, ledger.ErrPersistenceFailure))

	_, err = mem.GetWallet(context.Background(), "tom")
	assert.True(t, errors.Is(err, ledger.ErrWalletNotFound))
}

func TestRetry_DomainErrorsAreNotRetried(t *testing.T) {
	st := &flakyStore{Store: store.NewMemory()}
	svc := newServiceOn(t, st, testConfig(0))

	_, err := svc.Spend(context.Background(), ledger.SpendRequest{UserID: "uma", Action: energy.ActionCVGenerate})
	assert.True(t, errors.Is(err, ledger.ErrInsufficientEnergy))
	assert.Equal(t, 1, st.calls)
}

// bonusFailStore fails every BONUS append, simulating a crash between the
// spend and the bonus write.
type bonusFailStore struct {
	*store.Memory
}

type bonusFailTx struct {
	ledger.TxStore
}

func (s bonusFailStore) WithTx(ctx context.Context, fn func(ledger.TxStore) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.TxStore) error {
		return fn(bonusFailTx{tx})
	})
}

func (t bonusFailTx) Append(ctx context.Context, tx *ledger.Transaction) error {
	if tx.Type == ledger.TxBonus {
		return ledger.Persistence("append", errors.New("disk full"))
	}
	return t.TxStore.Append(ctx, tx)
}

func TestSpend_FailedBonusRollsBackSpend(t *testing.T) {
	// GIVEN: A wallet one spend away from a streak bonus
	mem := store.NewMemory()
	clock := newTestClock()
	yesterday := clock.Now().Add(-24 * time.Hour)
	err := mem.WithTx(context.Background(), func(tx ledger.TxStore) error {
		return tx.InsertWallet(context.Background(), ledger.Wallet{
			UserID: "vic", Balance: 10, CurrentStreakDays: 2, LastEnergyActionAt: &yesterday,
		})
	})
	require.NoError(t, err)

	cfg := testConfig(0)
	cfg.MaxAttempts = 2
	svc := newServiceOn(t, bonusFailStore{mem}, cfg, ledger.WithClock(clock))

	// WHEN: The bonus write fails
	_, err = svc.Spend(context.Background(), ledger.SpendRequest{UserID: "vic", Action: energy.ActionExportPDF})

	// THEN: Neither the spend nor the bonus is visible
	require.Error(t, err)
	assert.True(t, ledger.IsTransient(err))

	w, err := mem.GetWallet(context.Background(), "vic")
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Balance)
	assert.Equal(t, 2, w.CurrentStreakDays)
	assert.Zero(t, w.LifetimeSpent)

	txs, err := mem.History(context.Background(), "vic")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

// stallStore never commits before the context ends.
type stallStore struct {
	ledger.Store
}

func (stallStore) WithTx(ctx context.Context, _ func(ledger.TxStore) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSpend_TimeoutFailsCleanly(t *testing.T) {
	cfg := testConfig(40)
	cfg.OpTimeout = 20 * time.Millisecond
	svc := newServiceOn(t, stallStore{store.NewMemory()}, cfg)

	_, err := svc.Spend(context.Background(), ledger.SpendRequest{UserID: "walt", Action: energy.ActionExportPDF})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, ledger.CodeTimeout, ledger.Code(err))
}

// =============================================================================
// HOOKS
// =============================================================================

type recordingNotifier struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (r *recordingNotifier) Dispatch(ev ledger.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) kinds() []ledger.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestHooks_OnlyCommittedMutationsNotify(t *testing.T) {
	rec := &recordingNotifier{}
	f := newFixture(t, 40, ledger.WithNotifier(rec))
	ctx := context.Background()

	_, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "xena", Action: energy.ActionCVGenerate})
	require.NoError(t, err)
	_, err = f.svc.Credit(ctx, ledger.CreditRequest{UserID: "xena", Amount: 10, Reference: "r"})
	require.NoError(t, err)

	// Replays, refusals and rejections notify nothing
	_, err = f.svc.Credit(ctx, ledger.CreditRequest{UserID: "xena", Amount: 10, Reference: "r"})
	require.NoError(t, err)
	_, err = f.svc.Spend(ctx, ledger.SpendRequest{UserID: "xena", Action: "nope"})
	require.Error(t, err)

	assert.Equal(t, []ledger.EventKind{
		ledger.EventWalletCreated,
		ledger.EventSpend,
		ledger.EventCredit,
	}, rec.kinds())

	spend := rec.events[1]
	assert.Equal(t, energy.ActionCVGenerate, spend.Action)
	assert.Equal(t, int64(37), spend.Balance)
	assert.Len(t, spend.Transactions, 1)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestVerify_MixedHistoryIsConsistent(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	for d := 0; d < 7; d++ {
		_, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "yuri", Action: energy.ActionInterviewPractice})
		require.NoError(t, err)
		if d%2 == 0 {
			_, err = f.svc.Credit(ctx, ledger.CreditRequest{UserID: "yuri", Amount: 3, Reference: fmt.Sprintf("p-%d", d)})
			require.NoError(t, err)
		}
		f.clock.Advance(24 * time.Hour)
	}

	report, err := f.svc.Verify(ctx, "yuri")
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "issues: %v", report.Issues)
	assert.Equal(t, report.Balance, report.ReplayedBalance)
	assert.Equal(t, report.Balance, report.LatestBalanceAfter)
}

func TestReplay_DetectsDrift(t *testing.T) {
	w := ledger.Wallet{UserID: "zed", Balance: 50, LifetimeEarned: 40, LifetimeSpent: 0}
	txs := []ledger.Transaction{
		{ID: "t1", Type: ledger.TxCredit, Amount: 40, BalanceAfter: 40},
		{ID: "t2", Type: ledger.TxSpend, Amount: 5, BalanceAfter: 45},
	}

	report := ledger.Replay(w, txs)
	assert.False(t, report.Consistent())
	assert.Equal(t, int64(45), report.ReplayedBalance)
	assert.Len(t, report.Issues, 4) // sign, final balance, latest balance_after, lifetime_spent
}

func TestReplay_EmptyHistory(t *testing.T) {
	report := ledger.Replay(ledger.Wallet{UserID: "new"}, nil)
	assert.True(t, report.Consistent())
}

func TestWalletIDs(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()
	for _, u := range []ledger.UserID{"b", "a", "c"} {
		_, err := f.svc.GetOrCreate(ctx, u)
		require.NoError(t, err)
	}
	ids, err := f.svc.WalletIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ledger.UserID{"a", "b", "c"}, ids)
}
