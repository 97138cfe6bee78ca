/*
scenarios.go - Demo data sets for development and demonstrations

PURPOSE:
  Populates a store with wallets that show specific ledger behaviour. Each
  scenario owns one demo user and replays a short, backdated history through
  a dedicated ledger.Service whose clock steps through the past days.

AVAILABLE SCENARIOS:
  new-user:     Fresh wallet holding only the signup bonus
  streak-week:  Six consecutive days of CV generation, two streak bonuses
  low-balance:  Spent down until the next CV generation is refused
  top-up:       Purchase, refund and promotional grant mixed with spends

IDEMPOTENCY:
  Every mutation carries a reference "scenario:<id>:<n>", so loading a
  scenario twice replays instead of writing again.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "streak-week"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' slice with ID, name, description and user
  2. Create loader function: (s *Scenarios) loadXxx(ctx, svc, at)
  3. Add case to Scenarios.Load
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/warp/energy-ledger/energy"
	"github.com/warp/energy-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-user",
		Name:        "New User",
		Description: "Fresh wallet holding only the signup bonus",
		UserID:      "demo-new-user",
	},
	{
		ID:          "streak-week",
		Name:        "Streak Week",
		Description: "Six consecutive days of CV generation earning two streak bonuses",
		UserID:      "demo-streak-week",
	},
	{
		ID:          "low-balance",
		Name:        "Low Balance",
		Description: "Spent down until the next CV generation is refused",
		UserID:      "demo-low-balance",
	},
	{
		ID:          "top-up",
		Name:        "Top-Up",
		Description: "Purchase, refund and promotional grant mixed with spends",
		UserID:      "demo-top-up",
	},
}

// Scenarios loads demo data into a store.
type Scenarios struct {
	Store   ledger.Store
	Catalog *energy.Catalog
	Streak  ledger.StreakPolicy
	Config  ledger.Config
	Clock   ledger.Clock
	Logger  *slog.Logger

	mu      sync.Mutex
	current string
}

func NewScenarios(store ledger.Store, catalog *energy.Catalog, streak ledger.StreakPolicy, cfg ledger.Config, logger *slog.Logger) *Scenarios {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scenarios{
		Store:   store,
		Catalog: catalog,
		Streak:  streak,
		Config:  cfg,
		Clock:   ledger.SystemClock{},
		Logger:  logger.With("component", "scenarios"),
	}
}

// List returns the available scenarios.
func (s *Scenarios) List() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	copy(out, scenarios)
	return out
}

// Current returns the last loaded scenario, if any.
func (s *Scenarios) Current() (ScenarioDTO, bool) {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()
	return findScenario(id)
}

// Load runs the named scenario and returns the demo user's wallet.
func (s *Scenarios) Load(ctx context.Context, id string) (*ledger.Wallet, error) {
	def, ok := findScenario(id)
	if !ok {
		return nil, &ledger.InvalidActionError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", id)}
	}

	var at time.Time
	svc := ledger.NewService(s.Store, s.Catalog, s.Streak,
		ledger.WithConfig(s.Config),
		ledger.WithLogger(s.Logger),
		ledger.WithClock(ledger.ClockFunc(func() time.Time { return at })),
	)
	// Histories end yesterday so a spend today continues them.
	today := ledger.CalendarDay(s.Clock.Now())
	day := func(daysAgo int) time.Time {
		return today.AddDate(0, 0, -daysAgo).Add(10 * time.Hour)
	}
	userID := ledger.UserID(def.UserID)

	var err error
	switch id {
	case "new-user":
		at = day(1)
		_, err = svc.GetOrCreate(ctx, userID)
	case "streak-week":
		err = s.loadStreakWeek(ctx, svc, userID, &at, day)
	case "low-balance":
		err = s.loadLowBalance(ctx, svc, userID, &at, day)
	case "top-up":
		err = s.loadTopUp(ctx, svc, userID, &at, day)
	}
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}

	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	s.Logger.Info("scenario loaded", "scenario", id, "user_id", userID)

	return svc.GetWallet(ctx, userID)
}

func (s *Scenarios) loadStreakWeek(ctx context.Context, svc *ledger.Service, userID ledger.UserID, at *time.Time, day func(int) time.Time) error {
	for i := 0; i < 6; i++ {
		*at = day(6 - i)
		if _, err := svc.Spend(ctx, ledger.SpendRequest{
			UserID:    userID,
			Action:    energy.ActionCVGenerate,
			Reference: reference("streak-week", i),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenarios) loadLowBalance(ctx context.Context, svc *ledger.Service, userID ledger.UserID, at *time.Time, day func(int) time.Time) error {
	*at = day(1)
	for i := 0; ; i++ {
		_, err := svc.Spend(ctx, ledger.SpendRequest{
			UserID:    userID,
			Action:    energy.ActionCVGenerate,
			Reference: reference("low-balance", i),
		})
		if errors.Is(err, ledger.ErrInsufficientEnergy) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Scenarios) loadTopUp(ctx context.Context, svc *ledger.Service, userID ledger.UserID, at *time.Time, day func(int) time.Time) error {
	*at = day(3)
	if _, err := svc.Credit(ctx, ledger.CreditRequest{
		UserID:    userID,
		Amount:    100,
		Metadata:  ledger.Metadata{ledger.MetaAction: "purchase", ledger.MetaSource: "billing", "sku": "energy-100"},
		Reference: reference("top-up", 0),
	}); err != nil {
		return err
	}
	if _, err := svc.Spend(ctx, ledger.SpendRequest{
		UserID:    userID,
		Action:    energy.ActionAssessmentRun,
		Reference: reference("top-up", 1),
	}); err != nil {
		return err
	}

	*at = day(2)
	if _, err := svc.Credit(ctx, ledger.CreditRequest{
		UserID:    userID,
		Amount:    5,
		Metadata:  ledger.Metadata{ledger.MetaAction: "refund", ledger.MetaSource: "support", "refunds": reference("top-up", 1)},
		Reference: reference("top-up", 2),
	}); err != nil {
		return err
	}

	*at = day(1)
	if _, err := svc.Credit(ctx, ledger.CreditRequest{
		UserID:    userID,
		Amount:    10,
		Type:      ledger.TxBonus,
		Metadata:  ledger.Metadata{ledger.MetaAction: "promotion", ledger.MetaSource: "marketing"},
		Reference: reference("top-up", 3),
	}); err != nil {
		return err
	}
	_, err := svc.Spend(ctx, ledger.SpendRequest{
		UserID:    userID,
		Action:    energy.ActionExportPDF,
		Reference: reference("top-up", 4),
	})
	return err
}

func reference(scenario string, n int) string {
	return fmt.Sprintf("scenario:%s:%d", scenario, n)
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeJSON(w, http.StatusOK, []ScenarioDTO{})
		return
	}
	writeJSON(w, http.StatusOK, h.Scenarios.List())
}

// GetCurrentScenario returns the last loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, ok := h.Scenarios.Current()
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario loads a demo data set.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeError(w, http.StatusNotFound, ledger.CodeInternal, "scenarios disabled", nil)
		return
	}
	var req LoadScenarioRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	wallet, err := h.Scenarios.Load(r.Context(), req.ScenarioID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}
