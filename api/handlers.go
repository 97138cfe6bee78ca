/*
handlers.go - HTTP API handlers for the energy ledger

ENDPOINTS:
  Catalog:
    GET    /api/actions                          Costly actions and their price

  Wallets:
    GET    /api/wallets/{userID}                 Wallet state (404 if never created)
    POST   /api/wallets/{userID}                 Get or create (grants signup bonus)
    GET    /api/wallets/{userID}/transactions    History, most recent first (?limit=N)
    POST   /api/wallets/{userID}/spend           Spend energy on an action
    POST   /api/wallets/{userID}/credit          Purchase, refund or promotional grant
    GET    /api/wallets/{userID}/audit           Replay the wallet's history

  Audit:
    GET    /api/audit/last                       Last scheduler sweep
    POST   /api/audit/run                        Sweep now

  Scenarios:
    GET    /api/scenarios                        List demo data sets
    GET    /api/scenarios/current                Last loaded data set
    POST   /api/scenarios/load                   Load one

ERROR HANDLING:
  Errors are returned as {error, code, details} with:
  - 400: INVALID_ACTION (malformed body, unknown action, bad amount)
  - 402: INSUFFICIENT_ENERGY
  - 404: WALLET_NOT_FOUND
  - 503: CONCURRENT_CONFLICT, PERSISTENCE_FAILURE, TIMEOUT (retry later)
  - 500: anything else

SECURITY NOTE:
  No authentication. The user id in the path is trusted; put the service
  behind a gateway that maps the caller to their own id.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/energy-ledger/energy"
	"github.com/warp/energy-ledger/ledger"
	"github.com/warp/energy-ledger/metrics"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *ledger.Service
	Catalog  *energy.Catalog
	Validate *validator.Validate
	Logger   *slog.Logger

	// Optional. nil disables the matching endpoint or instrumentation.
	Metrics   *metrics.Metrics
	Audit     *AuditScheduler
	Scenarios *Scenarios
	Health    Pinger
}

// NewHandler creates a handler. logger may be nil.
func NewHandler(svc *ledger.Service, catalog *energy.Catalog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Ledger:   svc,
		Catalog:  catalog,
		Validate: validator.New(),
		Logger:   logger.With("component", "api"),
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// ListActions returns the price list.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toActionDTOs(h.Catalog.Actions()))
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetWallet returns the wallet without creating it.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	start := time.Now()
	wallet, err := h.Ledger.GetWallet(r.Context(), userID)
	h.record("get_wallet", err, start)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// CreateWallet returns the wallet, creating it with the signup bonus on
// first call.
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	start := time.Now()
	wallet, err := h.Ledger.GetOrCreate(r.Context(), userID)
	h.record("get_or_create", err, start)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetTransactions returns recent history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	start := time.Now()
	txs, err := h.Ledger.ListTransactions(r.Context(), userID, limit)
	h.record("list_transactions", err, start)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{
		UserID:       string(userID),
		Limit:        effectiveLimit(limit),
		Transactions: toTransactionDTOs(txs),
	})
}

// Spend debits the cost of an action.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	var req SpendRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	start := time.Now()
	res, err := h.Ledger.Spend(r.Context(), ledger.SpendRequest{
		UserID:    userID,
		Action:    req.Action,
		Metadata:  req.Metadata,
		Reference: req.Reference,
	})
	h.record("spend", err, start)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SpendResponse{
		Balance:      res.Balance,
		Cost:         res.Cost,
		BonusAwarded: res.BonusAwarded,
		BonusAmount:  res.BonusAmount,
		StreakDays:   res.StreakDays,
		Replayed:     res.Replayed,
		Transactions: toTransactionDTOs(res.Transactions),
	})
}

// Credit adds energy.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	var req CreditRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	start := time.Now()
	res, err := h.Ledger.Credit(r.Context(), ledger.CreditRequest{
		UserID:    userID,
		Amount:    req.Amount,
		Type:      req.transactionType(),
		Metadata:  req.Metadata,
		Reference: req.Reference,
	})
	h.record("credit", err, start)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := CreditResponse{Balance: res.Balance, Replayed: res.Replayed}
	if res.Transaction != nil {
		dto := toTransactionDTO(*res.Transaction)
		resp.Transaction = &dto
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// AuditWallet replays one wallet's history.
func (h *Handler) AuditWallet(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	start := time.Now()
	report, err := h.Ledger.Verify(r.Context(), userID)
	h.record("verify", err, start)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// =============================================================================
// AUDIT SCHEDULER
// =============================================================================

// LastAudit returns the last sweep, or 204 if none has finished.
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, ledger.CodeInternal, "audit scheduler disabled", nil)
		return
	}
	run, ok := h.Audit.LastRun()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(run))
}

// RunAudit sweeps every wallet synchronously.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, ledger.CodeInternal, "audit scheduler disabled", nil)
		return
	}
	run, err := h.Audit.RunNow(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(run))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a ledger error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.Code(err)
	switch {
	case errors.Is(err, ledger.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, code, "invalid request", err)
	case errors.Is(err, ledger.ErrInsufficientEnergy):
		writeError(w, http.StatusPaymentRequired, code, "insufficient energy", err)
	case errors.Is(err, ledger.ErrWalletNotFound):
		writeError(w, http.StatusNotFound, code, "wallet not found", nil)
	case ledger.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, code, "temporarily unavailable, retry later", nil)
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, code, "internal error", nil)
	}
}

// decode reads and validates a JSON body. Failures are INVALID_ACTION.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &ledger.InvalidActionError{Field: "body", Reason: err.Error()}
	}
	if err := h.Validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ledger.InvalidActionError{Field: "body", Reason: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
		reasons = append(reasons, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return &ledger.InvalidActionError{
		Field:  strings.Join(fields, ","),
		Reason: strings.Join(reasons, "; "),
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ledger.InvalidActionError{Field: "limit", Reason: fmt.Sprintf("must be a non-negative integer, got %q", raw)}
	}
	return n, nil
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return ledger.DefaultListLimit
	}
	if limit > ledger.MaxListLimit {
		return ledger.MaxListLimit
	}
	return limit
}

func (h *Handler) record(op string, err error, start time.Time) {
	if h.Metrics != nil {
		h.Metrics.RecordOperation(op, err, time.Since(start))
	}
}
