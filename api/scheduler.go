/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Sweeps every wallet on a fixed interval and replays its history through
  ledger.Service.Verify. Inconsistent wallets are logged and counted; the
  ledger itself is never modified by a sweep.

DESIGN:
  - One background goroutine, ticking every CheckInterval
  - Runs once immediately on Start
  - Sweeps never overlap: RunNow waits for a running sweep to finish
  - The last completed sweep is kept in memory for GET /api/audit/last

USAGE:
  scheduler := NewAuditScheduler(svc, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/energy-ledger/ledger"
	"github.com/warp/energy-ledger/metrics"
)

// Auditor is the part of ledger.Service the scheduler needs.
type Auditor interface {
	WalletIDs(ctx context.Context) ([]ledger.UserID, error)
	Verify(ctx context.Context, userID ledger.UserID) (*ledger.AuditReport, error)
}

// AuditRun summarises one sweep.
type AuditRun struct {
	StartedAt    time.Time
	CompletedAt  time.Time
	Checked      int
	Inconsistent []ledger.UserID
	Failed       int
}

// AuditScheduler handles periodic audits.
type AuditScheduler struct {
	Ledger        Auditor
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Clock         ledger.Clock
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	sweepMu sync.Mutex
	lastMu  sync.RWMutex
	last    *AuditRun
}

// NewAuditScheduler creates a scheduler with a one hour interval.
func NewAuditScheduler(auditor Auditor, logger *slog.Logger) *AuditScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditScheduler{
		Ledger:        auditor,
		Logger:        logger.With("component", "audit"),
		Clock:         ledger.SystemClock{},
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.Info("audit scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	as.cancel = cancel
	as.stop = make(chan struct{})
	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)

	go as.run(ctx)

	as.Logger.Info("audit scheduler started", "interval", as.CheckInterval)
}

// Stop stops the scheduler and waits for a running sweep to return.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker == nil {
		return
	}
	as.ticker.Stop()
	as.cancel()
	close(as.stop)
	as.wg.Wait()
	as.ticker = nil
	as.Logger.Info("audit scheduler stopped")
}

func (as *AuditScheduler) run(ctx context.Context) {
	defer as.wg.Done()

	as.sweepLogged(ctx)

	for {
		select {
		case <-as.ticker.C:
			as.sweepLogged(ctx)
		case <-as.stop:
			return
		}
	}
}

func (as *AuditScheduler) sweepLogged(ctx context.Context) {
	if _, err := as.RunNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		as.Logger.Error("audit sweep failed", "error", err)
	}
}

// RunNow sweeps every wallet and records the result.
func (as *AuditScheduler) RunNow(ctx context.Context) (AuditRun, error) {
	as.sweepMu.Lock()
	defer as.sweepMu.Unlock()

	run := AuditRun{StartedAt: as.Clock.Now()}

	ids, err := as.Ledger.WalletIDs(ctx)
	if err != nil {
		return run, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		report, err := as.Ledger.Verify(ctx, id)
		if err != nil {
			run.Failed++
			as.Logger.Warn("audit verify failed", "user_id", id, "error", err)
			continue
		}
		run.Checked++
		if !report.Consistent() {
			run.Inconsistent = append(run.Inconsistent, id)
		}
	}
	run.CompletedAt = as.Clock.Now()

	as.lastMu.Lock()
	as.last = &run
	as.lastMu.Unlock()

	if as.Metrics != nil {
		as.Metrics.RecordAudit(len(run.Inconsistent), run.CompletedAt)
	}

	if len(run.Inconsistent) > 0 {
		as.Logger.Error("audit found inconsistent wallets",
			"checked", run.Checked, "inconsistent", len(run.Inconsistent), "failed", run.Failed)
	} else {
		as.Logger.Info("audit completed", "checked", run.Checked, "failed", run.Failed)
	}
	return run, nil
}

// LastRun returns the last completed sweep.
func (as *AuditScheduler) LastRun() (AuditRun, bool) {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	if as.last == nil {
		return AuditRun{}, false
	}
	return *as.last, true
}
