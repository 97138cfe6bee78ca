/*
hooks.go - Post-commit side effects

PURPOSE:
  Analytics, notifications and metrics react to ledger mutations but must
  never affect them. The Service hands every committed mutation to a
  Notifier; the Dispatcher delivers it to hooks on background workers.

GUARANTEES:
  - Events are only dispatched after the atomic unit committed
  - Dispatch never blocks the caller: a full queue drops the event
  - Hook errors and panics are logged and counted, never propagated

USAGE:
  d := ledger.NewDispatcher(logger, ledger.DispatcherConfig{Workers: 2, QueueSize: 256},
      metricsHook, redisHook)
  d.Start()
  defer d.Stop()
  svc := ledger.NewService(store, catalog, policy, ledger.WithNotifier(d))
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventKind string

const (
	EventWalletCreated EventKind = "wallet_created"
	EventSpend         EventKind = "spend"
	EventCredit        EventKind = "credit"
)

// Event describes one committed mutation.
type Event struct {
	Kind         EventKind
	UserID       UserID
	Action       string
	Balance      int64
	StreakDays   int
	BonusAwarded bool
	Transactions []Transaction
	At           time.Time
}

// Hook reacts to a committed mutation.
type Hook interface {
	Name() string
	OnMutation(ctx context.Context, ev Event) error
}

// Notifier receives committed events from the Service.
type Notifier interface {
	Dispatch(ev Event)
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, ev Event) error
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) OnMutation(ctx context.Context, ev Event) error { return h.Fn(ctx, ev) }

// =============================================================================
// DISPATCHER
// =============================================================================

type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	HookTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Workers: 2, QueueSize: 256, HookTimeout: 5 * time.Second}
}

// Dispatcher delivers events to hooks asynchronously.
type Dispatcher struct {
	hooks  []Hook
	cfg    DispatcherConfig
	logger *slog.Logger

	queue   chan Event
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start before events can be delivered.
func NewDispatcher(logger *slog.Logger, cfg DispatcherConfig, hooks ...Hook) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = def.HookTimeout
	}
	return &Dispatcher{
		hooks:  hooks,
		cfg:    cfg,
		logger: logger.With("component", "hooks"),
		queue:  make(chan Event, cfg.QueueSize),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "hooks", len(d.hooks))
}

// Stop stops accepting events, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped", "dropped", d.dropped.Load(), "failed", d.failed.Load())
}

// Dispatch enqueues ev without blocking.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn("hook queue full, event dropped", "user_id", ev.UserID, "kind", ev.Kind)
	}
}

// Dropped returns the number of events that were not delivered.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns the number of hook invocations that errored or panicked.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		for _, h := range d.hooks {
			d.deliver(h, ev)
		}
	}
}

func (d *Dispatcher) deliver(h Hook, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HookTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("hook panicked", "hook", h.Name(), "panic", fmt.Sprint(r))
		}
	}()

	if err := h.OnMutation(ctx, ev); err != nil {
		d.failed.Add(1)
		d.logger.Warn("hook failed", "hook", h.Name(), "user_id", ev.UserID, "kind", ev.Kind, "error", err)
	}
}
