// Package gate serializes long-running scanner calls behind a busy indicator.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBusy is returned when a trigger arrives while another operation is running.
	ErrBusy = errors.New("another operation is in progress")

	// ErrExternalOperationFailed matches every failure reported by a gated operation.
	ErrExternalOperationFailed = errors.New("external operation failed")
)

// OperationError wraps the failure of a gated operation.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExternalOperationFailed) match any OperationError.
func (e *OperationError) Is(target error) bool {
	return target == ErrExternalOperationFailed
}

// Passthrough reports whether err should be returned from Run unwrapped.
type Passthrough func(err error) bool

// BusyObserver is called with the new busy state whenever it changes.
type BusyObserver func(busy bool, op string)

// Config holds gate settings.
type Config struct {
	// Timeout bounds each operation; zero waits for completion.
	Timeout time.Duration
	// Passthrough selects errors that are not external failures, such as
	// precondition checks performed inside the operation.
	Passthrough Passthrough
	// Name labels metrics and log lines.
	Name string
}

// Gate runs one operation at a time and tracks the busy indicator.
type Gate struct {
	cfg Config

	mu      sync.Mutex
	busy    bool
	current string

	obsMu     sync.Mutex
	observers map[int]BusyObserver
	nextObs   int
}

// New creates a gate.
func New(cfg Config) *Gate {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Gate{cfg: cfg, observers: make(map[int]BusyObserver)}
}

// Busy reports whether an operation is running.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// Current returns the name of the running operation, if any.
func (g *Gate) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Subscribe registers fn for busy changes and returns a cancel function.
func (g *Gate) Subscribe(fn BusyObserver) func() {
	g.obsMu.Lock()
	id := g.nextObs
	g.nextObs++
	g.observers[id] = fn
	g.obsMu.Unlock()

	return func() {
		g.obsMu.Lock()
		delete(g.observers, id)
		g.obsMu.Unlock()
	}
}

// Run executes fn with the busy indicator engaged. A trigger that arrives
// while another operation runs is rejected with ErrBusy and fn is not called.
// The indicator is released on every exit path, including panics.
//
// Errors from fn are wrapped in *OperationError unless they match the
// configured Passthrough. Cancellation and timeouts surface the same way.
func (g *Gate) Run(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	if !g.acquire(op) {
		rejectedTotal.WithLabelValues(g.cfg.Name, op).Inc()
		slog.Debug("Operation rejected, gate busy", "op", op, "running", g.Current())
		return fmt.Errorf("%s: %w", op, ErrBusy)
	}

	start := time.Now()
	busyGauge.WithLabelValues(g.cfg.Name).Set(1)
	defer func() {
		if r := recover(); r != nil {
			err = &OperationError{Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
		g.release(op)
		busyGauge.WithLabelValues(g.cfg.Name).Set(0)
		g.record(op, start, err)
	}()

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	slog.Debug("Operation started", "op", op)
	if ferr := fn(ctx); ferr != nil {
		if g.cfg.Passthrough != nil && g.cfg.Passthrough(ferr) {
			return ferr
		}
		return &OperationError{Op: op, Err: ferr}
	}
	return nil
}

func (g *Gate) record(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrExternalOperationFailed):
		outcome = "error"
	default:
		outcome = "precondition"
	}
	operationsTotal.WithLabelValues(g.cfg.Name, op, outcome).Inc()
	operationDuration.WithLabelValues(g.cfg.Name, op).Observe(elapsed.Seconds())

	if outcome == "error" {
		slog.Error("Operation failed", "op", op, "duration", elapsed, "error", err)
		return
	}
	slog.Debug("Operation finished", "op", op, "duration", elapsed, "outcome", outcome)
}

func (g *Gate) acquire(op string) bool {
	g.mu.Lock()
	if g.busy {
		g.mu.Unlock()
		return false
	}
	g.busy = true
	g.current = op
	g.mu.Unlock()

	g.notify(true, op)
	return true
}

func (g *Gate) release(op string) {
	g.mu.Lock()
	g.busy = false
	g.current = ""
	g.mu.Unlock()

	g.notify(false, op)
}

func (g *Gate) notify(busy bool, op string) {
	g.obsMu.Lock()
	fns := make([]BusyObserver, 0, len(g.observers))
	for _, fn := range g.observers {
		fns = append(fns, fn)
	}
	g.obsMu.Unlock()

	for _, fn := range fns {
		fn(busy, op)
	}
}
