// Package breakpoint pauses a training loop when a named predicate
// matches a logged snapshot. A hit broadcasts the triggering tensor to
// observers and parks the producer goroutine until an observer resumes
// it or the configured timeout elapses, so execution is never stuck
// forever.
package breakpoint

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tensorlens/tensorlens/internal/broadcast"
	"github.com/tensorlens/tensorlens/internal/core"
	"github.com/tensorlens/tensorlens/internal/metrics"
	"github.com/tensorlens/tensorlens/internal/storage"
)

// Broadcaster is the producer-side bridge into the broadcast loop.
type Broadcaster interface {
	EnqueueFromProducer(env *broadcast.Envelope) error
}

// Engine owns breakpoint records, the optional global condition and the
// wait/resume machinery. Predicates are fetched from the record at
// evaluation time and combined with the global condition per call, so
// each breakpoint always evaluates against its own predicate.
type Engine struct {
	store  *storage.BreakpointStore
	bridge Broadcaster
	logger *zap.Logger

	mu      sync.Mutex
	timeout time.Duration
	global  core.Predicate
	waiters map[string]chan struct{}
}

// NewEngine wires the engine to its record store and broadcast bridge.
// A nil logger discards output.
func NewEngine(store *storage.BreakpointStore, bridge Broadcaster, timeout time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		bridge:  bridge,
		logger:  logger,
		timeout: timeout,
		waiters: make(map[string]chan struct{}),
	}
}

// Register creates or replaces a breakpoint in the armed state. A nil
// predicate fires on every snapshot.
func (e *Engine) Register(name string, pred core.Predicate) {
	e.store.Register(name, pred)
	e.logger.Info("breakpoint registered",
		zap.String("name", name),
		zap.Bool("conditional", pred != nil))
}

// Remove deletes a breakpoint and releases its waiter if the producer
// is currently parked on it.
func (e *Engine) Remove(name string) bool {
	removed := e.store.Remove(name)
	if removed {
		e.Resume(name)
		e.logger.Info("breakpoint removed", zap.String("name", name))
	}
	return removed
}

// Clear deletes every breakpoint and releases all parked producers.
func (e *Engine) Clear() {
	e.store.Clear()
	e.Resume("")
}

// Enable arms a breakpoint.
func (e *Engine) Enable(name string) bool { return e.store.SetEnabled(name, true) }

// Disable stops a breakpoint from matching. A producer already parked
// on it keeps waiting until resume or timeout.
func (e *Engine) Disable(name string) bool { return e.store.SetEnabled(name, false) }

// All lists registered breakpoints sorted by name.
func (e *Engine) All() []storage.BreakpointInfo { return e.store.All() }

// Active lists the breakpoints that have fired at least once.
func (e *Engine) Active() []storage.BreakpointInfo { return e.store.Active() }

// Hits returns the bounded hit history for one breakpoint.
func (e *Engine) Hits(name string) ([]core.BreakpointHit, bool) { return e.store.Hits(name) }

// ClearHits empties one breakpoint's hit history.
func (e *Engine) ClearHits(name string) bool { return e.store.ClearHits(name) }

// Totals aggregates registration and hit counters across breakpoints.
func (e *Engine) Totals() storage.BreakpointTotals { return e.store.Totals() }

// Usage reports record count and estimated resident bytes.
func (e *Engine) Usage() storage.Usage { return e.store.Usage() }

// SetGlobalCondition installs a predicate that is ANDed with every
// breakpoint's own predicate at evaluation time. Nil removes it.
func (e *Engine) SetGlobalCondition(pred core.Predicate) {
	e.mu.Lock()
	e.global = pred
	e.mu.Unlock()
}

// SetTimeout changes how long HandleHit parks the producer.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
}

// Timeout reports the current wait timeout.
func (e *Engine) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

// Check reports whether the named breakpoint matches the snapshot.
// Unknown or disabled breakpoints never match. The global condition and
// the breakpoint's own predicate must both hold; an evaluation error or
// panic in either counts as no match and is reported, not propagated.
func (e *Engine) Check(name string, snap *core.Snapshot) bool {
	pred, enabled, ok := e.store.Lookup(name)
	if !ok || !enabled {
		return false
	}

	e.mu.Lock()
	global := e.global
	e.mu.Unlock()

	if global != nil {
		fired, err := evalPredicate(global, snap)
		if err != nil {
			e.reportEvalError(name, snap, err)
			return false
		}
		if !fired {
			return false
		}
	}
	if pred == nil {
		return true
	}
	fired, err := evalPredicate(pred, snap)
	if err != nil {
		e.reportEvalError(name, snap, err)
		return false
	}
	return fired
}

// Matching returns the names of every breakpoint that fires for the
// snapshot, in sorted registration-name order.
func (e *Engine) Matching(snap *core.Snapshot) []string {
	var out []string
	for _, name := range e.store.Names() {
		if e.Check(name, snap) {
			out = append(out, name)
		}
	}
	return out
}

// HandleHit records the hit, broadcasts a breakpoint_hit envelope plus
// the snapshot's full payload under "breakpoint_<name>", and parks the
// calling goroutine until Resume or the timeout. When the broadcast
// loop is not running there is nobody to resume us, so the wait is
// skipped after logging.
func (e *Engine) HandleHit(name string, snap *core.Snapshot) {
	if !e.store.RecordHit(name, snap.Name) {
		return
	}
	metrics.BreakpointHitsTotal.WithLabelValues(name).Inc()

	tensorName := "breakpoint_" + name
	if err := e.bridge.EnqueueFromProducer(broadcast.BreakpointHit(name, tensorName)); err != nil {
		e.logger.Warn("breakpoint hit not broadcast, skipping wait",
			zap.String("name", name), zap.Error(err))
		return
	}
	if full, err := broadcast.TensorFull(tensorName, snap.Payload); err != nil {
		e.logger.Warn("breakpoint payload not encodable",
			zap.String("name", name), zap.Error(err))
	} else if err := e.bridge.EnqueueFromProducer(full); err != nil {
		e.logger.Warn("breakpoint payload not broadcast",
			zap.String("name", name), zap.Error(err))
	}

	ch := e.armWaiter(name)
	e.store.SetState(name, core.StateWaiting)
	e.logger.Info("breakpoint waiting",
		zap.String("name", name),
		zap.String("snapshot", snap.Name))

	timeout := e.Timeout()
	start := time.Now()
	outcome := "resumed"
	select {
	case <-ch:
	case <-time.After(timeout):
		outcome = "timeout"
		e.logger.Info("breakpoint wait timed out, proceeding",
			zap.String("name", name),
			zap.Duration("timeout", timeout))
	}
	metrics.BreakpointWaitsTotal.WithLabelValues(outcome).Inc()
	metrics.BreakpointWaitDurationSeconds.Observe(time.Since(start).Seconds())

	e.clearWaiter(name, ch)
	e.store.SetState(name, core.StateArmed)
}

// Resume releases the producer parked on the named breakpoint. An empty
// name releases every parked producer.
func (e *Engine) Resume(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		for n, ch := range e.waiters {
			close(ch)
			delete(e.waiters, n)
		}
		return
	}
	if ch, ok := e.waiters[name]; ok {
		close(ch)
		delete(e.waiters, name)
	}
}

func (e *Engine) armWaiter(name string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[name]; ok {
		return ch
	}
	ch := make(chan struct{})
	e.waiters[name] = ch
	return ch
}

func (e *Engine) clearWaiter(name string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.waiters[name]; ok && cur == ch {
		delete(e.waiters, name)
	}
}

func (e *Engine) reportEvalError(name string, snap *core.Snapshot, err error) {
	metrics.BreakpointEvalErrorsTotal.Inc()
	e.logger.Warn("breakpoint predicate failed",
		zap.String("name", name),
		zap.String("snapshot", snap.Name),
		zap.Error(err))
}

// evalPredicate guards against panicking predicates so a buggy
// condition can never take down the producer.
func evalPredicate(pred core.Predicate, snap *core.Snapshot) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			err = fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return pred(snap)
}
