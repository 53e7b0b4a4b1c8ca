// Package probe is the producer-facing handle a training loop
// instruments itself with. One live handle exists per process; it owns
// the stores, the broadcast hub and the breakpoint engine, and every
// call site reaches them through it rather than through package
// globals.
package probe

import (
	"errors"
	"math/rand"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tensorlens/tensorlens/internal/breakpoint"
	"github.com/tensorlens/tensorlens/internal/broadcast"
	"github.com/tensorlens/tensorlens/internal/config"
	"github.com/tensorlens/tensorlens/internal/core"
	"github.com/tensorlens/tensorlens/internal/diff"
	"github.com/tensorlens/tensorlens/internal/metrics"
	"github.com/tensorlens/tensorlens/internal/storage"
	"github.com/tensorlens/tensorlens/internal/tensor"
)

// ErrProbeExists rejects a second live handle. Close the first one
// before constructing another.
var ErrProbeExists = errors.New("a live probe already exists; close it before creating another")

var live atomic.Bool

// Probe composes the diff-aware tensor store, the metric store, the
// breakpoint engine and the broadcast hub behind the instrumentation
// surface a training loop calls.
type Probe struct {
	cfg    *config.Config
	logger *zap.Logger

	tensors *storage.TensorStore
	series  *storage.MetricStore
	engine  *breakpoint.Engine
	hub     *broadcast.Hub

	// sample decides the fate of one LogTensor call when the
	// sampling rate is below 1.
	sample func() float64

	released atomic.Bool
}

// UsageReport aggregates the live footprint of all three stores.
type UsageReport struct {
	Tensors     storage.Usage `json:"tensors"`
	Metrics     storage.Usage `json:"metrics"`
	Breakpoints storage.Usage `json:"breakpoints"`
}

// New builds the process's probe from validated configuration. A nil
// cfg uses defaults; a nil logger discards output. The returned handle
// must be passed to every instrumentation call site — a second New
// before Close fails with ErrProbeExists.
func New(cfg *config.Config, logger *zap.Logger) (*Probe, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !live.CompareAndSwap(false, true) {
		return nil, ErrProbeExists
	}

	breakpointTimeout, actionTimeout := cfg.Timeouts()
	breaks := storage.NewBreakpointStore(cfg.BreakpointHistory)
	hub := broadcast.NewHub(logger, actionTimeout)

	p := &Probe{
		cfg:     cfg,
		logger:  logger,
		tensors: storage.NewTensorStore(cfg.TensorRetention),
		series:  storage.NewMetricStore(cfg.MetricRetention, cfg.MetricHistory),
		engine:  breakpoint.NewEngine(breaks, hub, breakpointTimeout, logger),
		hub:     hub,
		sample:  rand.Float64,
	}
	hub.SetResumeHandler(p.engine.Resume)
	hub.SetInboundHandler(p.handleInbound)

	logger.Info("probe created",
		zap.String("mode", cfg.Mode),
		zap.Float64("sampling_rate", cfg.SamplingRate))
	return p, nil
}

// Start launches the broadcast loop. Until it runs, every producer
// envelope is refused with ErrLoopNotReady.
func (p *Probe) Start() { p.hub.Start() }

// Close stops the broadcast loop and releases the single-handle guard
// so a later New can succeed. Safe to call more than once.
func (p *Probe) Close() error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	p.hub.Stop()
	live.Store(false)
	p.logger.Info("probe closed")
	return nil
}

// Hub exposes the broadcast hub for transport acceptors to register
// connections on.
func (p *Probe) Hub() *broadcast.Hub { return p.hub }

// TensorStore exposes the snapshot store for historical-query
// surfaces.
func (p *Probe) TensorStore() *storage.TensorStore { return p.tensors }

// MetricStore exposes the metric series store.
func (p *Probe) MetricStore() *storage.MetricStore { return p.series }

// Engine exposes the breakpoint engine.
func (p *Probe) Engine() *breakpoint.Engine { return p.engine }

// Config exposes the live configuration.
func (p *Probe) Config() *config.Config { return p.cfg }

// LogTensor records one observation of a named tensor and broadcasts
// it. Light mode sends shape and summary statistics without storing
// anything; debug and hybrid modes store the snapshot and send full
// data on first sight, then compressed diffs. Calls may be dropped by
// the sampling rate or the size cap; a bridge refusal surfaces as
// ErrLoopNotReady.
func (p *Probe) LogTensor(name string, t *tensor.Tensor) error {
	if name == "" {
		return core.NewInvalidArgumentError("name", "must not be empty")
	}
	if t == nil {
		return core.NewInvalidArgumentError("tensor", "must not be nil")
	}

	rt := p.cfg.Runtime()
	if rt.SamplingRate < 1 && p.sample() >= rt.SamplingRate {
		metrics.TensorsDroppedTotal.WithLabelValues("sampled").Inc()
		return nil
	}
	if max := p.cfg.MaxTensorBytes; max > 0 && int64(t.NumBytes()) > max {
		metrics.TensorsDroppedTotal.WithLabelValues("too_large").Inc()
		return core.NewResourceExhaustedError("tensor",
			tensor.FormatBytes(int64(t.NumBytes()))+" exceeds the configured cap")
	}

	var env *broadcast.Envelope
	if rt.Mode == core.ModeLight {
		env = broadcast.TensorUpdate(name, t)
	} else {
		snap := core.NewSnapshot(name, t)
		d, existed := p.tensors.Put(snap, rt.DiffThreshold)
		if !existed {
			full, err := broadcast.TensorFull(name, t)
			if err != nil {
				return err
			}
			env = full
		} else {
			frame, err := diff.Marshal(d)
			if err != nil {
				return err
			}
			env = broadcast.TensorDiff(name, frame)
		}
	}

	if err := p.hub.EnqueueFromProducer(env); err != nil {
		return err
	}
	metrics.TensorsLoggedTotal.WithLabelValues(string(rt.Mode)).Inc()
	return nil
}

// LogMetrics appends scalar metric observations to their series and
// broadcasts one metrics_update envelope for the batch.
func (p *Probe) LogMetrics(values map[string]float64, step *int64) error {
	if len(values) == 0 {
		return nil
	}
	for name, value := range values {
		p.series.Add(name, value, step)
	}
	return p.hub.EnqueueFromProducer(broadcast.MetricsUpdate(values, step))
}

// Observe is the trace-point form: log the tensor, then pause here if
// the breakpoint sharing its name fires.
func (p *Probe) Observe(name string, t *tensor.Tensor) error {
	if err := p.LogTensor(name, t); err != nil {
		return err
	}
	p.HandleBreakpoint(name, t)
	return nil
}

// SetBreakpoint registers (or replaces) a named breakpoint. A nil
// predicate fires on every check.
func (p *Probe) SetBreakpoint(name string, pred core.Predicate) {
	p.engine.Register(name, pred)
}

// RemoveBreakpoint deletes a breakpoint, releasing any wait parked on
// it.
func (p *Probe) RemoveBreakpoint(name string) bool { return p.engine.Remove(name) }

// CheckBreakpoint reports whether the named breakpoint fires for this
// tensor, without blocking.
func (p *Probe) CheckBreakpoint(name string, t *tensor.Tensor) bool {
	return p.engine.Check(name, core.NewSnapshot(name, t))
}

// HandleBreakpoint evaluates the named breakpoint against the tensor
// and, when it fires, publishes the offending snapshot under
// "breakpoint_<name>" and blocks until an observer resumes it or the
// timeout elapses.
func (p *Probe) HandleBreakpoint(name string, t *tensor.Tensor) {
	snap := core.NewSnapshot(name, t)
	if !p.engine.Check(name, snap) {
		return
	}
	rt := p.cfg.Runtime()
	if rt.Mode != core.ModeLight {
		p.tensors.Put(core.NewSnapshot("breakpoint_"+name, t), rt.DiffThreshold)
	}
	p.engine.HandleHit(name, snap)
}

// MetricsHistory returns every retained metric series keyed by name.
func (p *Probe) MetricsHistory() map[string][]core.MetricPoint { return p.series.History() }

// ClearTensorCache drops every stored snapshot. The next observation
// of any name broadcasts full data again.
func (p *Probe) ClearTensorCache() { p.tensors.Clear() }

// Usage reports entry counts and resident byte estimates per store.
func (p *Probe) Usage() UsageReport {
	return UsageReport{
		Tensors:     p.tensors.Usage(),
		Metrics:     p.series.Usage(),
		Breakpoints: p.engine.Usage(),
	}
}

// ApplyConfigUpdate changes one runtime-tunable field and pushes the
// new value to the components that cache it. Unknown fields fail with
// ErrUnknownConfigField.
func (p *Probe) ApplyConfigUpdate(field string, value any) error {
	if err := p.cfg.ApplyUpdate(field, value); err != nil {
		return err
	}
	breakpointTimeout, actionTimeout := p.cfg.Timeouts()
	p.engine.SetTimeout(breakpointTimeout)
	p.hub.SetActionTimeout(actionTimeout)
	p.logger.Info("config updated", zap.String("field", field))
	return nil
}

// handleInbound answers observer-initiated envelopes on the hub's
// read path.
func (p *Probe) handleInbound(c *broadcast.Conn, env *broadcast.Envelope) {
	switch env.Type {
	case broadcast.TypeRequestTensor:
		p.answerTensorRequest(c, env.TensorName)
	case broadcast.TypeConfigUpdate:
		value, err := env.ValueAny()
		if err == nil {
			err = p.ApplyConfigUpdate(env.Field, value)
		}
		if err != nil {
			_ = p.hub.SendTo(c, broadcast.ErrorEnvelope(err.Error()))
		}
	default:
		p.logger.Debug("unhandled inbound envelope",
			zap.String("type", string(env.Type)),
			zap.String("client", c.ID()))
	}
}

func (p *Probe) answerTensorRequest(c *broadcast.Conn, name string) {
	snap, ok := p.tensors.Get(name)
	if !ok {
		_ = p.hub.SendTo(c, broadcast.ErrorEnvelope("tensor not found: "+name))
		return
	}
	env, err := broadcast.TensorData(name, snap.Payload)
	if err != nil {
		_ = p.hub.SendTo(c, broadcast.ErrorEnvelope("tensor not encodable: "+name))
		return
	}
	_ = p.hub.SendTo(c, env)
}
