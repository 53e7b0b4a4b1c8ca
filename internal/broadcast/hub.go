package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/tensorlens/tensorlens/internal/metrics"
)

// ErrLoopNotReady rejects producer broadcasts before Start has marked
// the loop as running (or after Stop). The caller may retry once the
// hub is up; nothing is queued meanwhile.
var ErrLoopNotReady = errors.New("broadcast loop not running")

// Hub owns the envelope queue, the delivery worker and the connection
// registry. The queue is unbounded: a producer is never blocked by a
// slow observer, at the cost of memory when observers stall. Watch
// the queue depth gauge for sustained growth.
type Hub struct {
	logger *zap.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	queue         *queue.Queue
	conns         []*Conn
	nextID        uint64
	actionTimeout time.Duration
	running       bool
	stopped       bool
	onResume      func(name string)
	onInbound     func(c *Conn, env *Envelope)

	done chan struct{}
}

// NewHub builds a hub. The worker does not run until Start.
func NewHub(logger *zap.Logger, actionTimeout time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:        logger,
		queue:         queue.New(),
		actionTimeout: actionTimeout,
		done:          make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Start marks the loop as running and launches the delivery worker.
// The running flag flips before the goroutine spawns, so a producer
// observing a successful Start may enqueue immediately.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
	h.logger.Info("broadcast loop started")
}

// Stop drains the queue, waits for the worker to exit and closes
// every connection. A stopped hub cannot be restarted.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.cond.Broadcast()
	h.mu.Unlock()

	<-h.done

	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.running = false
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.transport.Close()
		c.failPending()
	}
	metrics.ActiveConnections.Set(0)
	h.logger.Info("broadcast loop stopped", zap.Int("connections_closed", len(conns)))
}

// Connect registers a transport, assigns the next monotonic ID and
// completes the handshake. A failed handshake unregisters the
// connection and surfaces the transport error.
func (h *Hub) Connect(t Transport) (*Conn, error) {
	h.mu.Lock()
	h.nextID++
	c := &Conn{id: fmt.Sprintf("client_%d", h.nextID), transport: t}
	h.conns = append(h.conns, c)
	total := len(h.conns)
	h.mu.Unlock()

	raw, err := Encode(&Envelope{Type: TypeConnectionEstablished, ClientID: c.id})
	if err != nil {
		h.Disconnect(c)
		return nil, err
	}
	if err := c.send(raw); err != nil {
		h.Disconnect(c)
		return nil, fmt.Errorf("handshake with %s: %w", c.id, err)
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Set(float64(total))
	h.logger.Info("observer connected", zap.String("client_id", c.id), zap.Int("total", total))
	return c, nil
}

// Disconnect removes a connection from the registry and closes its
// transport. Safe to call twice; only the first call acts.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	removed := false
	for i, cc := range h.conns {
		if cc == c {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			removed = true
			break
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	if !removed {
		return
	}
	_ = c.transport.Close()
	c.failPending()
	metrics.ActiveConnections.Set(float64(total))
	h.logger.Info("observer disconnected", zap.String("client_id", c.id), zap.Int("total", total))
}

// EnqueueFromProducer is the bridge for goroutines outside the
// delivery loop, typically the training loop itself. It fails with
// ErrLoopNotReady until Start and after Stop.
func (h *Hub) EnqueueFromProducer(env *Envelope) error {
	h.mu.Lock()
	if !h.running || h.stopped {
		h.mu.Unlock()
		metrics.BridgeRejectionsTotal.Inc()
		return ErrLoopNotReady
	}
	h.queue.Add(env)
	depth := h.queue.Length()
	h.cond.Signal()
	h.mu.Unlock()

	metrics.EnvelopesEnqueuedTotal.WithLabelValues("producer").Inc()
	metrics.BroadcastQueueDepth.Set(float64(depth))
	return nil
}

// Enqueue appends an envelope from loop-side code (inbound dispatch,
// periodic pings). It never rejects: anything already inside the hub
// ran after Start by construction.
func (h *Hub) Enqueue(env *Envelope) {
	h.mu.Lock()
	h.queue.Add(env)
	depth := h.queue.Length()
	h.cond.Signal()
	h.mu.Unlock()

	metrics.EnvelopesEnqueuedTotal.WithLabelValues("loop").Inc()
	metrics.BroadcastQueueDepth.Set(float64(depth))
}

// Ping broadcasts a keepalive envelope through the producer bridge.
func (h *Hub) Ping() error {
	return h.EnqueueFromProducer(&Envelope{Type: TypePing})
}

// run is the single consumer. Each dequeue snapshots the registry, so
// an observer joining mid-broadcast only sees envelopes dequeued
// after it registered.
func (h *Hub) run() {
	defer close(h.done)
	for {
		h.mu.Lock()
		for h.queue.Length() == 0 && !h.stopped {
			h.cond.Wait()
		}
		if h.queue.Length() == 0 && h.stopped {
			h.mu.Unlock()
			return
		}
		env := h.queue.Remove().(*Envelope)
		depth := h.queue.Length()
		conns := make([]*Conn, len(h.conns))
		copy(conns, h.conns)
		h.mu.Unlock()

		metrics.BroadcastQueueDepth.Set(float64(depth))
		h.deliver(env, conns)
	}
}

// deliver encodes once and attempts every registered connection in
// registry order. A failed send drops only that connection; the rest
// of the fan-out continues.
func (h *Hub) deliver(env *Envelope, conns []*Conn) {
	raw, err := Encode(env)
	if err != nil {
		h.logger.Error("envelope encode failed",
			zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	for _, c := range conns {
		if err := c.send(raw); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			h.logger.Warn("delivery failed, dropping connection",
				zap.String("client_id", c.id),
				zap.String("type", string(env.Type)),
				zap.Error(err))
			h.Disconnect(c)
			continue
		}
		metrics.EnvelopesDeliveredTotal.Inc()
	}
}

// RequestAction sends one request directly to one observer and waits
// for its next inbound envelope. A timeout resolves to (nil, false)
// without retry or escalation; the producer side treats it as "no
// answer" rather than an error.
func (h *Hub) RequestAction(c *Conn, action string, payload map[string]any) (*Envelope, bool) {
	h.mu.Lock()
	timeout := h.actionTimeout
	h.mu.Unlock()

	ch, err := c.armReply()
	if err != nil {
		h.logger.Warn("action request rejected", zap.String("client_id", c.id), zap.Error(err))
		return nil, false
	}

	env := &Envelope{Type: TypeActionRequest, Action: action}
	if payload != nil {
		if err := env.SetDataObject(payload); err != nil {
			c.disarmReply(ch)
			return nil, false
		}
	}
	raw, err := Encode(env)
	if err != nil {
		c.disarmReply(ch)
		return nil, false
	}
	if err := c.send(raw); err != nil {
		c.disarmReply(ch)
		metrics.ActionRequestsTotal.WithLabelValues("send_failed").Inc()
		h.Disconnect(c)
		return nil, false
	}

	select {
	case reply := <-ch:
		if reply == nil {
			metrics.ActionRequestsTotal.WithLabelValues("disconnected").Inc()
			return nil, false
		}
		metrics.ActionRequestsTotal.WithLabelValues("replied").Inc()
		return reply, true
	case <-time.After(timeout):
		c.disarmReply(ch)
		metrics.ActionRequestsTotal.WithLabelValues("timeout").Inc()
		h.logger.Warn("action request timed out",
			zap.String("client_id", c.id), zap.String("action", action))
		return nil, false
	}
}

// SendTo delivers one envelope directly to one connection, outside
// the broadcast ordering. Used for per-request replies.
func (h *Hub) SendTo(c *Conn, env *Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	if err := c.send(raw); err != nil {
		h.Disconnect(c)
		return err
	}
	return nil
}

// HandleInbound dispatches one raw message read from a transport.
// A pending action request consumes the message first; otherwise
// resume envelopes release breakpoints and everything else goes to
// the inbound handler.
func (h *Hub) HandleInbound(c *Conn, raw []byte) {
	env, err := Decode(raw)
	if err != nil {
		h.logger.Warn("undecodable message", zap.String("client_id", c.id), zap.Error(err))
		_ = h.SendTo(c, ErrorEnvelope(err.Error()))
		return
	}

	if c.deliverReply(env) {
		return
	}

	switch env.Type {
	case TypeBreakpointResume:
		if fn := h.resumeHandler(); fn != nil {
			fn(env.Name)
		}
	default:
		if fn := h.inboundHandler(); fn != nil {
			fn(c, env)
			return
		}
		h.logger.Debug("unhandled inbound envelope",
			zap.String("client_id", c.id), zap.String("type", string(env.Type)))
	}
}

// SetResumeHandler wires breakpoint resume envelopes to the engine.
func (h *Hub) SetResumeHandler(fn func(name string)) {
	h.mu.Lock()
	h.onResume = fn
	h.mu.Unlock()
}

// SetInboundHandler wires non-resume observer requests (tensor
// queries, config updates) to their dispatcher.
func (h *Hub) SetInboundHandler(fn func(c *Conn, env *Envelope)) {
	h.mu.Lock()
	h.onInbound = fn
	h.mu.Unlock()
}

// SetActionTimeout adjusts the reply deadline for future requests.
func (h *Hub) SetActionTimeout(d time.Duration) {
	h.mu.Lock()
	h.actionTimeout = d
	h.mu.Unlock()
}

func (h *Hub) resumeHandler() func(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onResume
}

func (h *Hub) inboundHandler() func(*Conn, *Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onInbound
}

// ConnectionCount returns the live registry size.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// QueueDepth returns the number of pending envelopes.
func (h *Hub) QueueDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.Length()
}

// Running reports whether the bridge currently accepts producer
// broadcasts.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running && !h.stopped
}
