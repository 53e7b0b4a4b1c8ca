package broadcast

import (
	"errors"
	"sync"
)

// ErrRequestInFlight rejects a second action request on a connection
// whose previous request has not resolved.
var ErrRequestInFlight = errors.New("action request already in flight")

// Transport is one accepted observer endpoint. Framing and protocol
// live in the transport packages; the hub only moves encoded
// envelopes. Send must be safe for concurrent use.
type Transport interface {
	Send(raw []byte) error
	Close() error
}

// Conn pairs a transport with its registry identity. Connection IDs
// are monotonic per hub and never reused, so logs and observers can
// tell reconnects apart.
type Conn struct {
	id        string
	transport Transport

	mu      sync.Mutex
	pending chan *Envelope
}

// ID returns the registry identity, e.g. "client_3".
func (c *Conn) ID() string { return c.id }

func (c *Conn) send(raw []byte) error {
	return c.transport.Send(raw)
}

// armReply claims the single reply slot before an action request is
// sent. The returned channel holds one envelope, or nil when the
// connection drops mid-request.
func (c *Conn) armReply() (chan *Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil, ErrRequestInFlight
	}
	ch := make(chan *Envelope, 1)
	c.pending = ch
	return ch, nil
}

// disarmReply releases the slot if it still belongs to ch. A reply
// racing in after the timeout is dropped.
func (c *Conn) disarmReply(ch chan *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == ch {
		c.pending = nil
	}
}

// deliverReply hands an inbound envelope to a waiting action request.
// Whatever arrives first on the connection is the reply; that matches
// the one-outstanding-request contract.
func (c *Conn) deliverReply(env *Envelope) bool {
	c.mu.Lock()
	ch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- env
	return true
}

// failPending unblocks a waiting action request when the connection
// is dropped.
func (c *Conn) failPending() {
	c.mu.Lock()
	ch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- nil
	}
}
