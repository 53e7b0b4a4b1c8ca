// Package client implements the observer side of the snapshot stream:
// it dials a probe endpoint, decodes envelopes, and sends resume,
// action-reply, tensor and config requests back to the training
// process.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tensorlens/tensorlens/internal/broadcast"
)

const handshakeTimeout = 10 * time.Second

// Observer is one live connection to a probe. Recv is single-consumer
// (call it from one goroutine); the request methods may be called from
// any goroutine and are serialized onto the socket.
type Observer struct {
	mu       sync.Mutex
	sock     *websocket.Conn
	clientID string
}

// Dial connects to a probe websocket endpoint, e.g.
// "ws://127.0.0.1:8089/ws", and waits for the connection handshake.
func Dial(rawURL string) (*Observer, error) {
	sock, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	o := &Observer{sock: sock}
	if err := sock.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		sock.Close()
		return nil, err
	}
	env, err := o.Recv()
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if env.Type != broadcast.TypeConnectionEstablished {
		sock.Close()
		return nil, fmt.Errorf("handshake: unexpected %q envelope", env.Type)
	}
	if err := sock.SetReadDeadline(time.Time{}); err != nil {
		sock.Close()
		return nil, err
	}

	o.clientID = env.ClientID
	return o, nil
}

// ClientID returns the identity the probe assigned, e.g. "client_3".
func (o *Observer) ClientID() string { return o.clientID }

// Recv blocks until the next envelope arrives. Server-sent error
// envelopes are returned as values, not errors; convert them with
// ServerError when a request expects an answer.
func (o *Observer) Recv() (*broadcast.Envelope, error) {
	_, raw, err := o.sock.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := broadcast.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Resume releases the producer parked on the named breakpoint. The
// empty name releases every parked breakpoint.
func (o *Observer) Resume(name string) error {
	return o.send(&broadcast.Envelope{Type: broadcast.TypeBreakpointResume, Name: name})
}

// Reply answers a pending action_request from the probe.
func (o *Observer) Reply(action string, choice map[string]any) error {
	env := &broadcast.Envelope{Type: broadcast.TypeActionResponse, Action: action}
	if err := env.SetDataObject(choice); err != nil {
		return err
	}
	return o.send(env)
}

// RequestTensor asks for the cached snapshot of name. The answer
// arrives on Recv as a tensor_data envelope, or an error envelope
// when the name is unknown.
func (o *Observer) RequestTensor(name string) error {
	return o.send(&broadcast.Envelope{Type: broadcast.TypeRequestTensor, TensorName: name})
}

// UpdateConfig sets one runtime config field on the probe.
func (o *Observer) UpdateConfig(field string, value any) error {
	env := &broadcast.Envelope{Type: broadcast.TypeConfigUpdate, Field: field}
	if err := env.SetValue(value); err != nil {
		return err
	}
	return o.send(env)
}

func (o *Observer) send(env *broadcast.Envelope) error {
	raw, err := broadcast.Encode(env)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sock.WriteMessage(websocket.TextMessage, raw)
}

// Close tears down the socket. A concurrent Recv returns with an
// error.
func (o *Observer) Close() error {
	return o.sock.Close()
}
