// Package ws accepts WebSocket observers and registers them on the
// broadcast hub. Each accepted socket gets one read-pump goroutine;
// writes go through the hub's per-connection transport adapter.
package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tensorlens/tensorlens/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Acceptor is an http.Handler that upgrades requests and hands the
// resulting sockets to the hub.
type Acceptor struct {
	hub    *broadcast.Hub
	logger *zap.Logger
}

// NewAcceptor wires an acceptor to the hub. A nil logger discards
// output.
func NewAcceptor(hub *broadcast.Hub, logger *zap.Logger) *Acceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acceptor{hub: hub, logger: logger}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn, err := a.hub.Connect(&socketTransport{sock: sock})
	if err != nil {
		a.logger.Warn("observer rejected", zap.Error(err))
		_ = sock.Close()
		return
	}
	a.logger.Info("observer connected",
		zap.String("client", conn.ID()),
		zap.String("remote", r.RemoteAddr))

	go a.readPump(conn, sock)
}

// readPump forwards inbound envelopes until the socket dies, then
// unregisters the connection.
func (a *Acceptor) readPump(conn *broadcast.Conn, sock *websocket.Conn) {
	defer a.hub.Disconnect(conn)
	for {
		kind, raw, err := sock.ReadMessage()
		if err != nil {
			a.logger.Info("observer disconnected",
				zap.String("client", conn.ID()), zap.Error(err))
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		a.hub.HandleInbound(conn, raw)
	}
}

// socketTransport adapts one gorilla socket to the hub's Transport.
// gorilla allows a single concurrent writer, so Send serializes.
type socketTransport struct {
	mu   sync.Mutex
	sock *websocket.Conn
}

func (t *socketTransport) Send(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sock.WriteMessage(websocket.TextMessage, raw)
}

func (t *socketTransport) Close() error { return t.sock.Close() }
