// Package flightx serves snapshot envelopes to observers over Arrow
// Flight DoExchange streams. Each exchange is one observer session:
// outbound envelopes travel as FlightData data bodies, and inbound
// frames carry the same JSON envelopes the websocket acceptor reads.
package flightx

import (
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/tensorlens/tensorlens/internal/broadcast"
)

// Server bridges Flight DoExchange streams onto a broadcast hub.
// Every other Flight method keeps the BaseFlightServer unimplemented
// response.
type Server struct {
	flight.BaseFlightServer
	hub    *broadcast.Hub
	logger *zap.Logger
}

// NewServer returns a Flight service backed by hub.
func NewServer(hub *broadcast.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{hub: hub, logger: logger}
}

// Register adds the Flight service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	flight.RegisterFlightServiceServer(g, s)
}

// DoExchange runs one observer session. The handshake and all
// subsequent broadcasts are written by the hub through the stream
// transport; this goroutine only pumps inbound frames back into the
// hub until the client goes away.
func (s *Server) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	conn, err := s.hub.Connect(&exchangeTransport{stream: stream})
	if err != nil {
		s.logger.Warn("flight observer rejected", zap.Error(err))
		return err
	}
	defer s.hub.Disconnect(conn)

	s.logger.Info("flight observer connected", zap.String("client", conn.ID()))

	for {
		data, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			s.logger.Info("flight observer closed",
				zap.String("client", conn.ID()), zap.Error(err))
			return err
		}
		if len(data.DataBody) == 0 {
			continue
		}
		s.hub.HandleInbound(conn, data.DataBody)
	}
}

// exchangeTransport adapts one DoExchange stream to the hub's
// transport contract. gRPC streams permit a single concurrent sender,
// so writes are serialized here.
type exchangeTransport struct {
	mu     sync.Mutex
	stream flight.FlightService_DoExchangeServer
}

func (t *exchangeTransport) Send(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream.Send(&flight.FlightData{DataBody: raw})
}

// Close is a no-op: the stream ends when DoExchange returns, and
// tearing it down belongs to gRPC.
func (t *exchangeTransport) Close() error { return nil }
