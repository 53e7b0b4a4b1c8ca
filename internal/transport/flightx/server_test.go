package flightx

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/tensorlens/tensorlens/internal/broadcast"
)

// mockExchangeStream implements flight.FlightService_DoExchangeServer.
// Recv blocks on a channel so the exchange stays open while the hub
// delivers broadcasts; closing the channel plays the client hangup.
type mockExchangeStream struct {
	ctx      context.Context
	recvCh   chan *flight.FlightData
	sentData []*flight.FlightData
	mu       sync.Mutex
}

func newMockExchangeStream(ctx context.Context) *mockExchangeStream {
	return &mockExchangeStream{
		ctx:    ctx,
		recvCh: make(chan *flight.FlightData, 8),
	}
}

func (m *mockExchangeStream) Send(data *flight.FlightData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentData = append(m.sentData, data)
	return nil
}

func (m *mockExchangeStream) Recv() (*flight.FlightData, error) {
	data, ok := <-m.recvCh
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (m *mockExchangeStream) Context() context.Context { return m.ctx }

func (m *mockExchangeStream) SetHeader(metadata.MD) error  { return nil }
func (m *mockExchangeStream) SendHeader(metadata.MD) error { return nil }
func (m *mockExchangeStream) SetTrailer(metadata.MD)       {}
func (m *mockExchangeStream) SendMsg(interface{}) error    { return nil }
func (m *mockExchangeStream) RecvMsg(interface{}) error    { return nil }

func (m *mockExchangeStream) addFlightData(data *flight.FlightData) {
	m.recvCh <- data
}

func (m *mockExchangeStream) closeRecv() {
	close(m.recvCh)
}

func (m *mockExchangeStream) getSentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentData)
}

func (m *mockExchangeStream) getSentData() []*flight.FlightData {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*flight.FlightData, len(m.sentData))
	copy(out, m.sentData)
	return out
}

func newTestFlightServer(t *testing.T) (*Server, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(nil, 5*time.Second)
	hub.Start()
	t.Cleanup(hub.Stop)
	return NewServer(hub, nil), hub
}

// startExchange runs DoExchange in the background and waits for the
// handshake so tests begin from a registered connection.
func startExchange(t *testing.T, srv *Server) (*mockExchangeStream, chan error) {
	t.Helper()
	stream := newMockExchangeStream(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.DoExchange(stream) }()
	require.Eventually(t, func() bool {
		return stream.getSentCount() >= 1
	}, 2*time.Second, 2*time.Millisecond)
	return stream, done
}

func sentEnvelopes(t *testing.T, m *mockExchangeStream) []*broadcast.Envelope {
	t.Helper()
	var envs []*broadcast.Envelope
	for _, fd := range m.getSentData() {
		env, err := broadcast.Decode(fd.DataBody)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func encodeEnvelope(t *testing.T, env *broadcast.Envelope) *flight.FlightData {
	t.Helper()
	raw, err := broadcast.Encode(env)
	require.NoError(t, err)
	return &flight.FlightData{DataBody: raw}
}

func TestDoExchange_HandshakeOnConnect(t *testing.T) {
	srv, hub := newTestFlightServer(t)

	stream, done := startExchange(t, srv)
	require.Equal(t, 1, hub.ConnectionCount())

	envs := sentEnvelopes(t, stream)
	require.Equal(t, broadcast.TypeConnectionEstablished, envs[0].Type)
	require.Equal(t, "client_1", envs[0].ClientID)

	stream.closeRecv()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0
	}, 2*time.Second, 2*time.Millisecond)
}

func TestDoExchange_BroadcastReachesStream(t *testing.T) {
	srv, hub := newTestFlightServer(t)

	stream, done := startExchange(t, srv)

	step := int64(12)
	require.NoError(t, hub.EnqueueFromProducer(
		broadcast.MetricsUpdate(map[string]float64{"loss": 0.31}, &step)))

	require.Eventually(t, func() bool {
		return stream.getSentCount() >= 2
	}, 2*time.Second, 2*time.Millisecond)

	envs := sentEnvelopes(t, stream)
	require.Equal(t, broadcast.TypeMetricsUpdate, envs[1].Type)
	require.InDelta(t, 0.31, envs[1].Metrics["loss"], 1e-9)

	stream.closeRecv()
	require.NoError(t, <-done)
}

func TestDoExchange_InboundResumeDispatched(t *testing.T) {
	srv, hub := newTestFlightServer(t)

	var resumed atomic.Value
	hub.SetResumeHandler(func(name string) { resumed.Store(name) })

	stream, done := startExchange(t, srv)

	stream.addFlightData(encodeEnvelope(t, &broadcast.Envelope{
		Type: broadcast.TypeBreakpointResume,
		Name: "nan_guard",
	}))

	require.Eventually(t, func() bool {
		v, _ := resumed.Load().(string)
		return v == "nan_guard"
	}, 2*time.Second, 2*time.Millisecond)

	stream.closeRecv()
	require.NoError(t, <-done)
}

func TestDoExchange_EmptyFrameIgnored(t *testing.T) {
	srv, hub := newTestFlightServer(t)

	var resumed atomic.Value
	hub.SetResumeHandler(func(name string) { resumed.Store(name) })

	stream, done := startExchange(t, srv)

	stream.addFlightData(&flight.FlightData{})
	stream.addFlightData(encodeEnvelope(t, &broadcast.Envelope{
		Type: broadcast.TypeBreakpointResume,
		Name: "slow_guard",
	}))

	require.Eventually(t, func() bool {
		v, _ := resumed.Load().(string)
		return v == "slow_guard"
	}, 2*time.Second, 2*time.Millisecond)

	stream.closeRecv()
	require.NoError(t, <-done)
}

func TestDoExchange_UndecodableFrameAnsweredWithError(t *testing.T) {
	srv, _ := newTestFlightServer(t)

	stream, done := startExchange(t, srv)

	stream.addFlightData(&flight.FlightData{DataBody: []byte("{not json")})

	require.Eventually(t, func() bool {
		return stream.getSentCount() >= 2
	}, 2*time.Second, 2*time.Millisecond)

	envs := sentEnvelopes(t, stream)
	require.Equal(t, broadcast.TypeError, envs[1].Type)

	stream.closeRecv()
	require.NoError(t, <-done)
}

func TestDoExchange_TwoStreamsSeeSameOrder(t *testing.T) {
	srv, hub := newTestFlightServer(t)

	first, firstDone := startExchange(t, srv)
	second, secondDone := startExchange(t, srv)
	require.Equal(t, 2, hub.ConnectionCount())

	for _, name := range []string{"grad_norm", "lr", "loss"} {
		require.NoError(t, hub.EnqueueFromProducer(
			broadcast.MetricsUpdate(map[string]float64{name: 1}, nil)))
	}

	require.Eventually(t, func() bool {
		return first.getSentCount() >= 4 && second.getSentCount() >= 4
	}, 2*time.Second, 2*time.Millisecond)

	for _, stream := range []*mockExchangeStream{first, second} {
		envs := sentEnvelopes(t, stream)
		var names []string
		for _, env := range envs[1:] {
			for name := range env.Metrics {
				names = append(names, name)
			}
		}
		require.Equal(t, []string{"grad_norm", "lr", "loss"}, names)
	}

	first.closeRecv()
	second.closeRecv()
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
}
