package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorlens/tensorlens/internal/broadcast"
	"github.com/tensorlens/tensorlens/internal/transport/ws"
)

func startProbeEndpoint(t *testing.T) (*broadcast.Hub, string) {
	t.Helper()
	hub := broadcast.NewHub(nil, 5*time.Second)
	hub.Start()
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(ws.NewAcceptor(hub, nil))
	t.Cleanup(server.Close)
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialObserver(t *testing.T, url string) *Observer {
	t.Helper()
	o, err := Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// startRawEndpoint serves a websocket that sends one crafted frame and
// then idles, for exercising handshake failures.
func startRawEndpoint(t *testing.T, first []byte) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = sock.WriteMessage(websocket.TextMessage, first)
		_, _, _ = sock.ReadMessage()
		_ = sock.Close()
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDial_HandshakeAssignsClientID(t *testing.T) {
	hub, url := startProbeEndpoint(t)

	first := dialObserver(t, url)
	second := dialObserver(t, url)

	assert.Equal(t, "client_1", first.ClientID())
	assert.Equal(t, "client_2", second.ClientID())
	assert.Equal(t, 2, hub.ConnectionCount())
}

func TestDial_ErrorWhenNoServer(t *testing.T) {
	_, err := Dial("ws://127.0.0.1:0")
	require.Error(t, err)
}

func TestDial_RejectsNonHandshakeFirstEnvelope(t *testing.T) {
	raw, err := broadcast.Encode(&broadcast.Envelope{Type: broadcast.TypePing})
	require.NoError(t, err)
	url := startRawEndpoint(t, raw)

	_, err = Dial(url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected")
}

func TestDial_RejectsGarbageHandshake(t *testing.T) {
	url := startRawEndpoint(t, []byte("{not json"))

	_, err := Dial(url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}

func TestObserver_RecvBroadcast(t *testing.T) {
	hub, url := startProbeEndpoint(t)
	o := dialObserver(t, url)

	step := int64(7)
	require.NoError(t, hub.EnqueueFromProducer(
		broadcast.MetricsUpdate(map[string]float64{"loss": 0.5}, &step)))

	env, err := o.Recv()
	require.NoError(t, err)
	assert.Equal(t, broadcast.TypeMetricsUpdate, env.Type)
	assert.InDelta(t, 0.5, env.Metrics["loss"], 1e-9)
	require.NotNil(t, env.Step)
	assert.Equal(t, int64(7), *env.Step)
}

func TestObserver_ResumeDispatched(t *testing.T) {
	hub, url := startProbeEndpoint(t)
	o := dialObserver(t, url)

	var resumed atomic.Value
	hub.SetResumeHandler(func(name string) { resumed.Store(name) })

	require.NoError(t, o.Resume("nan_guard"))

	require.Eventually(t, func() bool {
		v, _ := resumed.Load().(string)
		return v == "nan_guard"
	}, 2*time.Second, 2*time.Millisecond)
}

func TestObserver_RequestTensorEnvelope(t *testing.T) {
	hub, url := startProbeEndpoint(t)
	o := dialObserver(t, url)

	got := make(chan *broadcast.Envelope, 1)
	hub.SetInboundHandler(func(_ *broadcast.Conn, env *broadcast.Envelope) {
		got <- env
	})

	require.NoError(t, o.RequestTensor("layer1.weight"))

	select {
	case env := <-got:
		assert.Equal(t, broadcast.TypeRequestTensor, env.Type)
		assert.Equal(t, "layer1.weight", env.TensorName)
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the hub")
	}
}

func TestObserver_UpdateConfigEnvelope(t *testing.T) {
	hub, url := startProbeEndpoint(t)
	o := dialObserver(t, url)

	got := make(chan *broadcast.Envelope, 1)
	hub.SetInboundHandler(func(_ *broadcast.Conn, env *broadcast.Envelope) {
		got <- env
	})

	require.NoError(t, o.UpdateConfig("sampling_rate", 0.25))

	select {
	case env := <-got:
		assert.Equal(t, broadcast.TypeConfigUpdate, env.Type)
		assert.Equal(t, "sampling_rate", env.Field)
		v, err := env.ValueAny()
		require.NoError(t, err)
		assert.InDelta(t, 0.25, v.(float64), 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("config update never reached the hub")
	}
}

func TestObserver_ReplyEnvelope(t *testing.T) {
	hub, url := startProbeEndpoint(t)
	o := dialObserver(t, url)

	got := make(chan *broadcast.Envelope, 1)
	hub.SetInboundHandler(func(_ *broadcast.Conn, env *broadcast.Envelope) {
		got <- env
	})

	require.NoError(t, o.Reply("pick_next", map[string]any{"choice": "continue"}))

	select {
	case env := <-got:
		assert.Equal(t, broadcast.TypeActionResponse, env.Type)
		assert.Equal(t, "pick_next", env.Action)
		obj, err := env.DataObject()
		require.NoError(t, err)
		assert.Equal(t, "continue", obj["choice"])
	case <-time.After(2 * time.Second):
		t.Fatal("reply never reached the hub")
	}
}

func TestServerError(t *testing.T) {
	err := ServerError(broadcast.ErrorEnvelope("tensor not found: ghost"))
	require.Error(t, err)

	var se *ErrServer
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "tensor not found: ghost", se.Message)

	assert.NoError(t, ServerError(&broadcast.Envelope{Type: broadcast.TypePing}))
	assert.NoError(t, ServerError(nil))
}

func TestIsTensorNotFound(t *testing.T) {
	name, ok := IsTensorNotFound(ServerError(broadcast.ErrorEnvelope("tensor not found: ghost")))
	assert.True(t, ok)
	assert.Equal(t, "ghost", name)

	_, ok = IsTensorNotFound(ServerError(broadcast.ErrorEnvelope("tensor not encodable: ghost")))
	assert.False(t, ok)

	_, ok = IsTensorNotFound(errors.New("boom"))
	assert.False(t, ok)

	_, ok = IsTensorNotFound(nil)
	assert.False(t, ok)
}

func TestObserver_CloseStopsRecv(t *testing.T) {
	_, url := startProbeEndpoint(t)
	o := dialObserver(t, url)

	require.NoError(t, o.Close())
	_, err := o.Recv()
	require.Error(t, err)
}
