package probe

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorlens/tensorlens/internal/broadcast"
	"github.com/tensorlens/tensorlens/internal/config"
	"github.com/tensorlens/tensorlens/internal/core"
	"github.com/tensorlens/tensorlens/internal/diff"
	"github.com/tensorlens/tensorlens/internal/tensor"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (ft *fakeTransport) Send(raw []byte) error {
	cp := append([]byte(nil), raw...)
	ft.mu.Lock()
	ft.sent = append(ft.sent, cp)
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) Close() error { return nil }

func (ft *fakeTransport) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.sent)
}

func (ft *fakeTransport) envelopes(t *testing.T) []*broadcast.Envelope {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]*broadcast.Envelope, len(ft.sent))
	for i, raw := range ft.sent {
		env, err := broadcast.Decode(raw)
		require.NoError(t, err)
		out[i] = env
	}
	return out
}

// newStartedProbe builds a probe with a running hub and one observer
// attached; the caller owns Close via t.Cleanup.
func newStartedProbe(t *testing.T, cfg *config.Config) (*Probe, *fakeTransport) {
	t.Helper()
	p, ft, _ := newStartedProbeConn(t, cfg)
	return p, ft
}

func newStartedProbeConn(t *testing.T, cfg *config.Config) (*Probe, *fakeTransport, *broadcast.Conn) {
	t.Helper()
	p, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	p.Start()
	ft := &fakeTransport{}
	conn, err := p.Hub().Connect(ft)
	require.NoError(t, err)
	return p, ft, conn
}

func waitForCount(t *testing.T, ft *fakeTransport, n int) []*broadcast.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return ft.count() >= n },
		2*time.Second, 2*time.Millisecond)
	return ft.envelopes(t)
}

func vec(vals ...float32) *tensor.Tensor {
	return tensor.MustNew([]int64{int64(len(vals))}, vals)
}

func TestNew_SecondHandleRejected(t *testing.T) {
	p1, err := New(nil, nil)
	require.NoError(t, err)

	_, err = New(nil, nil)
	assert.ErrorIs(t, err, ErrProbeExists)

	require.NoError(t, p1.Close())

	p2, err := New(nil, nil)
	require.NoError(t, err)
	require.NoError(t, p2.Close())
}

func TestClose_Idempotent(t *testing.T) {
	p, err := New(nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestNew_InvalidConfigRejected(t *testing.T) {
	cfg := config.Default()
	cfg.SamplingRate = 2

	_, err := New(cfg, nil)
	require.Error(t, err)

	// a failed construction must not burn the singleton slot
	p, err := New(nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestLogTensor_BridgeDownBeforeStart(t *testing.T) {
	p, err := New(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	err = p.LogTensor("weights", vec(1, 2, 3))
	assert.ErrorIs(t, err, broadcast.ErrLoopNotReady)
}

func TestLogTensor_FullThenDiff(t *testing.T) {
	p, ft := newStartedProbe(t, nil)

	require.NoError(t, p.LogTensor("weights", vec(1, 2, 3)))
	require.NoError(t, p.LogTensor("weights", vec(1, 9, 3)))

	envs := waitForCount(t, ft, 3) // handshake + full + diff
	assert.Equal(t, broadcast.TypeTensorFull, envs[1].Type)
	assert.Equal(t, "weights", envs[1].Name)

	require.Equal(t, broadcast.TypeTensorDiff, envs[2].Type)
	d, err := diff.Unmarshal(envs[2].Diff)
	require.NoError(t, err)
	assert.Equal(t, diff.KindSparse, d.Kind)
	assert.Equal(t, [][]int64{{1}}, d.Indices)

	// the snapshot is retained for historical queries
	snap, ok := p.TensorStore().Get("weights")
	require.True(t, ok)
	vals, _ := tensor.Values[float32](snap.Payload)
	assert.Equal(t, []float32{1, 9, 3}, vals)
}

func TestLogTensor_LightModeSkipsStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "light"
	p, ft := newStartedProbe(t, cfg)

	require.NoError(t, p.LogTensor("weights", vec(1, 2, 3, 4)))

	envs := waitForCount(t, ft, 2)
	env := envs[1]
	assert.Equal(t, broadcast.TypeTensorUpdate, env.Type)
	assert.Equal(t, []int64{4}, env.Shape)
	assert.Equal(t, "float32", env.ElementKind)
	require.NotNil(t, env.Stats)
	assert.InDelta(t, 2.5, env.Stats.Mean, 1e-9)
	assert.Empty(t, env.Data)

	assert.Equal(t, 0, p.TensorStore().Len())
}

func TestLogTensor_SamplingDropsSilently(t *testing.T) {
	cfg := config.Default()
	cfg.SamplingRate = 0.5
	p, ft := newStartedProbe(t, cfg)

	p.sample = func() float64 { return 0.9 } // above the rate: dropped
	require.NoError(t, p.LogTensor("weights", vec(1)))
	assert.Equal(t, 0, p.TensorStore().Len())

	p.sample = func() float64 { return 0.1 } // below the rate: kept
	require.NoError(t, p.LogTensor("weights", vec(1)))

	envs := waitForCount(t, ft, 2)
	assert.Equal(t, broadcast.TypeTensorFull, envs[1].Type)
}

func TestLogTensor_SizeCap(t *testing.T) {
	cfg := config.Default()
	cfg.MaxTensorBytes = 8
	p, _ := newStartedProbe(t, cfg)

	err := p.LogTensor("weights", vec(1, 2, 3)) // 12 bytes of float32
	var exhausted *core.ErrResourceExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 0, p.TensorStore().Len())
}

func TestLogTensor_Validation(t *testing.T) {
	p, _ := newStartedProbe(t, nil)

	var invalid *core.ErrInvalidArgument
	assert.ErrorAs(t, p.LogTensor("", vec(1)), &invalid)
	assert.ErrorAs(t, p.LogTensor("weights", nil), &invalid)
}

func TestLogMetrics_StoresAndBroadcasts(t *testing.T) {
	p, ft := newStartedProbe(t, nil)

	step := int64(7)
	require.NoError(t, p.LogMetrics(map[string]float64{"loss": 0.5, "acc": 0.9}, &step))

	envs := waitForCount(t, ft, 2)
	env := envs[1]
	assert.Equal(t, broadcast.TypeMetricsUpdate, env.Type)
	assert.Equal(t, 0.5, env.Metrics["loss"])
	require.NotNil(t, env.Step)
	assert.Equal(t, int64(7), *env.Step)

	hist := p.MetricsHistory()
	require.Len(t, hist["loss"], 1)
	assert.Equal(t, 0.5, hist["loss"][0].Value)

	assert.NoError(t, p.LogMetrics(nil, nil))
}

func TestObserve_BreakpointFiresAndResumes(t *testing.T) {
	p, ft := newStartedProbe(t, nil)
	p.SetBreakpoint("weights", nil)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, p.Observe("weights", vec(1, 2)))
		close(done)
	}()

	// tensor_full, breakpoint_hit, then the offending payload
	envs := waitForCount(t, ft, 4)
	assert.Equal(t, broadcast.TypeTensorFull, envs[1].Type)
	assert.Equal(t, broadcast.TypeBreakpointHit, envs[2].Type)
	assert.Equal(t, "weights", envs[2].Name)
	assert.Equal(t, "breakpoint_weights", envs[2].TensorName)
	assert.Equal(t, broadcast.TypeTensorFull, envs[3].Type)
	assert.Equal(t, "breakpoint_weights", envs[3].Name)

	// the offending snapshot is queryable while the producer is parked
	_, ok := p.TensorStore().Get("breakpoint_weights")
	assert.True(t, ok)

	select {
	case <-done:
		t.Fatal("Observe returned before resume")
	case <-time.After(50 * time.Millisecond):
	}

	p.Engine().Resume("weights")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not unblock on resume")
	}
}

func TestHandleBreakpoint_NoMatchNoBlock(t *testing.T) {
	p, _ := newStartedProbe(t, nil)
	p.SetBreakpoint("weights", func(*core.Snapshot) (bool, error) { return false, nil })

	start := time.Now()
	p.HandleBreakpoint("weights", vec(1))
	assert.Less(t, time.Since(start), time.Second)
}

func TestInbound_RequestTensor(t *testing.T) {
	p, ft, conn := newStartedProbeConn(t, nil)
	require.NoError(t, p.LogTensor("weights", vec(1, 2, 3)))
	waitForCount(t, ft, 2)

	raw, _ := broadcast.Encode(&broadcast.Envelope{
		Type:       broadcast.TypeRequestTensor,
		TensorName: "weights",
	})
	p.Hub().HandleInbound(conn, raw)

	envs := waitForCount(t, ft, 3)
	reply := envs[len(envs)-1]
	assert.Equal(t, broadcast.TypeTensorData, reply.Type)
	assert.Equal(t, "weights", reply.TensorName)
	vals, err := reply.DataFloats()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, vals)
}

func TestInbound_RequestTensorMissing(t *testing.T) {
	p, ft, conn := newStartedProbeConn(t, nil)

	raw, _ := broadcast.Encode(&broadcast.Envelope{
		Type:       broadcast.TypeRequestTensor,
		TensorName: "ghost",
	})
	p.Hub().HandleInbound(conn, raw)

	envs := waitForCount(t, ft, 2)
	reply := envs[len(envs)-1]
	assert.Equal(t, broadcast.TypeError, reply.Type)
	assert.Contains(t, reply.Message, "ghost")
}

func TestInbound_ConfigUpdate(t *testing.T) {
	p, _, conn := newStartedProbeConn(t, nil)

	env := &broadcast.Envelope{Type: broadcast.TypeConfigUpdate, Field: "sampling_rate"}
	require.NoError(t, env.SetValue(0.25))
	raw, _ := broadcast.Encode(env)
	p.Hub().HandleInbound(conn, raw)

	assert.Equal(t, 0.25, p.Config().Runtime().SamplingRate)
}

func TestInbound_ConfigUpdateUnknownField(t *testing.T) {
	p, ft, conn := newStartedProbeConn(t, nil)

	env := &broadcast.Envelope{Type: broadcast.TypeConfigUpdate, Field: "warp_factor"}
	require.NoError(t, env.SetValue(9))
	raw, _ := broadcast.Encode(env)
	p.Hub().HandleInbound(conn, raw)

	envs := waitForCount(t, ft, 2)
	reply := envs[len(envs)-1]
	assert.Equal(t, broadcast.TypeError, reply.Type)

	var unknown *config.ErrUnknownConfigField
	assert.True(t, errors.As(p.ApplyConfigUpdate("warp_factor", 9), &unknown))
}

func TestApplyConfigUpdate_PushesTimeouts(t *testing.T) {
	p, _ := newStartedProbe(t, nil)

	require.NoError(t, p.ApplyConfigUpdate("breakpoint_timeout", "90s"))
	assert.Equal(t, 90*time.Second, p.Engine().Timeout())
}

func TestClearTensorCache_NextLogIsFull(t *testing.T) {
	p, ft := newStartedProbe(t, nil)

	require.NoError(t, p.LogTensor("weights", vec(1, 2)))
	p.ClearTensorCache()
	require.NoError(t, p.LogTensor("weights", vec(1, 2)))

	envs := waitForCount(t, ft, 3)
	assert.Equal(t, broadcast.TypeTensorFull, envs[1].Type)
	assert.Equal(t, broadcast.TypeTensorFull, envs[2].Type)
}

func TestUsage_CountsAllStores(t *testing.T) {
	p, _ := newStartedProbe(t, nil)

	require.NoError(t, p.LogTensor("weights", vec(1, 2)))
	require.NoError(t, p.LogMetrics(map[string]float64{"loss": 1}, nil))
	p.SetBreakpoint("guard", nil)

	u := p.Usage()
	assert.Equal(t, 1, u.Tensors.Count)
	assert.Equal(t, 1, u.Metrics.Count)
	assert.Equal(t, 1, u.Breakpoints.Count)
}
