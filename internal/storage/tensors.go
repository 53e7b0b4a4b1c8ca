package storage

import (
	"time"

	"github.com/tensorlens/tensorlens/internal/core"
	"github.com/tensorlens/tensorlens/internal/diff"
	"github.com/tensorlens/tensorlens/internal/metrics"
	"github.com/tensorlens/tensorlens/internal/tensor"
)

// snapshotOverhead approximates the bookkeeping around one stored
// snapshot beyond its element data.
const snapshotOverhead = 112

// TensorStore keeps the latest snapshot per tensor name and derives
// the transmission diff as part of each put.
type TensorStore struct {
	inner *Store[*core.Snapshot]
}

// TensorInfo is the metadata view of one stored snapshot.
type TensorInfo struct {
	Name        string    `json:"name"`
	Shape       []int64   `json:"shape"`
	ElementKind string    `json:"element_kind"`
	Bytes       int       `json:"bytes"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewTensorStore builds the snapshot store with the given retention.
func NewTensorStore(retention time.Duration) *TensorStore {
	sizeOf := func(s *core.Snapshot) int {
		if s == nil || s.Payload == nil {
			return snapshotOverhead
		}
		return s.Payload.NumBytes() + snapshotOverhead
	}
	return &TensorStore{inner: NewStore("tensor", retention, sizeOf)}
}

// Put stores snap as the new state of its name and returns the diff
// against the previous state. The first observation of a name yields
// a full diff and existed=false. The retention sweep runs inside the
// swap, before the diff is computed from the two immutable snapshots.
func (ts *TensorStore) Put(snap *core.Snapshot, threshold float64) (*diff.Diff, bool) {
	prev, existed := ts.inner.Swap(snap.Name, snap)
	if !existed {
		d := diff.Full(snap.Payload)
		metrics.DiffComputationsTotal.WithLabelValues(d.Kind.String()).Inc()
		return d, false
	}

	start := time.Now()
	d := diff.Compute(prev.Payload, snap.Payload, threshold)
	metrics.DiffDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.DiffComputationsTotal.WithLabelValues(d.Kind.String()).Inc()

	if full := snap.Payload.NumBytes() + 8; d.Kind != diff.KindFull {
		if saved := full - diff.EstimateSize(d); saved > 0 {
			metrics.DiffBytesSavedTotal.Add(float64(saved))
		}
	}
	return d, true
}

// Get returns the latest snapshot under name.
func (ts *TensorStore) Get(name string) (*core.Snapshot, bool) {
	return ts.inner.Get(name)
}

// Info returns the metadata view of the snapshot under name.
func (ts *TensorStore) Info(name string) (TensorInfo, bool) {
	snap, ok := ts.inner.Get(name)
	if !ok {
		return TensorInfo{}, false
	}
	return TensorInfo{
		Name:        snap.Name,
		Shape:       snap.Payload.Shape(),
		ElementKind: snap.Payload.DType().String(),
		Bytes:       snap.Payload.NumBytes(),
		Timestamp:   snap.Timestamp,
	}, true
}

// Stats computes summary statistics for the snapshot under name.
func (ts *TensorStore) Stats(name string) (tensor.Stats, bool) {
	snap, ok := ts.inner.Get(name)
	if !ok {
		return tensor.Stats{}, false
	}
	return snap.Payload.Stats(), true
}

// Slice extracts a sub-tensor from the snapshot under name.
func (ts *TensorStore) Slice(name string, start, end []int64) (*tensor.Tensor, error) {
	snap, ok := ts.inner.Get(name)
	if !ok {
		return nil, core.NewNotFoundError("tensor", name)
	}
	return snap.Payload.Slice(start, end)
}

// Encode serializes the snapshot under name as a compressed full
// frame, suitable for bulk export.
func (ts *TensorStore) Encode(name string) ([]byte, error) {
	snap, ok := ts.inner.Get(name)
	if !ok {
		return nil, core.NewNotFoundError("tensor", name)
	}
	return diff.Marshal(diff.Full(snap.Payload))
}

// Decode reverses Encode.
func Decode(frame []byte) (*tensor.Tensor, error) {
	d, err := diff.Unmarshal(frame)
	if err != nil {
		return nil, err
	}
	if d.Kind != diff.KindFull {
		return nil, core.NewInvalidArgumentError("frame", "expected a full tensor frame")
	}
	return d.Payload, nil
}

// Remove deletes the snapshot under name.
func (ts *TensorStore) Remove(name string) bool { return ts.inner.Remove(name) }

// Names lists stored tensor names in sorted order.
func (ts *TensorStore) Names() []string { return ts.inner.Names() }

// Len returns the number of stored snapshots.
func (ts *TensorStore) Len() int { return ts.inner.Len() }

// Usage reports snapshot count and resident bytes.
func (ts *TensorStore) Usage() Usage { return ts.inner.Usage() }

// Clear purges every snapshot.
func (ts *TensorStore) Clear() { ts.inner.Clear() }
