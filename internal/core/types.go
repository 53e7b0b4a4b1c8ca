package core

import (
	"time"

	"github.com/tensorlens/tensorlens/internal/tensor"
)

// Snapshot is one named, timestamped observation of a tensor's full
// state. Snapshots are immutable once built; the diff engine and the
// stores share them freely across goroutines.
type Snapshot struct {
	Name      string
	Payload   *tensor.Tensor
	Timestamp time.Time
}

// NewSnapshot builds a snapshot stamped with the current time.
func NewSnapshot(name string, payload *tensor.Tensor) *Snapshot {
	return &Snapshot{Name: name, Payload: payload, Timestamp: time.Now()}
}

// MetricPoint is a single scalar observation of a named training
// metric. Step is nil when the producer did not supply one.
type MetricPoint struct {
	Value     float64   `json:"value"`
	Step      *int64    `json:"step,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Predicate evaluates a snapshot for a breakpoint. Returning true
// arms the hit path. A panicking or erroring predicate counts as
// false for that evaluation.
type Predicate func(*Snapshot) (bool, error)

// BreakpointState tracks where a breakpoint is in its lifecycle.
type BreakpointState string

const (
	// StateArmed means the breakpoint is registered and checking.
	StateArmed BreakpointState = "armed"
	// StateWaiting means a producer is blocked on this breakpoint.
	StateWaiting BreakpointState = "waiting"
	// StateDisabled means checks short-circuit to false.
	StateDisabled BreakpointState = "disabled"
)

// BreakpointHit records a single firing of a breakpoint.
type BreakpointHit struct {
	SnapshotName string    `json:"snapshot_name"`
	Timestamp    time.Time `json:"timestamp"`
}

// BreakpointRecord is the stored form of a registered breakpoint.
// The concurrent store owns the record; mutation happens under the
// store lock via its update primitives.
type BreakpointRecord struct {
	Name      string
	Predicate Predicate
	State     BreakpointState
	HitCount  int64
	CreatedAt time.Time
	Hits      []BreakpointHit
}

// Enabled reports whether checks against this breakpoint may fire.
func (r *BreakpointRecord) Enabled() bool {
	return r.State != StateDisabled
}
