package storage

import (
	"time"

	"github.com/tensorlens/tensorlens/internal/core"
)

// recordBytes approximates one breakpoint record without its hits.
const recordBytes = 96

// BreakpointStore keeps registered breakpoints. Breakpoints never
// expire: the store runs with retention disabled, so a forgotten
// breakpoint stays armed until removed.
type BreakpointStore struct {
	inner      *Store[*core.BreakpointRecord]
	hitHistory int
}

// BreakpointInfo is the listing view of one breakpoint.
type BreakpointInfo struct {
	Name      string               `json:"name"`
	State     core.BreakpointState `json:"state"`
	HitCount  int64                `json:"hit_count"`
	CreatedAt time.Time            `json:"created_at"`
}

// BreakpointTotals aggregates the whole store.
type BreakpointTotals struct {
	Registered int   `json:"registered"`
	Enabled    int   `json:"enabled"`
	Waiting    int   `json:"waiting"`
	TotalHits  int64 `json:"total_hits"`
}

// NewBreakpointStore builds the record store. hitHistory caps the
// retained hits per breakpoint.
func NewBreakpointStore(hitHistory int) *BreakpointStore {
	sizeOf := func(r *core.BreakpointRecord) int {
		if r == nil {
			return 0
		}
		return recordBytes + len(r.Hits)*40
	}
	return &BreakpointStore{
		inner:      NewStore("breakpoint", 0, sizeOf),
		hitHistory: hitHistory,
	}
}

// Register creates or replaces the breakpoint under name. A nil
// predicate fires on every check. Re-registering resets hit state.
func (bs *BreakpointStore) Register(name string, pred core.Predicate) {
	bs.inner.Swap(name, &core.BreakpointRecord{
		Name:      name,
		Predicate: pred,
		State:     core.StateArmed,
		CreatedAt: time.Now(),
	})
}

// Lookup reads the predicate and enablement of one breakpoint.
func (bs *BreakpointStore) Lookup(name string) (pred core.Predicate, enabled, ok bool) {
	ok = bs.inner.View(name, func(r *core.BreakpointRecord) {
		pred = r.Predicate
		enabled = r.Enabled()
	})
	return pred, enabled, ok
}

// SetEnabled arms or disables one breakpoint. Disabling a waiting
// breakpoint does not release its producer; resume handles that.
func (bs *BreakpointStore) SetEnabled(name string, enabled bool) bool {
	return bs.inner.Mutate(name, func(r *core.BreakpointRecord) *core.BreakpointRecord {
		if enabled && r.State == core.StateDisabled {
			r.State = core.StateArmed
		} else if !enabled {
			r.State = core.StateDisabled
		}
		return r
	})
}

// SetState transitions one breakpoint's lifecycle state.
func (bs *BreakpointStore) SetState(name string, state core.BreakpointState) bool {
	return bs.inner.Mutate(name, func(r *core.BreakpointRecord) *core.BreakpointRecord {
		r.State = state
		return r
	})
}

// RecordHit appends a hit and bumps the counter, dropping the oldest
// retained hit beyond the history cap.
func (bs *BreakpointStore) RecordHit(name, snapshotName string) bool {
	return bs.inner.Mutate(name, func(r *core.BreakpointRecord) *core.BreakpointRecord {
		r.HitCount++
		r.Hits = append(r.Hits, core.BreakpointHit{
			SnapshotName: snapshotName,
			Timestamp:    time.Now(),
		})
		if len(r.Hits) > bs.hitHistory {
			r.Hits = r.Hits[len(r.Hits)-bs.hitHistory:]
		}
		return r
	})
}

// Hits copies the retained hit history of one breakpoint.
func (bs *BreakpointStore) Hits(name string) ([]core.BreakpointHit, bool) {
	var out []core.BreakpointHit
	ok := bs.inner.View(name, func(r *core.BreakpointRecord) {
		out = append([]core.BreakpointHit(nil), r.Hits...)
	})
	return out, ok
}

// ClearHits resets the hit history and counter of one breakpoint.
func (bs *BreakpointStore) ClearHits(name string) bool {
	return bs.inner.Mutate(name, func(r *core.BreakpointRecord) *core.BreakpointRecord {
		r.HitCount = 0
		r.Hits = nil
		return r
	})
}

// Info returns the listing view of one breakpoint.
func (bs *BreakpointStore) Info(name string) (BreakpointInfo, bool) {
	var info BreakpointInfo
	ok := bs.inner.View(name, func(r *core.BreakpointRecord) {
		info = BreakpointInfo{Name: r.Name, State: r.State, HitCount: r.HitCount, CreatedAt: r.CreatedAt}
	})
	return info, ok
}

// All returns the listing view of every breakpoint, sorted by name.
func (bs *BreakpointStore) All() []BreakpointInfo {
	names := bs.inner.Names()
	out := make([]BreakpointInfo, 0, len(names))
	for _, name := range names {
		if info, ok := bs.Info(name); ok {
			out = append(out, info)
		}
	}
	return out
}

// Active returns the breakpoints that have fired at least once, sorted
// by name.
func (bs *BreakpointStore) Active() []BreakpointInfo {
	all := bs.All()
	out := all[:0]
	for _, info := range all {
		if info.HitCount > 0 {
			out = append(out, info)
		}
	}
	return out
}

// Totals aggregates the whole store.
func (bs *BreakpointStore) Totals() BreakpointTotals {
	var t BreakpointTotals
	bs.inner.Range(func(_ string, r *core.BreakpointRecord) bool {
		t.Registered++
		if r.Enabled() {
			t.Enabled++
		}
		if r.State == core.StateWaiting {
			t.Waiting++
		}
		t.TotalHits += r.HitCount
		return true
	})
	return t
}

// Remove deletes one breakpoint.
func (bs *BreakpointStore) Remove(name string) bool { return bs.inner.Remove(name) }

// Clear deletes every registered breakpoint.
func (bs *BreakpointStore) Clear() { bs.inner.Clear() }

// Names lists breakpoint names in sorted order.
func (bs *BreakpointStore) Names() []string { return bs.inner.Names() }

// Usage reports record count and estimated resident bytes.
func (bs *BreakpointStore) Usage() Usage { return bs.inner.Usage() }
