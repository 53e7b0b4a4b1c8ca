package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorlens/tensorlens/internal/core"
)

func TestBreakpointStore_RegisterAndLookup(t *testing.T) {
	bs := NewBreakpointStore(10)

	bs.Register("nan_check", func(s *core.Snapshot) (bool, error) {
		return s.Payload.HasNaN(), nil
	})

	pred, enabled, ok := bs.Lookup("nan_check")
	require.True(t, ok)
	assert.True(t, enabled)
	assert.NotNil(t, pred)

	_, _, ok = bs.Lookup("missing")
	assert.False(t, ok)
}

func TestBreakpointStore_NilPredicateAllowed(t *testing.T) {
	bs := NewBreakpointStore(10)
	bs.Register("always", nil)

	pred, enabled, ok := bs.Lookup("always")
	require.True(t, ok)
	assert.True(t, enabled)
	assert.Nil(t, pred)
}

func TestBreakpointStore_EnableDisable(t *testing.T) {
	bs := NewBreakpointStore(10)
	bs.Register("bp", nil)

	require.True(t, bs.SetEnabled("bp", false))
	_, enabled, _ := bs.Lookup("bp")
	assert.False(t, enabled)

	info, _ := bs.Info("bp")
	assert.Equal(t, core.StateDisabled, info.State)

	require.True(t, bs.SetEnabled("bp", true))
	_, enabled, _ = bs.Lookup("bp")
	assert.True(t, enabled)

	assert.False(t, bs.SetEnabled("missing", true))
}

func TestBreakpointStore_RecordHitBoundsHistory(t *testing.T) {
	bs := NewBreakpointStore(2)
	bs.Register("bp", nil)

	require.True(t, bs.RecordHit("bp", "first"))
	require.True(t, bs.RecordHit("bp", "second"))
	require.True(t, bs.RecordHit("bp", "third"))

	hits, ok := bs.Hits("bp")
	require.True(t, ok)
	require.Len(t, hits, 2)
	assert.Equal(t, "second", hits[0].SnapshotName)
	assert.Equal(t, "third", hits[1].SnapshotName)

	info, _ := bs.Info("bp")
	assert.Equal(t, int64(3), info.HitCount)

	assert.False(t, bs.RecordHit("missing", "x"))
}

func TestBreakpointStore_ReRegisterResetsHits(t *testing.T) {
	bs := NewBreakpointStore(10)
	bs.Register("bp", nil)
	bs.RecordHit("bp", "snap")

	bs.Register("bp", nil)
	info, _ := bs.Info("bp")
	assert.Equal(t, int64(0), info.HitCount)
}

func TestBreakpointStore_ClearHits(t *testing.T) {
	bs := NewBreakpointStore(10)
	bs.Register("bp", nil)
	bs.RecordHit("bp", "snap")

	require.True(t, bs.ClearHits("bp"))
	hits, _ := bs.Hits("bp")
	assert.Empty(t, hits)

	info, _ := bs.Info("bp")
	assert.Equal(t, int64(0), info.HitCount)
}

func TestBreakpointStore_StateTransitions(t *testing.T) {
	bs := NewBreakpointStore(10)
	bs.Register("bp", nil)

	require.True(t, bs.SetState("bp", core.StateWaiting))
	info, _ := bs.Info("bp")
	assert.Equal(t, core.StateWaiting, info.State)

	// waiting still counts as enabled for checks
	_, enabled, _ := bs.Lookup("bp")
	assert.True(t, enabled)

	assert.False(t, bs.SetState("missing", core.StateArmed))
}

func TestBreakpointStore_AllSortedAndTotals(t *testing.T) {
	bs := NewBreakpointStore(10)
	bs.Register("zeta", nil)
	bs.Register("alpha", nil)
	bs.Register("mid", nil)

	bs.SetEnabled("mid", false)
	bs.SetState("zeta", core.StateWaiting)
	bs.RecordHit("alpha", "snap")
	bs.RecordHit("alpha", "snap")

	all := bs.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "mid", all[1].Name)
	assert.Equal(t, "zeta", all[2].Name)

	totals := bs.Totals()
	assert.Equal(t, 3, totals.Registered)
	assert.Equal(t, 2, totals.Enabled)
	assert.Equal(t, 1, totals.Waiting)
	assert.Equal(t, int64(2), totals.TotalHits)

	active := bs.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "alpha", active[0].Name)
}

func TestBreakpointStore_NeverExpires(t *testing.T) {
	clock := newFakeClock()
	bs := NewBreakpointStore(10)
	bs.inner.now = clock.now

	bs.Register("old", nil)
	clock.advance(1000 * time.Hour)
	bs.Register("new", nil)

	_, _, ok := bs.Lookup("old")
	assert.True(t, ok)
}
