package breakpoint

import (
	"github.com/tensorlens/tensorlens/internal/core"
)

// HasNaN fires when any element of the snapshot payload is NaN.
func HasNaN() core.Predicate {
	return func(snap *core.Snapshot) (bool, error) {
		return snap.Payload.HasNaN(), nil
	}
}

// HasInf fires when any element of the snapshot payload is infinite.
func HasInf() core.Predicate {
	return func(snap *core.Snapshot) (bool, error) {
		return snap.Payload.HasInf(), nil
	}
}

// ExceedsThreshold fires when any element's magnitude is above limit.
func ExceedsThreshold(limit float64) core.Predicate {
	return func(snap *core.Snapshot) (bool, error) {
		return snap.Payload.MaxAbs() > limit, nil
	}
}
