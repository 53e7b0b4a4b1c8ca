// Package diff compresses snapshot-to-snapshot tensor changes into
// one of three variants: no change, full replacement, or a sparse set
// of changed elements. Sparse is only kept when it is actually
// smaller than resending everything.
package diff

import (
	"errors"
	"fmt"
	"math"

	"github.com/tensorlens/tensorlens/internal/tensor"
)

// ErrUnknownKind is returned when a diff carries a kind this version
// does not understand.
var ErrUnknownKind = errors.New("unknown diff kind")

// Kind discriminates the three diff variants.
type Kind uint8

const (
	KindNoChange Kind = iota + 1
	KindFull
	KindSparse
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNoChange:
		return "no_change"
	case KindFull:
		return "full"
	case KindSparse:
		return "sparse"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Diff describes how one snapshot became the next. Exactly the fields
// for its Kind are set: Payload for full, Shape/Indices/Values for
// sparse, nothing for no-change.
type Diff struct {
	Kind    Kind
	Payload *tensor.Tensor
	Shape   []int64
	Indices [][]int64
	Values  *tensor.Tensor
}

// NoChange builds the empty diff.
func NoChange() *Diff {
	return &Diff{Kind: KindNoChange}
}

// Full builds a diff carrying a complete replacement payload.
func Full(payload *tensor.Tensor) *Diff {
	return &Diff{Kind: KindFull, Payload: payload}
}

// Sparse builds a diff carrying changed coordinates and their new
// values. Values is rank-1 with one element per coordinate.
func Sparse(shape []int64, indices [][]int64, values *tensor.Tensor) *Diff {
	return &Diff{Kind: KindSparse, Shape: shape, Indices: indices, Values: values}
}

// Compute derives the smallest diff that turns prev into next. Shape
// or element-kind mismatches always produce a full diff, as does a
// change touching more than half the elements. Float elements count
// as changed when |next-prev| exceeds threshold; integer elements on
// exact inequality. NaN never exceeds a threshold, so transitions
// into NaN are visible only through full diffs and breakpoints.
func Compute(prev, next *tensor.Tensor, threshold float64) *Diff {
	if prev == nil {
		return Full(next)
	}
	if prev.DType() != next.DType() || !tensor.ShapeEqual(prev.Shape(), next.Shape()) {
		return Full(next)
	}

	flats := changedOffsets(prev, next, threshold)
	if len(flats) == 0 {
		return NoChange()
	}
	if len(flats)*2 > next.Len() {
		return Full(next)
	}

	shape := next.Shape()
	indices := make([][]int64, len(flats))
	for i, flat := range flats {
		indices[i] = tensor.Coords(shape, flat)
	}
	values := gatherValues(next, flats)
	return Sparse(append([]int64(nil), shape...), indices, values)
}

func changedOffsets(prev, next *tensor.Tensor, threshold float64) []int {
	var flats []int
	switch next.DType() {
	case tensor.Float32:
		a, _ := tensor.Values[float32](prev)
		b, _ := tensor.Values[float32](next)
		for i := range b {
			if math.Abs(float64(b[i])-float64(a[i])) > threshold {
				flats = append(flats, i)
			}
		}
	case tensor.Float64:
		a, _ := tensor.Values[float64](prev)
		b, _ := tensor.Values[float64](next)
		for i := range b {
			if math.Abs(b[i]-a[i]) > threshold {
				flats = append(flats, i)
			}
		}
	case tensor.Int32:
		a, _ := tensor.Values[int32](prev)
		b, _ := tensor.Values[int32](next)
		for i := range b {
			if a[i] != b[i] {
				flats = append(flats, i)
			}
		}
	case tensor.Int64:
		a, _ := tensor.Values[int64](prev)
		b, _ := tensor.Values[int64](next)
		for i := range b {
			if a[i] != b[i] {
				flats = append(flats, i)
			}
		}
	case tensor.Uint8:
		a, _ := tensor.Values[uint8](prev)
		b, _ := tensor.Values[uint8](next)
		for i := range b {
			if a[i] != b[i] {
				flats = append(flats, i)
			}
		}
	}
	return flats
}

func gatherValues(t *tensor.Tensor, flats []int) *tensor.Tensor {
	n := int64(len(flats))
	switch t.DType() {
	case tensor.Float32:
		return gatherTyped[float32](t, flats, n)
	case tensor.Float64:
		return gatherTyped[float64](t, flats, n)
	case tensor.Int32:
		return gatherTyped[int32](t, flats, n)
	case tensor.Int64:
		return gatherTyped[int64](t, flats, n)
	default:
		return gatherTyped[uint8](t, flats, n)
	}
}

func gatherTyped[T tensor.Element](t *tensor.Tensor, flats []int, n int64) *tensor.Tensor {
	src, _ := tensor.Values[T](t)
	out := make([]T, len(flats))
	for i, f := range flats {
		out[i] = src[f]
	}
	return tensor.MustNew([]int64{n}, out)
}

// Apply reconstructs the next snapshot payload from the previous one
// and a diff. No-change returns prev unchanged; full returns the
// replacement payload; sparse clones prev and overwrites the changed
// coordinates.
func Apply(prev *tensor.Tensor, d *Diff) (*tensor.Tensor, error) {
	switch d.Kind {
	case KindNoChange:
		return prev, nil
	case KindFull:
		return d.Payload, nil
	case KindSparse:
		if prev == nil {
			return nil, fmt.Errorf("sparse diff needs a base tensor")
		}
		if !tensor.ShapeEqual(prev.Shape(), d.Shape) {
			return nil, fmt.Errorf("sparse diff shape %v does not match base shape %v", d.Shape, prev.Shape())
		}
		if d.Values == nil || d.Values.DType() != prev.DType() {
			return nil, fmt.Errorf("sparse diff element kind does not match base")
		}
		if d.Values.Len() != len(d.Indices) {
			return nil, fmt.Errorf("sparse diff carries %d values for %d coordinates", d.Values.Len(), len(d.Indices))
		}
		switch prev.DType() {
		case tensor.Float32:
			return scatter[float32](prev, d)
		case tensor.Float64:
			return scatter[float64](prev, d)
		case tensor.Int32:
			return scatter[int32](prev, d)
		case tensor.Int64:
			return scatter[int64](prev, d)
		default:
			return scatter[uint8](prev, d)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(d.Kind))
	}
}

func scatter[T tensor.Element](prev *tensor.Tensor, d *Diff) (*tensor.Tensor, error) {
	out := prev.Clone()
	dst, _ := tensor.Values[T](out)
	vals, _ := tensor.Values[T](d.Values)
	for i, coords := range d.Indices {
		flat, err := tensor.FlatIndex(d.Shape, coords)
		if err != nil {
			return nil, err
		}
		dst[flat] = vals[i]
	}
	return out, nil
}

// EstimateSize approximates the in-memory cost of a diff in bytes.
// Every variant carries an 8-byte fixed overhead; sparse adds 8 bytes
// per coordinate component plus the value payload and shape.
func EstimateSize(d *Diff) int {
	const overhead = 8
	switch d.Kind {
	case KindFull:
		return d.Payload.NumBytes() + overhead
	case KindSparse:
		ndim := len(d.Shape)
		return len(d.Indices)*ndim*8 + d.Values.NumBytes() + ndim*8 + overhead
	default:
		return overhead
	}
}
