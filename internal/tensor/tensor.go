package tensor

import (
	"fmt"
	"math"
)

// DType identifies the element kind of a Tensor.
type DType uint8

const (
	Float32 DType = iota + 1
	Float64
	Int32
	Int64
	Uint8
)

// String returns the canonical wire name of the element kind.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether the element kind is a floating-point type.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// ParseDType resolves a wire name back to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "int32":
		return Int32, nil
	case "int64":
		return Int64, nil
	case "uint8":
		return Uint8, nil
	default:
		return 0, fmt.Errorf("unknown element kind %q", s)
	}
}

// Element constrains the Go types a Tensor can hold.
type Element interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~uint8
}

// Tensor is an immutable dense numeric array in row-major order. The
// element data is copied on construction so producers may reuse their
// buffers after handing a tensor off.
type Tensor struct {
	dtype DType
	shape []int64
	data  any
}

func dtypeOf[T Element]() DType {
	var z T
	switch any(z).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	default:
		return 0
	}
}

// NumElements returns the element count implied by shape, or -1 when
// any dimension is negative.
func NumElements(shape []int64) int {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return int(n)
}

// New builds a tensor from a shape and its row-major values. The values
// slice is copied.
func New[T Element](shape []int64, values []T) (*Tensor, error) {
	n := NumElements(shape)
	if n < 0 {
		return nil, fmt.Errorf("invalid shape %v", shape)
	}
	if len(values) != n {
		return nil, fmt.Errorf("shape %v wants %d elements, got %d", shape, n, len(values))
	}
	data := make([]T, len(values))
	copy(data, values)
	return &Tensor{
		dtype: dtypeOf[T](),
		shape: append([]int64(nil), shape...),
		data:  data,
	}, nil
}

// MustNew is New that panics on error, for fixtures and literals.
func MustNew[T Element](shape []int64, values []T) *Tensor {
	t, err := New(shape, values)
	if err != nil {
		panic(err)
	}
	return t
}

// Scalar wraps a single value as a zero-dimensional tensor.
func Scalar[T Element](v T) *Tensor {
	return MustNew([]int64{}, []T{v})
}

// DType returns the element kind.
func (t *Tensor) DType() DType { return t.dtype }

// Shape returns the dimension sizes. Callers must not mutate it.
func (t *Tensor) Shape() []int64 { return t.shape }

// Len returns the total element count.
func (t *Tensor) Len() int {
	switch d := t.data.(type) {
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []int32:
		return len(d)
	case []int64:
		return len(d)
	case []uint8:
		return len(d)
	default:
		return 0
	}
}

// NumBytes returns the raw element storage size in bytes.
func (t *Tensor) NumBytes() int {
	return t.Len() * t.dtype.Size()
}

// Values returns the typed backing slice without copying. The second
// return is false when T does not match the tensor's element kind.
// Callers must not mutate the slice.
func Values[T Element](t *Tensor) ([]T, bool) {
	v, ok := t.data.([]T)
	return v, ok
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		dtype: t.dtype,
		shape: append([]int64(nil), t.shape...),
	}
	switch d := t.data.(type) {
	case []float32:
		out.data = append([]float32(nil), d...)
	case []float64:
		out.data = append([]float64(nil), d...)
	case []int32:
		out.data = append([]int32(nil), d...)
	case []int64:
		out.data = append([]int64(nil), d...)
	case []uint8:
		out.data = append([]uint8(nil), d...)
	}
	return out
}

// Equal reports structural equality: same element kind, same shape and
// bit-identical elements. NaN compares equal to NaN so round-trip
// checks hold for tensors carrying NaN payloads.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.dtype != o.dtype || !ShapeEqual(t.shape, o.shape) {
		return false
	}
	switch a := t.data.(type) {
	case []float32:
		b, _ := o.data.([]float32)
		for i := range a {
			if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
				return false
			}
		}
	case []float64:
		b, _ := o.data.([]float64)
		for i := range a {
			if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
				return false
			}
		}
	case []int32:
		b, _ := o.data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case []int64:
		b, _ := o.data.([]int64)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case []uint8:
		b, _ := o.data.([]uint8)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// Float64s returns every element widened to float64, in row-major
// order. Used by the stats and wire layers, which are lossy for
// int64 values beyond 2^53.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, 0, t.Len())
	switch d := t.data.(type) {
	case []float32:
		for _, v := range d {
			out = append(out, float64(v))
		}
	case []float64:
		out = append(out, d...)
	case []int32:
		for _, v := range d {
			out = append(out, float64(v))
		}
	case []int64:
		for _, v := range d {
			out = append(out, float64(v))
		}
	case []uint8:
		for _, v := range d {
			out = append(out, float64(v))
		}
	}
	return out
}

// FromFloat64s builds a tensor of the given kind from widened values,
// narrowing each element back to the target type.
func FromFloat64s(dt DType, shape []int64, values []float64) (*Tensor, error) {
	switch dt {
	case Float32:
		data := make([]float32, len(values))
		for i, v := range values {
			data[i] = float32(v)
		}
		return New(shape, data)
	case Float64:
		return New(shape, values)
	case Int32:
		data := make([]int32, len(values))
		for i, v := range values {
			data[i] = int32(v)
		}
		return New(shape, data)
	case Int64:
		data := make([]int64, len(values))
		for i, v := range values {
			data[i] = int64(v)
		}
		return New(shape, data)
	case Uint8:
		data := make([]uint8, len(values))
		for i, v := range values {
			data[i] = uint8(v)
		}
		return New(shape, data)
	default:
		return nil, fmt.Errorf("unknown element kind %v", dt)
	}
}

// ShapeEqual reports whether two shapes have identical rank and sizes.
func ShapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FlatIndex converts a multi-dimensional coordinate into a row-major
// flat offset.
func FlatIndex(shape, coords []int64) (int, error) {
	if len(coords) != len(shape) {
		return 0, fmt.Errorf("coordinate rank %d does not match shape rank %d", len(coords), len(shape))
	}
	flat := int64(0)
	for i, c := range coords {
		if c < 0 || c >= shape[i] {
			return 0, fmt.Errorf("coordinate %v out of bounds for shape %v", coords, shape)
		}
		flat = flat*shape[i] + c
	}
	return int(flat), nil
}

// Coords converts a row-major flat offset back into a coordinate.
func Coords(shape []int64, flat int) []int64 {
	coords := make([]int64, len(shape))
	rem := int64(flat)
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] > 0 {
			coords[i] = rem % shape[i]
			rem /= shape[i]
		}
	}
	return coords
}
