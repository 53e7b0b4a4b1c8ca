package tensor

import "fmt"

// Slice extracts a sub-tensor covering the half-open range
// [start[i], end[i]) along each dimension. The result is a copy.
func (t *Tensor) Slice(start, end []int64) (*Tensor, error) {
	if len(start) != len(t.shape) || len(end) != len(t.shape) {
		return nil, fmt.Errorf("slice rank %d/%d does not match tensor rank %d", len(start), len(end), len(t.shape))
	}
	outShape := make([]int64, len(t.shape))
	for i := range t.shape {
		if start[i] < 0 || end[i] > t.shape[i] || start[i] > end[i] {
			return nil, fmt.Errorf("slice [%d:%d) out of bounds for dimension %d of size %d", start[i], end[i], i, t.shape[i])
		}
		outShape[i] = end[i] - start[i]
	}

	switch d := t.data.(type) {
	case []float32:
		return sliceTyped(d, t.shape, start, outShape)
	case []float64:
		return sliceTyped(d, t.shape, start, outShape)
	case []int32:
		return sliceTyped(d, t.shape, start, outShape)
	case []int64:
		return sliceTyped(d, t.shape, start, outShape)
	case []uint8:
		return sliceTyped(d, t.shape, start, outShape)
	default:
		return nil, fmt.Errorf("unknown element kind %v", t.dtype)
	}
}

func sliceTyped[T Element](data []T, shape, start, outShape []int64) (*Tensor, error) {
	out := make([]T, NumElements(outShape))
	src := make([]int64, len(shape))
	for flat := range out {
		coords := Coords(outShape, flat)
		for i := range coords {
			src[i] = coords[i] + start[i]
		}
		srcFlat, err := FlatIndex(shape, src)
		if err != nil {
			return nil, err
		}
		out[flat] = data[srcFlat]
	}
	return New(outShape, out)
}
