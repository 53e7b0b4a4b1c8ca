package diff

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/snappy"

	"github.com/tensorlens/tensorlens/internal/tensor"
)

// Wire format, snappy-compressed as a whole frame:
//
//	[0]    version
//	[1]    kind
//	full:   dtype, ndim u32, shape i64*ndim, elements LE
//	sparse: dtype, ndim u32, shape i64*ndim, count u64,
//	        indices i64*count*ndim, elements LE
const codecVersion = 1

// Marshal encodes a diff into its compressed wire frame.
func Marshal(d *Diff) ([]byte, error) {
	buf := []byte{codecVersion, byte(d.Kind)}

	switch d.Kind {
	case KindNoChange:
	case KindFull:
		if d.Payload == nil {
			return nil, fmt.Errorf("full diff missing payload")
		}
		buf = append(buf, byte(d.Payload.DType()))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Payload.Shape())))
		for _, dim := range d.Payload.Shape() {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(dim))
		}
		buf = appendElements(buf, d.Payload)
	case KindSparse:
		if d.Values == nil {
			return nil, fmt.Errorf("sparse diff missing values")
		}
		buf = append(buf, byte(d.Values.DType()))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Shape)))
		for _, dim := range d.Shape {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(dim))
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(d.Indices)))
		for _, coords := range d.Indices {
			if len(coords) != len(d.Shape) {
				return nil, fmt.Errorf("coordinate rank %d does not match shape rank %d", len(coords), len(d.Shape))
			}
			for _, c := range coords {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(c))
			}
		}
		buf = appendElements(buf, d.Values)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(d.Kind))
	}

	return snappy.Encode(nil, buf), nil
}

// Unmarshal decodes a compressed wire frame back into a diff.
func Unmarshal(frame []byte) (*Diff, error) {
	buf, err := snappy.Decode(nil, frame)
	if err != nil {
		return nil, fmt.Errorf("decompress diff frame: %w", err)
	}
	r := &frameReader{buf: buf}

	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != codecVersion {
		return nil, fmt.Errorf("unsupported diff frame version %d", version)
	}
	kindByte, err := r.byte()
	if err != nil {
		return nil, err
	}

	switch Kind(kindByte) {
	case KindNoChange:
		return NoChange(), nil

	case KindFull:
		dt, shape, err := r.header()
		if err != nil {
			return nil, err
		}
		payload, err := r.elements(dt, shape)
		if err != nil {
			return nil, err
		}
		return Full(payload), nil

	case KindSparse:
		dt, shape, err := r.header()
		if err != nil {
			return nil, err
		}
		count, err := r.uint64()
		if err != nil {
			return nil, err
		}
		indices := make([][]int64, count)
		for i := range indices {
			coords := make([]int64, len(shape))
			for j := range coords {
				v, err := r.uint64()
				if err != nil {
					return nil, err
				}
				coords[j] = int64(v)
			}
			indices[i] = coords
		}
		values, err := r.elements(dt, []int64{int64(count)})
		if err != nil {
			return nil, err
		}
		return Sparse(shape, indices, values), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kindByte)
	}
}

func appendElements(buf []byte, t *tensor.Tensor) []byte {
	switch t.DType() {
	case tensor.Float32:
		vals, _ := tensor.Values[float32](t)
		for _, v := range vals {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	case tensor.Float64:
		vals, _ := tensor.Values[float64](t)
		for _, v := range vals {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	case tensor.Int32:
		vals, _ := tensor.Values[int32](t)
		for _, v := range vals {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		}
	case tensor.Int64:
		vals, _ := tensor.Values[int64](t)
		for _, v := range vals {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
	case tensor.Uint8:
		vals, _ := tensor.Values[uint8](t)
		buf = append(buf, vals...)
	}
	return buf
}

type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("truncated diff frame at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *frameReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("truncated diff frame at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *frameReader) uint64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("truncated diff frame at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// header reads the dtype byte, rank and shape shared by full and
// sparse frames.
func (r *frameReader) header() (tensor.DType, []int64, error) {
	dtByte, err := r.byte()
	if err != nil {
		return 0, nil, err
	}
	dt := tensor.DType(dtByte)
	if dt.Size() == 0 {
		return 0, nil, fmt.Errorf("unknown element kind %d in diff frame", dtByte)
	}
	ndim, err := r.uint32()
	if err != nil {
		return 0, nil, err
	}
	if int(ndim) > (len(r.buf)-r.off)/8 {
		return 0, nil, fmt.Errorf("diff frame rank %d exceeds remaining bytes", ndim)
	}
	shape := make([]int64, ndim)
	for i := range shape {
		v, err := r.uint64()
		if err != nil {
			return 0, nil, err
		}
		shape[i] = int64(v)
	}
	return dt, shape, nil
}

func (r *frameReader) elements(dt tensor.DType, shape []int64) (*tensor.Tensor, error) {
	n := tensor.NumElements(shape)
	if n < 0 {
		return nil, fmt.Errorf("invalid shape %v in diff frame", shape)
	}
	need := n * dt.Size()
	if r.off+need > len(r.buf) {
		return nil, fmt.Errorf("diff frame wants %d element bytes, %d remain", need, len(r.buf)-r.off)
	}
	raw := r.buf[r.off : r.off+need]
	r.off += need

	switch dt {
	case tensor.Float32:
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return tensor.New(shape, vals)
	case tensor.Float64:
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return tensor.New(shape, vals)
	case tensor.Int32:
		vals := make([]int32, n)
		for i := range vals {
			vals[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return tensor.New(shape, vals)
	case tensor.Int64:
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return tensor.New(shape, vals)
	default:
		vals := make([]uint8, n)
		copy(vals, raw)
		return tensor.New(shape, vals)
	}
}
