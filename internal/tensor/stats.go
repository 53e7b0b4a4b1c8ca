package tensor

import (
	"fmt"
	"math"
)

// Stats summarizes a tensor for lightweight streaming: observers that
// do not need element data render these instead.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Norm float64 `json:"norm"`
}

// Stats computes summary statistics over every element. An empty
// tensor yields the zero Stats.
func (t *Tensor) Stats() Stats {
	vals := t.Float64s()
	if len(vals) == 0 {
		return Stats{}
	}

	var sum, sumSq float64
	min, max := vals[0], vals[0]
	for _, v := range vals {
		sum += v
		sumSq += v * v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	n := float64(len(vals))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Stats{
		Mean: mean,
		Std:  math.Sqrt(variance),
		Min:  min,
		Max:  max,
		Norm: math.Sqrt(sumSq),
	}
}

// HasNaN reports whether any element is NaN. Integer tensors never
// carry NaN.
func (t *Tensor) HasNaN() bool {
	switch d := t.data.(type) {
	case []float32:
		for _, v := range d {
			if math.IsNaN(float64(v)) {
				return true
			}
		}
	case []float64:
		for _, v := range d {
			if math.IsNaN(v) {
				return true
			}
		}
	}
	return false
}

// HasInf reports whether any element is +Inf or -Inf.
func (t *Tensor) HasInf() bool {
	switch d := t.data.(type) {
	case []float32:
		for _, v := range d {
			if math.IsInf(float64(v), 0) {
				return true
			}
		}
	case []float64:
		for _, v := range d {
			if math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// MaxAbs returns the largest absolute element value, widened to
// float64. Zero for an empty tensor.
func (t *Tensor) MaxAbs() float64 {
	var max float64
	for _, v := range t.Float64s() {
		if a := math.Abs(v); a > max {
			max = a
		}
	}
	return max
}

// FormatBytes renders a byte count in a human-readable unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
