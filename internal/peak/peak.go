// Package peak locates and refines the maximum of a sampled 1-D profile.
package peak

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Peak is a located maximum.
type Peak struct {
	Index    int     // sample index of the maximum
	Pos      float64 // sub-pixel position
	Height   float64
	Contrast float64 // (max-median)/(max-min) within the window
}

// Find looks for the maximum of values within [lo, hi]. The peak is usable
// only when it lies strictly inside the window and stands out from the
// window median by at least minContrast of the window range.
func Find(values []float64, lo, hi int, minContrast float64) (Peak, bool) {
	if lo < 0 {
		lo = 0
	}
	if hi > len(values)-1 {
		hi = len(values) - 1
	}
	if hi-lo < 2 {
		return Peak{}, false
	}
	win := values[lo : hi+1]
	i := floats.MaxIdx(win)
	max, min := win[i], floats.Min(win)
	if max <= min || i == 0 || i == len(win)-1 {
		return Peak{}, false
	}

	sorted := append([]float64(nil), win...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	contrast := (max - median) / (max - min)
	if contrast < minContrast {
		return Peak{}, false
	}

	return Peak{
		Index:    lo + i,
		Pos:      float64(lo+i) + Refine(win[i-1], win[i], win[i+1]),
		Height:   max,
		Contrast: contrast,
	}, true
}

// Refine returns the offset in (-0.5, 0.5) of the vertex of the parabola
// through three equally spaced samples centred on a local maximum.
func Refine(left, centre, right float64) float64 {
	d := left - 2*centre + right
	if d >= 0 {
		return 0
	}
	off := 0.5 * (left - right) / d
	switch {
	case off > 0.5:
		return 0.5
	case off < -0.5:
		return -0.5
	}
	return off
}
