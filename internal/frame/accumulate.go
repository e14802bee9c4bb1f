package frame

import "fmt"

// Accumulator keeps the pixel-wise running sum and running maximum of the
// frames folded into it. The zero value is ready to use; the first frame
// fixes the shape.
type Accumulator struct {
	Sum   *Frame
	Peak  *Frame
	Count int
}

// Add folds f into the accumulator.
func (a *Accumulator) Add(f *Frame) error {
	if a.Sum == nil {
		a.Sum = f.Clone()
		a.Peak = f.Clone()
		a.Count = 1
		return nil
	}
	if !a.Sum.SameShape(f) {
		return fmt.Errorf("accumulate frame %d: shape %dx%dx%d does not match %dx%dx%d",
			f.Index, f.Width, f.Height, f.Channels, a.Sum.Width, a.Sum.Height, a.Sum.Channels)
	}
	for c := range f.Planes {
		src, sum, peak := f.Planes[c], a.Sum.Planes[c], a.Peak.Planes[c]
		for i, v := range src {
			sum[i] += v
			if v > peak[i] {
				peak[i] = v
			}
		}
	}
	a.Count++
	return nil
}

// Merge folds another accumulator into a. Merging is associative and
// commutative up to floating point rounding of the sums.
func (a *Accumulator) Merge(b *Accumulator) error {
	if b == nil || b.Count == 0 {
		return nil
	}
	if a.Sum == nil {
		a.Sum = b.Sum.Clone()
		a.Peak = b.Peak.Clone()
		a.Count = b.Count
		return nil
	}
	if !a.Sum.SameShape(b.Sum) {
		return fmt.Errorf("merge accumulators: shape mismatch")
	}
	for c := range a.Sum.Planes {
		sum, peak := a.Sum.Planes[c], a.Peak.Planes[c]
		for i, v := range b.Sum.Planes[c] {
			sum[i] += v
		}
		for i, v := range b.Peak.Planes[c] {
			if v > peak[i] {
				peak[i] = v
			}
		}
	}
	a.Count += b.Count
	return nil
}

// Mean returns Sum/Count, or nil when nothing was folded in.
func (a *Accumulator) Mean() *Frame {
	if a.Sum == nil || a.Count == 0 {
		return nil
	}
	out := a.Sum.Clone()
	inv := 1 / float64(a.Count)
	for _, p := range out.Planes {
		for i := range p {
			p[i] *= inv
		}
	}
	return out
}

// Result returns the finalised image: the mean when average is set, else the sum.
func (a *Accumulator) Result(average bool) *Frame {
	if average {
		return a.Mean()
	}
	if a.Sum == nil {
		return nil
	}
	return a.Sum.Clone()
}
