package tasks

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mspec/internal/frame"
	"mspec/internal/geometry"
	"mspec/internal/peak"
)

// Default trace tuning.
const (
	DefaultColumnBands = 8
	DefaultRowBands    = 2
	DefaultMinContrast = 0.5
)

// TraceRequest selects the rows summed into the profile and the band layout
// used to measure tilt and slant. RowMin = RowMax = 0 means every row.
type TraceRequest struct {
	RowMin      int
	RowMax      int
	ColumnBands int
	RowBands    int
	MinContrast float64
}

// Trace is a 1-D spectrum profile together with the measured skew.
// Tilt is in rows per column, Slant in columns per row.
type Trace struct {
	Profile []float64
	Tilt    float64
	Slant   float64
	// SlantDefaulted is set when fewer than two row bands had a usable
	// peak and Slant was left at 0.
	SlantDefaulted bool
	RowMin         int
	RowMax         int
	Corrected      *frame.Frame
	Report         Report
}

// ExtractTrace measures tilt from the peak row of column bands over the full
// height and slant from the peak column of row bands within the row bounds,
// resamples the image to remove both and sums rows RowMin..RowMax. Only the
// tilt is required; a trace without a spectral feature keeps slant 0.
func ExtractTrace(img *frame.Frame, req TraceRequest) (Trace, error) {
	var tr Trace
	if err := img.Validate(); err != nil {
		return tr, err
	}
	luma := img.Luma()
	w, h := luma.Width, luma.Height

	if req.RowMin == 0 && req.RowMax == 0 {
		req.RowMax = h - 1
	}
	if req.RowMin < 0 || req.RowMax >= h || req.RowMin > req.RowMax {
		return tr, fmt.Errorf("trace: row bounds [%d,%d] outside image height %d", req.RowMin, req.RowMax, h)
	}
	if req.ColumnBands <= 0 {
		req.ColumnBands = DefaultColumnBands
	}
	if req.RowBands <= 0 {
		req.RowBands = DefaultRowBands
	}
	if req.MinContrast <= 0 {
		req.MinContrast = DefaultMinContrast
	}
	tr.RowMin, tr.RowMax = req.RowMin, req.RowMax

	tilt, err := measureTilt(luma, req, &tr.Report)
	if err != nil {
		return tr, err
	}
	tr.Tilt = tilt

	untilted := resample(luma, 0, tilt)
	if slant, ok := measureSlant(untilted, req, &tr.Report); ok {
		tr.Slant = slant
	} else {
		tr.SlantDefaulted = true
		tr.Report.Addf("slant not measurable, using 0")
	}

	tr.Corrected = resample(luma, tr.Slant, tilt)
	tr.Profile = make([]float64, w)
	p := tr.Corrected.Planes[0]
	for y := req.RowMin; y <= req.RowMax; y++ {
		row := p[y*w : (y+1)*w]
		for x, v := range row {
			tr.Profile[x] += v
		}
	}
	tr.Report.Addf("tilt %.5f rows/column, slant %.5f columns/row, rows %d..%d",
		tr.Tilt, tr.Slant, req.RowMin, req.RowMax)
	return tr, nil
}

// bands splits [lo, hi] into n contiguous ranges, dropping empty ones.
func bands(lo, hi, n int) [][2]int {
	size := hi - lo + 1
	if n > size {
		n = size
	}
	out := make([][2]int, 0, n)
	for i := 0; i < n; i++ {
		a := lo + i*size/n
		b := lo + (i+1)*size/n - 1
		if b >= a {
			out = append(out, [2]int{a, b})
		}
	}
	return out
}

func measureTilt(luma *frame.Frame, req TraceRequest, rep *Report) (float64, error) {
	w, h := luma.Width, luma.Height
	p := luma.Planes[0]
	var xs, ys []float64
	bs := bands(0, w-1, req.ColumnBands)
	for _, b := range bs {
		prof := make([]float64, h)
		for y := 0; y < h; y++ {
			for x := b[0]; x <= b[1]; x++ {
				prof[y] += p[y*w+x]
			}
		}
		pk, ok := peak.Find(prof, 0, h-1, req.MinContrast)
		if !ok {
			rep.Addf("column band %d..%d: no usable peak", b[0], b[1])
			continue
		}
		xs = append(xs, float64(b[0]+b[1])/2)
		ys = append(ys, pk.Pos)
	}
	if len(xs) < 2 {
		return 0, &DegenerateTraceError{Axis: "column", Bands: len(bs), Usable: len(xs)}
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta, nil
}

// slantWindow is the half-width in columns around a band peak used to
// weight the rows of the band.
const slantWindow = 3

// measureSlant pairs the peak column of each row band with the band's
// intensity-weighted row centroid near that peak. It reports false when
// fewer than two bands give distinct centroids.
func measureSlant(luma *frame.Frame, req TraceRequest, rep *Report) (float64, bool) {
	w := luma.Width
	p := luma.Planes[0]
	var ys, xs []float64
	for _, b := range bands(req.RowMin, req.RowMax, req.RowBands) {
		prof := make([]float64, w)
		for y := b[0]; y <= b[1]; y++ {
			for x := 0; x < w; x++ {
				prof[x] += p[y*w+x]
			}
		}
		pk, ok := peak.Find(prof, 0, w-1, req.MinContrast)
		if !ok {
			rep.Addf("row band %d..%d: no usable peak", b[0], b[1])
			continue
		}
		lo, hi := max(pk.Index-slantWindow, 0), min(pk.Index+slantWindow, w-1)
		var sum, moment float64
		for y := b[0]; y <= b[1]; y++ {
			var wt float64
			for x := lo; x <= hi; x++ {
				wt += p[y*w+x]
			}
			if wt > 0 {
				sum += wt
				moment += wt * float64(y)
			}
		}
		if sum <= 0 {
			rep.Addf("row band %d..%d: no usable peak", b[0], b[1])
			continue
		}
		ys = append(ys, moment/sum)
		xs = append(xs, pk.Pos)
	}
	if len(ys) < 2 || floats.Max(ys)-floats.Min(ys) < 1e-9 {
		return 0, false
	}
	_, beta := stat.LinearRegression(ys, xs, nil, false)
	return beta, true
}

// resample returns C(x,y) = I(x + slant*(y-yc), y + tilt*(x-xc)) with the
// image centre (xc, yc), sampled bilinearly with zero fill.
func resample(luma *frame.Frame, slant, tilt float64) *frame.Frame {
	out := frame.NewLike(luma)
	w, h := luma.Width, luma.Height
	xc, yc := float64(w-1)/2, float64(h-1)/2
	src, dst := luma.Planes[0], out.Planes[0]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx := float64(x) + slant*(float64(y)-yc)
			sy := float64(y) + tilt*(float64(x)-xc)
			dst[y*w+x] = geometry.Bilinear(src, w, h, sx, sy)
		}
	}
	return out
}
