package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"mspec/internal/frame"
)

// Default registration tuning.
const (
	DefaultThreshold    = 0.5
	DefaultSearchRadius = 20
)

// Window is the rectangle of the start frame used as alignment template.
type Window struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Validate checks that the window lies inside a width x height frame.
func (w Window) Validate(width, height int) error {
	if w.Width < 2 || w.Height < 2 {
		return fmt.Errorf("registration window %dx%d is too small", w.Width, w.Height)
	}
	if w.X < 0 || w.Y < 0 || w.X+w.Width > width || w.Y+w.Height > height {
		return fmt.Errorf("registration window (%d,%d %dx%d) outside frame %dx%d",
			w.X, w.Y, w.Width, w.Height, width, height)
	}
	return nil
}

// Offset is the translation found for one frame. Aligned frames satisfy
// aligned(x,y) = frame(x+DX, y+DY).
type Offset struct {
	Index    int     `json:"index"`
	DX       int     `json:"dx"`
	DY       int     `json:"dy"`
	Score    float64 `json:"score"`
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason,omitempty"`
}

// State is the lifecycle of one registration run.
type State int

const (
	StateInit State = iota
	StateAligning
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAligning:
		return "aligning"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RegisterRequest describes a registration run over frames Start..Start+Count-1.
type RegisterRequest struct {
	Start        int
	Count        int
	Window       Window
	Threshold    float64
	SearchRadius int
	Sink         FrameSink
	Progress     ProgressFunc
	Log          *slog.Logger
}

// Registration is the outcome of Register. Aligned includes the start frame.
type Registration struct {
	State     State
	Aligned   int
	Requested int
	LastIndex int
	Offsets   []Offset
	Acc       frame.Accumulator
	Report    Report
}

type template struct {
	win  Window
	vals []float64
	mean float64
	norm float64
}

func newTemplate(luma *frame.Frame, win Window) (*template, error) {
	t := &template{win: win, vals: make([]float64, 0, win.Width*win.Height)}
	p := luma.Planes[0]
	for y := win.Y; y < win.Y+win.Height; y++ {
		t.vals = append(t.vals, p[y*luma.Width+win.X:y*luma.Width+win.X+win.Width]...)
	}
	for _, v := range t.vals {
		t.mean += v
	}
	t.mean /= float64(len(t.vals))
	for _, v := range t.vals {
		d := v - t.mean
		t.norm += d * d
	}
	if t.norm == 0 {
		return nil, fmt.Errorf("registration window of frame %d has no contrast", luma.Index)
	}
	t.norm = math.Sqrt(t.norm)
	return t, nil
}

// ncc returns the normalised cross-correlation of the template with the
// window displaced by (dx, dy). Displacements leaving the frame score -1.
func (t *template) ncc(luma *frame.Frame, dx, dy int) float64 {
	x0, y0 := t.win.X+dx, t.win.Y+dy
	if x0 < 0 || y0 < 0 || x0+t.win.Width > luma.Width || y0+t.win.Height > luma.Height {
		return -1
	}
	p := luma.Planes[0]
	mean := 0.0
	for y := 0; y < t.win.Height; y++ {
		row := p[(y0+y)*luma.Width+x0 : (y0+y)*luma.Width+x0+t.win.Width]
		for _, v := range row {
			mean += v
		}
	}
	mean /= float64(len(t.vals))

	var cross, ss float64
	for y := 0; y < t.win.Height; y++ {
		row := p[(y0+y)*luma.Width+x0 : (y0+y)*luma.Width+x0+t.win.Width]
		tv := t.vals[y*t.win.Width : (y+1)*t.win.Width]
		for i, v := range row {
			d := v - mean
			cross += (tv[i] - t.mean) * d
			ss += d * d
		}
	}
	if ss == 0 {
		return 0
	}
	return cross / (t.norm * math.Sqrt(ss))
}

// search scans every displacement within radius of (cx, cy). Ties keep the
// first displacement in row-major scan order.
func (t *template) search(luma *frame.Frame, cx, cy, radius int) (dx, dy int, score float64) {
	score = math.Inf(-1)
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			if s := t.ncc(luma, x, y); s > score {
				dx, dy, score = x, y, s
			}
		}
	}
	return dx, dy, score
}

// Register aligns frames Start+1.. against the window of frame Start and
// stacks the aligned frames. Frames are accepted as a contiguous prefix: the
// first frame that is missing, has another size or correlates below
// Threshold ends the run. Fewer than two aligned frames abort the run with
// *AlignmentFailure; the partial result is returned either way.
func Register(ctx context.Context, src frame.Source, req RegisterRequest) (Registration, error) {
	reg := Registration{State: StateInit, Requested: req.Count, LastIndex: req.Start}
	log := loggerOrDefault(req.Log)
	if req.Count < 1 {
		return reg, fmt.Errorf("register: count must be >= 1, got %d", req.Count)
	}
	if req.Threshold <= 0 {
		req.Threshold = DefaultThreshold
	}
	if req.SearchRadius <= 0 {
		req.SearchRadius = DefaultSearchRadius
	}

	start, err := src.Load(req.Start)
	if err != nil {
		reg.State = StateAborted
		return reg, fmt.Errorf("register start frame: %w", err)
	}
	if err := req.Window.Validate(start.Width, start.Height); err != nil {
		reg.State = StateAborted
		return reg, err
	}
	tmpl, err := newTemplate(start.Luma(), req.Window)
	if err != nil {
		reg.State = StateAborted
		return reg, err
	}

	fold := func(idx int, f *frame.Frame) error {
		f.Index = idx
		if req.Sink != nil {
			if err := req.Sink(idx, f); err != nil {
				return fmt.Errorf("store aligned frame %d: %w", idx, err)
			}
		}
		return reg.Acc.Add(f)
	}
	if err := fold(req.Start, start); err != nil {
		reg.State = StateAborted
		return reg, err
	}
	reg.Offsets = append(reg.Offsets, Offset{Index: req.Start, Score: 1, Accepted: true})
	req.Progress.emit("register", 1, req.Count, "frame %d template", req.Start)

	reg.State = StateAligning
	lastDX, lastDY := 0, 0
	var stopErr error
	for k := 1; k < req.Count; k++ {
		if err := ctx.Err(); err != nil {
			stopErr = err
			reg.Report.Addf("cancelled at frame %d", req.Start+k)
			break
		}
		idx := req.Start + k
		reject := func(off Offset, reason string) {
			off.Index, off.Reason = idx, reason
			reg.Offsets = append(reg.Offsets, off)
			reg.Report.Addf("frame %d rejected: %s", idx, reason)
			log.Warn("Registration stopped", "index", idx, "reason", reason)
		}

		f, err := src.Load(idx)
		if err != nil {
			reject(Offset{}, err.Error())
			break
		}
		if f.Width != start.Width || f.Height != start.Height {
			reject(Offset{}, fmt.Sprintf("size %dx%d differs from %dx%d", f.Width, f.Height, start.Width, start.Height))
			break
		}

		dx, dy, score := tmpl.search(f.Luma(), lastDX, lastDY, req.SearchRadius)
		off := Offset{DX: dx, DY: dy, Score: score}
		if score < req.Threshold {
			reject(off, fmt.Sprintf("correlation %.3f below %.3f", score, req.Threshold))
			break
		}

		if err := fold(idx, f.Shift(dx, dy)); err != nil {
			stopErr = err
			reject(off, err.Error())
			break
		}
		off.Accepted = true
		reg.Offsets = append(reg.Offsets, off)
		reg.LastIndex = idx
		lastDX, lastDY = dx, dy
		reg.Report.Addf("frame %d dx=%d dy=%d score=%.3f", idx, dx, dy, score)
		req.Progress.emit("register", k+1, req.Count, "frame %d dx=%d dy=%d", idx, dx, dy)
	}

	reg.Aligned = reg.Acc.Count
	reg.Report.Addf("%d of %d frames aligned, last frame %d", reg.Aligned, req.Count, reg.LastIndex)
	if reg.Aligned <= 1 {
		reg.State = StateAborted
		fail := &AlignmentFailure{Start: req.Start, Aligned: reg.Aligned, Requested: req.Count, LastIndex: reg.LastIndex}
		if stopErr != nil {
			return reg, fmt.Errorf("%w: %v", fail, stopErr)
		}
		return reg, fail
	}
	if stopErr != nil {
		reg.State = StateAborted
		return reg, stopErr
	}
	reg.State = StateDone
	return reg, nil
}
