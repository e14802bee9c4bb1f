package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"mspec/internal/frame"
	"mspec/internal/geometry"
)

// CorrectOptions control the per-frame correction.
type CorrectOptions struct {
	Params             geometry.Params
	ApplyDistortion    bool
	SubtractBackground bool
	Color              bool
}

// FrameSink receives every corrected frame together with its source index.
// It is called from several goroutines.
type FrameSink func(index int, f *frame.Frame) error

// BatchRequest describes a correction run over frames First..First+N-1.
type BatchRequest struct {
	First    int
	N        int
	Options  CorrectOptions
	Workers  int
	Sink     FrameSink
	Progress ProgressFunc
	Log      *slog.Logger
}

// Skip records a frame left out of a batch.
type Skip struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult is the outcome of CorrectBatch. Processed never exceeds Requested.
type BatchResult struct {
	Requested int
	Processed int
	Skipped   []Skip
	Acc       frame.Accumulator
	Report    Report
}

type corrector struct {
	opts  CorrectOptions
	bg    *frame.Frame
	model *geometry.Model
}

func newCorrector(bg *frame.Frame, opts CorrectOptions) (*corrector, error) {
	c := &corrector{opts: opts, bg: bg}
	if opts.SubtractBackground && bg == nil {
		return nil, fmt.Errorf("correct: background subtraction requested without a background")
	}
	if opts.ApplyDistortion {
		m, err := geometry.NewModel(opts.Params)
		if err != nil {
			return nil, err
		}
		c.model = m
	}
	return c, nil
}

func (c *corrector) apply(f *frame.Frame) (*frame.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := f
	if !c.opts.Color {
		out = out.Luma()
	} else {
		out = out.Clone()
	}

	if c.opts.SubtractBackground {
		bg := c.bg
		if bg.Width != out.Width || bg.Height != out.Height {
			return nil, fmt.Errorf("frame %d: size %dx%d does not match background %dx%d",
				f.Index, out.Width, out.Height, bg.Width, bg.Height)
		}
		if bg.Channels == 3 && out.Channels == 1 {
			bg = bg.Luma()
		}
		for ch := range out.Planes {
			b := bg.Planes[0]
			if bg.Channels == out.Channels {
				b = bg.Planes[ch]
			}
			p := out.Planes[ch]
			for i := range p {
				p[i] -= b[i]
			}
		}
	}

	if c.model != nil {
		out = c.model.Correct(out)
	}

	for _, p := range out.Planes {
		for i, v := range p {
			if v < 0 {
				p[i] = 0
			}
		}
	}
	return out, nil
}

// CorrectFrame subtracts the background, applies the geometry model and
// clips negative samples to zero. The input frame is left untouched.
func CorrectFrame(f, bg *frame.Frame, opts CorrectOptions) (*frame.Frame, error) {
	c, err := newCorrector(bg, opts)
	if err != nil {
		return nil, err
	}
	return c.apply(f)
}

// CorrectBatch corrects frames in parallel and folds them into a sum and peak
// image. Frames that cannot be read or corrected are skipped and listed; only
// a sink failure or cancellation ends the batch early. On cancellation the
// partial result is returned together with ctx.Err().
func CorrectBatch(ctx context.Context, src frame.Source, bg *frame.Frame, req BatchRequest) (BatchResult, error) {
	res := BatchResult{Requested: req.N}
	if req.N < 1 {
		return res, fmt.Errorf("correct: n must be >= 1, got %d", req.N)
	}
	c, err := newCorrector(bg, req.Options)
	if err != nil {
		return res, err
	}
	log := loggerOrDefault(req.Log)

	workers := req.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > req.N {
		workers = req.N
	}

	refW, refH, refC, ok := probeShape(src, bg, req)
	if !ok {
		for pos := 0; pos < req.N; pos++ {
			res.Skipped = append(res.Skipped, Skip{Index: req.First + pos, Reason: "not readable"})
		}
		res.Report.Addf("no readable frame in %d..%d", req.First, req.First+req.N-1)
		return res, &InsufficientFramesError{Want: req.N, Have: 0}
	}

	partials := make([]frame.Accumulator, workers)
	skips := make([][]Skip, workers)

	var mu sync.Mutex
	done := 0
	progress := func(idx int, msg string) {
		mu.Lock()
		defer mu.Unlock()
		done++
		req.Progress.emit("distort", done, req.N, "frame %d %s", idx, msg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for pos := w; pos < req.N; pos += workers {
				if gctx.Err() != nil {
					return nil
				}
				idx := req.First + pos
				skip := func(reason error) {
					skips[w] = append(skips[w], Skip{Index: idx, Reason: reason.Error()})
					log.Warn("Skipping frame", "index", idx, "error", reason)
					progress(idx, "skipped")
				}

				f, err := src.Load(idx)
				if err != nil {
					skip(err)
					continue
				}
				out, err := c.apply(f)
				if err != nil {
					skip(err)
					continue
				}
				out.Index = idx
				if out.Width != refW || out.Height != refH || out.Channels != refC {
					skip(fmt.Errorf("frame %d: shape %dx%dx%d does not match %dx%dx%d",
						idx, out.Width, out.Height, out.Channels, refW, refH, refC))
					continue
				}
				if err := partials[w].Add(out); err != nil {
					skip(err)
					continue
				}
				if req.Sink != nil {
					if err := req.Sink(idx, out); err != nil {
						return fmt.Errorf("store frame %d: %w", idx, err)
					}
				}
				progress(idx, "done")
			}
			return nil
		})
	}
	werr := g.Wait()

	for w := range partials {
		if err := res.Acc.Merge(&partials[w]); err != nil {
			return res, err
		}
		res.Skipped = append(res.Skipped, skips[w]...)
	}
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Index < res.Skipped[j].Index })
	res.Processed = res.Acc.Count

	res.Report.Addf("%d of %d frames corrected", res.Processed, res.Requested)
	for _, s := range res.Skipped {
		res.Report.Addf("frame %d skipped: %s", s.Index, s.Reason)
	}

	if werr != nil {
		return res, werr
	}
	if err := ctx.Err(); err != nil {
		res.Report.Addf("cancelled after %d frames", res.Processed)
		return res, err
	}
	return res, nil
}

// probeShape fixes the output shape of a batch from the first readable frame;
// a background, when subtracted, fixes width and height instead.
func probeShape(src frame.Source, bg *frame.Frame, req BatchRequest) (w, h, ch int, ok bool) {
	for pos := 0; pos < req.N; pos++ {
		f, err := src.Load(req.First + pos)
		if err != nil || f.Validate() != nil {
			continue
		}
		w, h, ch = f.Width, f.Height, 1
		if req.Options.Color {
			ch = f.Channels
		}
		if bg != nil && req.Options.SubtractBackground {
			w, h = bg.Width, bg.Height
		}
		return w, h, ch, true
	}
	return 0, 0, 0, false
}
