package tasks

import (
	"context"
	"errors"
	"fmt"

	"mspec/internal/frame"
)

// BackgroundRequest selects the frames averaged into the background.
type BackgroundRequest struct {
	First    int
	N        int
	Color    bool
	Progress ProgressFunc
}

// EstimateBackground averages frames First..First+N-1. Colour mode keeps three
// channels; otherwise the per-channel mean is reduced with the luma weights.
func EstimateBackground(ctx context.Context, src frame.Source, req BackgroundRequest) (*frame.Frame, error) {
	if req.N < 1 {
		return nil, fmt.Errorf("background: n must be >= 1, got %d", req.N)
	}

	var acc frame.Accumulator
	for i := 0; i < req.N; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := req.First + i
		f, err := src.Load(idx)
		if err != nil {
			var nf *frame.FrameNotFoundError
			if errors.As(err, &nf) {
				return nil, &InsufficientFramesError{Want: req.N, Have: i}
			}
			return nil, fmt.Errorf("background frame %d: %w", idx, err)
		}
		if err := acc.Add(f); err != nil {
			return nil, fmt.Errorf("background: %w", err)
		}
		req.Progress.emit("background", i+1, req.N, "frame %d", idx)
	}

	bg := acc.Mean()
	bg.Index = 0
	if !req.Color {
		bg = bg.Luma()
	}
	return bg, nil
}
