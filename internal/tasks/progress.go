package tasks

import (
	"fmt"
	"log/slog"
)

// ProgressEvent is emitted after each unit of work of a long running stage.
type ProgressEvent struct {
	Stage   string `json:"stage"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// ProgressFunc receives progress events. It must not block for long.
type ProgressFunc func(ProgressEvent)

func (p ProgressFunc) emit(stage string, done, total int, format string, args ...any) {
	if p == nil {
		return
	}
	p(ProgressEvent{Stage: stage, Done: done, Total: total, Message: fmt.Sprintf(format, args...)})
}

// Report is the free-form textual account of a stage run.
type Report struct {
	Lines []string `json:"lines"`
}

func (r *Report) Addf(format string, args ...any) {
	r.Lines = append(r.Lines, fmt.Sprintf(format, args...))
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// InsufficientFramesError is returned when a stage needs more frames than exist.
type InsufficientFramesError struct {
	Want int
	Have int
}

func (e *InsufficientFramesError) Error() string {
	return fmt.Sprintf("insufficient frames: need %d, found %d", e.Want, e.Have)
}

// AlignmentFailure is returned when fewer than two frames could be registered.
type AlignmentFailure struct {
	Start     int
	Aligned   int
	Requested int
	LastIndex int
}

func (e *AlignmentFailure) Error() string {
	return fmt.Sprintf("registration failed: %d of %d frames aligned from frame %d (stopped at %d)",
		e.Aligned, e.Requested, e.Start, e.LastIndex)
}

// SuggestedCount is the frame count to retry with. A registration needs at
// least two frames.
func (e *AlignmentFailure) SuggestedCount() int {
	return max(e.Aligned, 2)
}

// DegenerateTraceError is returned when the tilt cannot be measured.
type DegenerateTraceError struct {
	Axis   string
	Bands  int
	Usable int
}

func (e *DegenerateTraceError) Error() string {
	return fmt.Sprintf("degenerate trace: %d of %d %s bands have a usable peak, need 2", e.Usable, e.Bands, e.Axis)
}
