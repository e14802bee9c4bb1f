package calib

import (
	"errors"
	"fmt"
	"math"

	"mspec/internal/peak"
)

// DefaultMinContrast is the peak contrast required when refining a line.
const DefaultMinContrast = 0.6

// NoPeakFoundError is returned when a line window holds no usable maximum.
type NoPeakFoundError struct {
	X0    float64
	Width int
}

func (e *NoPeakFoundError) Error() string {
	return fmt.Sprintf("no peak found within %g +- %d", e.X0, e.Width)
}

// Table is a calibration table, unique by pixel, in insertion order.
type Table struct {
	entries []Entry
}

// Add inserts e, replacing an entry with the same pixel in place.
func (t *Table) Add(e Entry) {
	for i := range t.entries {
		if t.entries[i].Pixel == e.Pixel {
			t.entries[i] = e
			return
		}
	}
	t.entries = append(t.entries, e)
}

// Remove deletes the entry at pixel, reporting whether one existed.
func (t *Table) Remove(pixel float64) bool {
	for i := range t.entries {
		if t.entries[i].Pixel == pixel {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns a copy of the table.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

func (t *Table) Len() int { return len(t.entries) }

// LineRequest is a user pick: approximate position, half-width of the
// search window and the reference wavelength.
type LineRequest struct {
	X0         float64 `json:"x0"`
	Width      int     `json:"width"`
	Wavelength float64 `json:"wavelength"`
	Name       string  `json:"name,omitempty"`
}

// Proposal is a refined line position awaiting acceptance.
type Proposal struct {
	Request  LineRequest `json:"request"`
	Pixel    float64     `json:"pixel"`
	Height   float64     `json:"height"`
	Contrast float64     `json:"contrast"`
}

// Session is one interactive calibration: lines are proposed, accepted and
// finally frozen into a table.
type Session struct {
	profile     []float64
	minContrast float64
	table       Table
	widths      map[float64]int
	notes       []string
	finalized   bool
}

// NewSession starts a session over a raw profile indexed by pixel.
func NewSession(profile []float64, minContrast float64) *Session {
	if minContrast <= 0 {
		minContrast = DefaultMinContrast
	}
	return &Session{profile: profile, minContrast: minContrast, widths: make(map[float64]int)}
}

// Seed loads existing entries, for example a table read from disk.
func (s *Session) Seed(entries []Entry) {
	for _, e := range entries {
		s.table.Add(e)
	}
}

// ProposeLine refines req.X0 to the sub-pixel centre of the local maximum
// within [X0-Width, X0+Width].
func (s *Session) ProposeLine(req LineRequest) (Proposal, error) {
	if req.Width < 1 {
		req.Width = 1
	}
	c := int(math.Round(req.X0))
	pk, ok := peak.Find(s.profile, c-req.Width, c+req.Width, s.minContrast)
	if !ok {
		err := &NoPeakFoundError{X0: req.X0, Width: req.Width}
		s.notes = append(s.notes, fmt.Sprintf("%s (%g): %v", req.Name, req.Wavelength, err))
		return Proposal{}, err
	}
	return Proposal{Request: req, Pixel: pk.Pos, Height: pk.Height, Contrast: pk.Contrast}, nil
}

// AcceptLine stores the proposal in the table.
func (s *Session) AcceptLine(p Proposal) error {
	if s.finalized {
		return errors.New("calibration session already finalized")
	}
	s.table.Add(Entry{Pixel: p.Pixel, Wavelength: p.Request.Wavelength})
	s.widths[p.Pixel] = p.Request.Width
	return nil
}

// FinalizeTable freezes the session and returns the table.
func (s *Session) FinalizeTable() ([]Entry, error) {
	if s.table.Len() == 0 {
		return nil, &InsufficientCalibrationPointsError{Have: 0, Need: 1}
	}
	s.finalized = true
	return s.table.Entries(), nil
}

// Entries returns the current table.
func (s *Session) Entries() []Entry { return s.table.Entries() }

// RemoveLine drops the entry nearest to pixel if it lies within half a
// pixel, reporting whether one was removed.
func (s *Session) RemoveLine(pixel float64) bool {
	if s.finalized {
		return false
	}
	best, dist := 0.0, 0.5
	found := false
	for _, e := range s.table.entries {
		if d := math.Abs(e.Pixel - pixel); d <= dist {
			best, dist, found = e.Pixel, d, true
		}
	}
	if !found {
		return false
	}
	delete(s.widths, best)
	return s.table.Remove(best)
}

// Report formats the table; with a polynomial the fitted wavelength and
// residual of every entry are included.
func (s *Session) Report(p *Polynomial) []string {
	lines := []string{" Pixel    width  lambda    fit    delta"}
	for _, e := range s.table.entries {
		if p == nil {
			lines = append(lines, fmt.Sprintf("%8.2f %4d %8.2f", e.Pixel, s.widths[e.Pixel], e.Wavelength))
			continue
		}
		fit := p.Eval(e.Pixel)
		lines = append(lines, fmt.Sprintf("%8.2f %4d %8.2f %8.2f %7.3f",
			e.Pixel, s.widths[e.Pixel], e.Wavelength, fit, fit-e.Wavelength))
	}
	if p != nil {
		lines = append(lines, fmt.Sprintf("rms %.4f", RMS(Residuals(s.table.entries, *p))))
	}
	return append(lines, s.notes...)
}
