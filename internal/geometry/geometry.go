// Package geometry implements the radial distortion plus rotation/scale model
// used to rectify meteor frames.
package geometry

import (
	"fmt"
	"math"

	"mspec/internal/frame"
)

// Params are the coefficients of the geometric model. Rot is in radians.
// Bob marks half-height interlaced sources; see Effective.
type Params struct {
	Scale float64 `json:"scalxy"`
	X0    float64 `json:"x00"`
	Y0    float64 `json:"y00"`
	Rot   float64 `json:"rot"`
	A3    float64 `json:"a3"`
	A5    float64 `json:"a5"`
	Bob   bool    `json:"bob"`
}

// Identity returns parameters that leave a width x height frame unchanged.
func Identity(width, height int) Params {
	return Params{Scale: 1, X0: float64(width) / 2, Y0: float64(height) / 2}
}

// Validate enforces Scale > 0 and finite coefficients.
func (p Params) Validate() error {
	for name, v := range map[string]float64{"scale": p.Scale, "x0": p.X0, "y0": p.Y0, "rot": p.Rot, "a3": p.A3, "a5": p.A5} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("geometry: %s is not finite", name)
		}
	}
	if p.Scale <= 0 {
		return fmt.Errorf("geometry: scale must be > 0, got %g", p.Scale)
	}
	return nil
}

// Effective resolves the bob doubler: a half-height source doubles the
// vertical scale and halves the vertical centre.
func (p Params) Effective() Params {
	if !p.Bob {
		return p
	}
	p.Scale *= 2
	p.Y0 /= 2
	p.Bob = false
	return p
}

// Model is a validated, ready to evaluate transform.
type Model struct {
	p        Params
	cos, sin float64
}

// NewModel validates p and resolves Effective.
func NewModel(p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := p.Effective()
	return &Model{p: e, cos: math.Cos(e.Rot), sin: math.Sin(e.Rot)}, nil
}

// Params returns the effective parameters.
func (m *Model) Params() Params { return m.p }

func (m *Model) radial(r float64) float64 {
	r2 := r * r
	return r + m.p.A3*r2*r + m.p.A5*r2*r2*r
}

// SourceOf maps an output pixel to the source coordinate it is sampled from.
func (m *Model) SourceOf(x, y float64) (float64, float64) {
	u := x - m.p.X0
	v := (y - m.p.Y0) * m.p.Scale
	f := 1.0
	if r := math.Hypot(u, v); r > 0 {
		f = m.radial(r) / r
	}
	ur := f * (m.cos*u - m.sin*v)
	vr := f * (m.sin*u + m.cos*v)
	return m.p.X0 + ur, m.p.Y0 + vr/m.p.Scale
}

// Project is the inverse of SourceOf: it returns the output pixel that samples
// source coordinate (xs, ys). The radial polynomial is inverted by Newton iteration.
func (m *Model) Project(xs, ys float64) (float64, float64) {
	ur := xs - m.p.X0
	vr := (ys - m.p.Y0) * m.p.Scale
	rp := math.Hypot(ur, vr)
	if rp == 0 {
		return m.p.X0, m.p.Y0
	}
	r := rp
	for i := 0; i < 50; i++ {
		g := m.radial(r) - rp
		d := 1 + 3*m.p.A3*r*r + 5*m.p.A5*r*r*r*r
		if d == 0 {
			break
		}
		step := g / d
		r -= step
		if math.Abs(step) < 1e-12*math.Max(1, rp) {
			break
		}
	}
	f := m.radial(r) / r
	// undo rotation then radial scale
	u := (m.cos*ur + m.sin*vr) / f
	v := (-m.sin*ur + m.cos*vr) / f
	return m.p.X0 + u, m.p.Y0 + v/m.p.Scale
}

// Correct resamples every channel of src through the model. Source
// coordinates outside the frame contribute zero.
func Correct(src *frame.Frame, p Params) (*frame.Frame, error) {
	m, err := NewModel(p)
	if err != nil {
		return nil, err
	}
	return m.Correct(src), nil
}

// Correct applies the model to src and returns a new frame.
func (m *Model) Correct(src *frame.Frame) *frame.Frame {
	out := frame.NewLike(src)
	w, h := src.Width, src.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := m.SourceOf(float64(x), float64(y))
			for c := range src.Planes {
				out.Planes[c][y*w+x] = Bilinear(src.Planes[c], w, h, sx, sy)
			}
		}
	}
	return out
}

// Bilinear samples a row-major plane at (x, y). Neighbours outside the
// plane count as zero; integer coordinates return the stored sample exactly.
func Bilinear(plane []float64, w, h int, x, y float64) float64 {
	x0f, y0f := math.Floor(x), math.Floor(y)
	fx, fy := x-x0f, y-y0f
	x0, y0 := int(x0f), int(y0f)
	if x0 < -1 || y0 < -1 || x0 >= w || y0 >= h {
		return 0
	}
	at := func(xi, yi int) float64 {
		if xi < 0 || yi < 0 || xi >= w || yi >= h {
			return 0
		}
		return plane[yi*w+xi]
	}
	if fx == 0 && fy == 0 {
		return at(x0, y0)
	}
	top := at(x0, y0)
	bot := at(x0, y0+1)
	if fx != 0 {
		top = top*(1-fx) + at(x0+1, y0)*fx
		bot = bot*(1-fx) + at(x0+1, y0+1)*fx
	}
	if fy == 0 {
		return top
	}
	return top*(1-fy) + bot*fy
}
