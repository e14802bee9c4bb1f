// Package calib turns measured line positions into a pixel to wavelength
// polynomial and applies it to spectrum profiles.
package calib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MaxDegree is the highest supported polynomial degree.
const MaxDegree = 5

// Entry maps a pixel position to a wavelength.
type Entry struct {
	Pixel      float64 `json:"pixel"`
	Wavelength float64 `json:"wavelength"`
}

// Polynomial maps pixel to wavelength. Coeffs are ascending in the
// normalised variable t = (x-Shift)/Scale. Degree 0 is a fixed linear
// dispersion and is flagged with Linear.
type Polynomial struct {
	Degree int       `json:"degree"`
	Coeffs []float64 `json:"coeffs"`
	Shift  float64   `json:"shift"`
	Scale  float64   `json:"scale"`
	Linear bool      `json:"linear"`
}

// Eval returns the wavelength at pixel x.
func (p Polynomial) Eval(x float64) float64 {
	t := (x - p.Shift) / p.Scale
	v := 0.0
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		v = v*t + p.Coeffs[i]
	}
	return v
}

// Expanded returns the coefficients ascending in x.
func (p Polynomial) Expanded() []float64 {
	out := make([]float64, len(p.Coeffs))
	// (x - s)^i / k^i expanded binomially
	for i, c := range p.Coeffs {
		scale := c / math.Pow(p.Scale, float64(i))
		binom := 1.0
		for j := 0; j <= i; j++ {
			out[j] += scale * binom * math.Pow(-p.Shift, float64(i-j))
			binom = binom * float64(i-j) / float64(j+1)
		}
	}
	return out
}

// InsufficientCalibrationPointsError is returned when a fit has fewer
// distinct points than coefficients.
type InsufficientCalibrationPointsError struct {
	Degree int
	Have   int
	Need   int
}

func (e *InsufficientCalibrationPointsError) Error() string {
	return fmt.Sprintf("degree %d fit needs %d calibration points, have %d", e.Degree, e.Need, e.Have)
}

// Fit derives the calibration polynomial. Degrees 1..5 are least squares
// fits solved by QR decomposition. Degree 0 uses the dispersion disp
// (wavelength per pixel) through the first entry.
func Fit(entries []Entry, degree int, disp float64) (Polynomial, error) {
	if degree < 0 || degree > MaxDegree {
		return Polynomial{}, fmt.Errorf("polynomial degree %d outside 0..%d", degree, MaxDegree)
	}
	if degree == 0 {
		if len(entries) < 1 {
			return Polynomial{}, &InsufficientCalibrationPointsError{Degree: 0, Have: 0, Need: 1}
		}
		if disp == 0 || math.IsNaN(disp) || math.IsInf(disp, 0) {
			return Polynomial{}, fmt.Errorf("linear dispersion must be non-zero and finite, got %g", disp)
		}
		e := entries[0]
		return Polynomial{
			Degree: 0,
			Coeffs: []float64{e.Wavelength - disp*e.Pixel, disp},
			Scale:  1,
			Linear: true,
		}, nil
	}

	distinct := make(map[float64]struct{}, len(entries))
	for _, e := range entries {
		distinct[e.Pixel] = struct{}{}
	}
	if len(distinct) < degree+1 {
		return Polynomial{}, &InsufficientCalibrationPointsError{Degree: degree, Have: len(distinct), Need: degree + 1}
	}

	shift := 0.0
	for _, e := range entries {
		shift += e.Pixel
	}
	shift /= float64(len(entries))
	scale := 0.0
	for _, e := range entries {
		scale = math.Max(scale, math.Abs(e.Pixel-shift))
	}
	if scale == 0 {
		scale = 1
	}

	n := len(entries)
	a := mat.NewDense(n, degree+1, nil)
	b := mat.NewVecDense(n, nil)
	for i, e := range entries {
		t := (e.Pixel - shift) / scale
		v := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, v)
			v *= t
		}
		b.SetVec(i, e.Wavelength)
	}

	var qr mat.QR
	qr.Factorize(a)
	var c mat.VecDense
	if err := qr.SolveVecTo(&c, false, b); err != nil {
		return Polynomial{}, fmt.Errorf("least squares fit: %w", err)
	}

	coeffs := make([]float64, degree+1)
	for j := range coeffs {
		coeffs[j] = c.AtVec(j)
	}
	return Polynomial{Degree: degree, Coeffs: coeffs, Shift: shift, Scale: scale}, nil
}

// Residuals returns fit minus table wavelength for every entry.
func Residuals(entries []Entry, p Polynomial) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = p.Eval(e.Pixel) - e.Wavelength
	}
	return out
}

// RMS is the root mean square of the residuals.
func RMS(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	s := 0.0
	for _, r := range residuals {
		s += r * r
	}
	return math.Sqrt(s / float64(len(residuals)))
}
