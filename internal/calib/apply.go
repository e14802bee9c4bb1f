package calib

import (
	"fmt"
	"math"
)

// Point is one sample of a calibrated spectrum.
type Point struct {
	Wavelength float64 `json:"wavelength"`
	Intensity  float64 `json:"intensity"`
}

// Spectrum is a calibrated profile. Monotonic is false when the polynomial
// folds back within the profile range; points are never reordered.
type Spectrum struct {
	Points    []Point `json:"points"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Monotonic bool    `json:"monotonic"`
}

// Apply evaluates p at every pixel of the profile.
func Apply(pixels, intensities []float64, p Polynomial) (Spectrum, error) {
	if len(pixels) != len(intensities) {
		return Spectrum{}, fmt.Errorf("profile has %d pixels and %d intensities", len(pixels), len(intensities))
	}
	if len(pixels) == 0 {
		return Spectrum{}, fmt.Errorf("empty profile")
	}
	sp := Spectrum{
		Points:    make([]Point, len(pixels)),
		Min:       math.Inf(1),
		Max:       math.Inf(-1),
		Monotonic: true,
	}
	dir := 0.0
	for i, x := range pixels {
		w := p.Eval(x)
		sp.Points[i] = Point{Wavelength: w, Intensity: intensities[i]}
		sp.Min = math.Min(sp.Min, w)
		sp.Max = math.Max(sp.Max, w)
		if i == 0 {
			continue
		}
		d := w - sp.Points[i-1].Wavelength
		switch {
		case d == 0:
			sp.Monotonic = false
		case dir == 0:
			dir = d
		case (d > 0) != (dir > 0):
			sp.Monotonic = false
		}
	}
	return sp, nil
}
