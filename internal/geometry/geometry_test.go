package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mspec/internal/frame"
)

func pattern(w, h int) *frame.Frame {
	f := frame.New(w, h, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Set(0, x, y, float64((x*7+y*13)%11))
		}
	}
	return f
}

func TestCorrectIdentity(t *testing.T) {
	src := pattern(9, 6)
	out, err := Correct(src, Identity(9, 6))
	require.NoError(t, err)
	assert.Equal(t, src.Planes, out.Planes)
}

func TestCorrectIsDeterministic(t *testing.T) {
	src := pattern(16, 12)
	p := Params{Scale: 1.2, X0: 7.3, Y0: 5.1, Rot: 0.05, A3: 1e-4, A5: -1e-8}
	a, err := Correct(src, p)
	require.NoError(t, err)
	b, err := Correct(src, p)
	require.NoError(t, err)
	assert.Equal(t, a.Planes, b.Planes)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Params{Scale: 0}.Validate())
	assert.Error(t, Params{Scale: -1}.Validate())
	assert.Error(t, Params{Scale: 1, A3: math.NaN()}.Validate())
	assert.NoError(t, Params{Scale: 1}.Validate())

	_, err := Correct(pattern(2, 2), Params{})
	assert.Error(t, err)
}

func TestEffectiveBob(t *testing.T) {
	p := Params{Scale: 1.5, X0: 320, Y0: 240, Bob: true}
	e := p.Effective()
	assert.Equal(t, 3.0, e.Scale)
	assert.Equal(t, 120.0, e.Y0)
	assert.Equal(t, 320.0, e.X0)
	assert.False(t, e.Bob)
	assert.Equal(t, e, e.Effective())
}

func TestProjectInvertsSourceOf(t *testing.T) {
	m, err := NewModel(Params{Scale: 1.1, X0: 320, Y0: 240, Rot: 0.02, A3: 2e-7, A5: 1e-13})
	require.NoError(t, err)
	for _, pt := range [][2]float64{{0, 0}, {320, 240}, {100.5, 400.25}, {639, 479}} {
		sx, sy := m.SourceOf(pt[0], pt[1])
		x, y := m.Project(sx, sy)
		assert.InDelta(t, pt[0], x, 1e-6)
		assert.InDelta(t, pt[1], y, 1e-6)
	}
}

func TestRadialTermMovesSampleOutward(t *testing.T) {
	m, err := NewModel(Params{Scale: 1, X0: 0, Y0: 0, A3: 0.01})
	require.NoError(t, err)
	sx, sy := m.SourceOf(10, 0)
	assert.InDelta(t, 10+0.01*1000, sx, 1e-9)
	assert.InDelta(t, 0, sy, 1e-12)
}

func TestBilinearZeroFill(t *testing.T) {
	plane := []float64{
		1, 2,
		3, 4,
	}
	assert.Equal(t, 4.0, Bilinear(plane, 2, 2, 1, 1))
	assert.InDelta(t, 2.5, Bilinear(plane, 2, 2, 0.5, 0.5), 1e-12)
	assert.InDelta(t, 1.0, Bilinear(plane, 2, 2, 1.5, 1), 1e-12, "half of 4, half zero")
	assert.Zero(t, Bilinear(plane, 2, 2, -5, 0))
	assert.Zero(t, Bilinear(plane, 2, 2, 0, 2))
}
