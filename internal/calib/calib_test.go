package calib

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitLinearTwoPoints(t *testing.T) {
	entries := []Entry{{100, 500}, {300, 600}}
	p, err := Fit(entries, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, 550.0, p.Eval(200), 1e-9)
	for _, e := range entries {
		assert.InDelta(t, e.Wavelength, p.Eval(e.Pixel), 1e-9)
	}
	exp := p.Expanded()
	assert.InDelta(t, 450.0, exp[0], 1e-9)
	assert.InDelta(t, 0.5, exp[1], 1e-12)
}

func TestFitQuadraticRecoversCoefficients(t *testing.T) {
	var entries []Entry
	for _, x := range []float64{10, 120, 250, 380, 510, 640} {
		entries = append(entries, Entry{x, 400 + 0.5*x + 1e-4*x*x})
	}
	p, err := Fit(entries, 2, 0)
	require.NoError(t, err)
	exp := p.Expanded()
	require.Len(t, exp, 3)
	assert.InDelta(t, 400, exp[0], 1e-7)
	assert.InDelta(t, 0.5, exp[1], 1e-9)
	assert.InDelta(t, 1e-4, exp[2], 1e-12)
	assert.Less(t, RMS(Residuals(entries, p)), 1e-9)
}

func TestFitInsufficientPoints(t *testing.T) {
	entries := []Entry{{1, 400}, {2, 410}, {2, 411}, {3, 420}}
	_, err := Fit(entries, 3, 0)
	var ie *InsufficientCalibrationPointsError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 3, ie.Have)
	assert.Equal(t, 4, ie.Need)

	_, err = Fit(nil, 0, 2)
	require.ErrorAs(t, err, &ie)

	_, err = Fit(entries, 6, 0)
	assert.Error(t, err)
}

func TestFitDegreeZeroUsesDispersion(t *testing.T) {
	p, err := Fit([]Entry{{100, 500}, {999, 1}}, 0, 2)
	require.NoError(t, err)
	assert.True(t, p.Linear)
	assert.InDelta(t, 600.0, p.Eval(150), 1e-12)
	assert.InDelta(t, 500.0, p.Eval(100), 1e-12)

	_, err = Fit([]Entry{{100, 500}}, 0, 0)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	p, err := Fit([]Entry{{0, 400}, {10, 420}}, 1, 0)
	require.NoError(t, err)

	pixels := []float64{0, 1, 2}
	sp, err := Apply(pixels, []float64{1, 2, 3}, p)
	require.NoError(t, err)
	want := []Point{{400, 1}, {402, 2}, {404, 3}}
	if diff := cmp.Diff(want, sp.Points, cmp.Comparer(func(a, b float64) bool { return math.Abs(a-b) < 1e-9 })); diff != "" {
		t.Fatalf("points mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 400, sp.Min, 1e-9)
	assert.InDelta(t, 404, sp.Max, 1e-9)
	assert.True(t, sp.Monotonic)

	rev := Polynomial{Degree: 0, Coeffs: []float64{500, -1}, Scale: 1, Linear: true}
	sp, err = Apply(pixels, []float64{1, 1, 1}, rev)
	require.NoError(t, err)
	assert.True(t, sp.Monotonic)
	assert.Equal(t, 498.0, sp.Min)

	fold := Polynomial{Degree: 2, Coeffs: []float64{0, 0, 1}, Scale: 1, Shift: 1}
	sp, err = Apply(pixels, []float64{1, 1, 1}, fold)
	require.NoError(t, err)
	assert.False(t, sp.Monotonic)

	_, err = Apply([]float64{1}, nil, p)
	assert.Error(t, err)
}

func gaussianProfile(n int, centre float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		d := float64(i) - centre
		out[i] = 100 * math.Exp(-d*d/2)
	}
	return out
}

func TestSessionProtocol(t *testing.T) {
	profile := gaussianProfile(100, 50.25)
	for i := range profile {
		profile[i] += 5
	}
	s := NewSession(profile, 0)

	prop, err := s.ProposeLine(LineRequest{X0: 48, Width: 5, Wavelength: 589, Name: "Na I"})
	require.NoError(t, err)
	assert.InDelta(t, 50.25, prop.Pixel, 0.1)

	_, err = s.ProposeLine(LineRequest{X0: 10, Width: 4, Wavelength: 777.4, Name: "O I"})
	var np *NoPeakFoundError
	require.ErrorAs(t, err, &np)
	assert.Equal(t, 10.0, np.X0)

	require.NoError(t, s.AcceptLine(prop))
	require.NoError(t, s.AcceptLine(Proposal{Request: LineRequest{Width: 3, Wavelength: 517.5}, Pixel: 20}))
	// same pixel replaces the entry in place
	require.NoError(t, s.AcceptLine(Proposal{Request: LineRequest{Width: 3, Wavelength: 518.4}, Pixel: 20}))

	entries, err := s.FinalizeTable()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 589.0, entries[0].Wavelength)
	assert.Equal(t, Entry{20, 518.4}, entries[1])
	assert.Error(t, s.AcceptLine(prop))

	p, err := Fit(entries, 1, 0)
	require.NoError(t, err)
	report := s.Report(&p)
	assert.Equal(t, " Pixel    width  lambda    fit    delta", report[0])
	assert.Len(t, report, 5)
	assert.Contains(t, report[len(report)-1], "O I")
}

func TestFinalizeEmptyTable(t *testing.T) {
	_, err := NewSession(nil, 0).FinalizeTable()
	var ie *InsufficientCalibrationPointsError
	assert.ErrorAs(t, err, &ie)
}

func TestTableRemove(t *testing.T) {
	var tbl Table
	tbl.Add(Entry{1, 2})
	tbl.Add(Entry{3, 4})
	assert.True(t, tbl.Remove(1))
	assert.False(t, tbl.Remove(1))
	assert.Equal(t, []Entry{{3, 4}}, tbl.Entries())
}

func TestSessionRemoveLine(t *testing.T) {
	s := NewSession(make([]float64, 10), 0)
	s.Seed([]Entry{{100.3, 500}, {300, 600}})
	assert.False(t, s.RemoveLine(101))
	assert.True(t, s.RemoveLine(100))
	assert.Equal(t, []Entry{{300, 600}}, s.Entries())

	_, err := s.FinalizeTable()
	require.NoError(t, err)
	assert.False(t, s.RemoveLine(300))
}

func TestLineList(t *testing.T) {
	l, err := ParseLine("589 Na I")
	require.NoError(t, err)
	assert.Equal(t, Line{589, "Na I"}, l)
	assert.Equal(t, "589 Na I", l.String())

	_, err = ParseLine("Na 589")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "lines.txt")
	content := strings.Join([]string{"# reference lines", "0 zero", "", "517.5 Mg I", "777.4 O I"}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	lines, err := LoadLineList(path)
	require.NoError(t, err)
	assert.Equal(t, []Line{{0, "zero"}, {517.5, "Mg I"}, {777.4, "O I"}}, lines)
	assert.Len(t, DefaultLines(), 4)
}
