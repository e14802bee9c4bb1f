package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mspec/internal/calib"
	"mspec/internal/config"
	"mspec/internal/frame"
	"mspec/internal/specfile"
	"mspec/internal/storage"
	"mspec/internal/tasks"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.OutPath = t.TempDir()
	cfg.Station.Name = "TEST"
	return cfg
}

func memRouter(cfg *config.Config, src frame.Source) *router {
	r := newRouter(slog.Default(), nil, cfg, nil).(*router)
	r.openSource = func(base, ext string) frame.Source { return src }
	return r
}

func constFrames(n, w, h int, v float64) []*frame.Frame {
	out := make([]*frame.Frame, n)
	for i := range out {
		out[i] = frame.Filled(w, h, 1, v)
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRouterDistortWritesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	frames := append(constFrames(2, 4, 3, 0.1), constFrames(3, 4, 3, 0.5)...)
	r := memRouter(cfg, frame.NewMemSource(1, frames...))

	res := r.Process(context.Background(), Job{
		ID:   "d1",
		Type: JobDistort,
		Options: map[string]any{
			"first":              3,
			"n":                  3,
			"nBack":              2,
			"distortion":         false,
			"subtractBackground": true,
			"workers":            2,
		},
	})
	require.NoError(t, res.Error)
	assert.Equal(t, 3, res.Meta["processed"])
	assert.Equal(t, 3, res.Meta["n"])

	out := cfg.Paths.OutPath
	for _, name := range []string{"m_back.fit", "m_back.png", "mdist1.fit", "mdist2.fit", "mdist3.fit", "mdist_sum.fit", "mdist_peak.fit", "mdist_peak.png"} {
		assert.True(t, exists(filepath.Join(out, name)), name)
	}

	sum, hdr, err := frame.ReadFITS(filepath.Join(out, "mdist_sum.fit"))
	require.NoError(t, err)
	for _, v := range sum.Planes[0] {
		assert.InDelta(t, 1.2, v, 1e-5)
	}
	nim, ok := hdr.Float("M_NIM")
	require.True(t, ok)
	assert.Equal(t, 3.0, nim)
	station, _ := hdr.String("M_STATIO")
	assert.Equal(t, "TEST", station)
	_, hasGeometry := hdr["D_SCALXY"]
	assert.False(t, hasGeometry, "geometry cards only with distortion")
}

func TestRouterDistortRenumbersAfterSkip(t *testing.T) {
	cfg := testConfig(t)
	src := frame.NewMemSource(1, constFrames(4, 2, 2, 0.3)...)
	src.Errors[2] = errors.New("corrupt")

	out := cfg.Paths.OutPath
	// left over from an earlier, longer run
	for i := 1; i <= 6; i++ {
		require.NoError(t, frame.WriteFITS(frame.SequencePath(filepath.Join(out, "mdist"), i, ".fit"), frame.New(2, 2, 1), nil))
	}

	r := memRouter(cfg, src)
	res := r.Process(context.Background(), Job{
		ID:      "d2",
		Type:    JobDistort,
		Options: map[string]any{"first": 1, "n": 4, "distortion": false, "subtractBackground": false},
	})
	require.NoError(t, res.Error)
	assert.Equal(t, 3, res.Meta["processed"])
	skipped := res.Meta["skipped"].([]tasks.Skip)
	require.Len(t, skipped, 1)
	assert.Equal(t, 2, skipped[0].Index)

	assert.True(t, exists(filepath.Join(out, "mdist1.fit")))
	assert.True(t, exists(filepath.Join(out, "mdist2.fit")))
	assert.True(t, exists(filepath.Join(out, "mdist3.fit")))
	assert.False(t, exists(filepath.Join(out, "mdist4.fit")))
	assert.False(t, exists(filepath.Join(out, "mdist6.fit")))
}

func TestRouterDistortWritesGeometryCards(t *testing.T) {
	cfg := testConfig(t)
	cfg.Geometry = config.Geometry{ScalXY: 1, X00: 2, Y00: 2, Disp0: 2.5}
	r := memRouter(cfg, frame.NewMemSource(1, constFrames(2, 4, 4, 0.2)...))

	res := r.Process(context.Background(), Job{
		ID:      "d3",
		Type:    JobDistort,
		Options: map[string]any{"first": 1, "n": 2, "distortion": true, "subtractBackground": false},
	})
	require.NoError(t, res.Error)
	_, hdr, err := frame.ReadFITS(filepath.Join(cfg.Paths.OutPath, "mdist1.fit"))
	require.NoError(t, err)
	disp, ok := hdr.Float("D_DISP0")
	require.True(t, ok)
	assert.Equal(t, 2.5, disp)
}

func TestRouterBackgroundInsufficientFrames(t *testing.T) {
	cfg := testConfig(t)
	r := memRouter(cfg, frame.NewMemSource(1, constFrames(3, 2, 2, 0.3)...))

	res := r.Process(context.Background(), Job{ID: "b1", Type: JobBackground, Options: map[string]any{"nBack": 5}})
	var insufficient *tasks.InsufficientFramesError
	require.ErrorAs(t, res.Error, &insufficient)
	assert.Equal(t, 3, insufficient.Have)
}

// textured returns a frame with a pseudo-random texture away from the border.
func textured(seed uint32) *frame.Frame {
	f := frame.New(32, 24, 1)
	s := seed
	for y := 4; y < 20; y++ {
		for x := 4; x < 28; x++ {
			s = s*1664525 + 1013904223
			f.Set(0, x, y, float64(s>>24)/255)
		}
	}
	return f
}

func TestRouterRegisterRecordsOffsetsAndSum(t *testing.T) {
	cfg := testConfig(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "mspec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	base := textured(7)
	src := frame.NewMemSource(1, base, base.Clone(), base.Clone())
	r := memRouter(cfg, src)
	r.store = store

	res := r.Process(context.Background(), Job{
		ID:   "r1",
		Type: JobRegister,
		Options: map[string]any{
			"count": 3, "x": 10, "y": 8, "width": 10, "height": 8,
			"radius": 3, "average": true,
		},
	})
	require.NoError(t, res.Error)
	assert.Equal(t, 3, res.Meta["aligned"])
	assert.Equal(t, "done", res.Meta["state"])

	out := cfg.Paths.OutPath
	for _, name := range []string{"r1.fit", "r2.fit", "r3.fit", "r_add.fit", "r_add.png"} {
		assert.True(t, exists(filepath.Join(out, name)), name)
	}
	sum, _, err := frame.ReadFITS(filepath.Join(out, "r_add.fit"))
	require.NoError(t, err)
	for i, v := range sum.Planes[0] {
		assert.InDelta(t, base.Planes[0][i], v, 1e-6)
	}

	offsets, err := store.Offsets("r1")
	require.NoError(t, err)
	require.Len(t, offsets, 3)
	for _, o := range offsets {
		assert.True(t, o.Accepted)
		assert.Zero(t, o.DX)
		assert.Zero(t, o.DY)
	}
}

func TestRouterRegisterSuggestsRetryCount(t *testing.T) {
	cfg := testConfig(t)
	r := memRouter(cfg, frame.NewMemSource(1))
	var got tasks.RegisterRequest
	r.register = func(ctx context.Context, src frame.Source, req tasks.RegisterRequest) (tasks.Registration, error) {
		got = req
		reg := tasks.Registration{
			State:     tasks.StateAborted,
			Aligned:   1,
			Requested: req.Count,
			LastIndex: req.Start,
			Offsets: []tasks.Offset{
				{Index: 4, Score: 1, Accepted: true},
				{Index: 5, Score: 0.1, Reason: "correlation 0.100 below 0.500"},
			},
		}
		return reg, &tasks.AlignmentFailure{Start: req.Start, Aligned: 1, Requested: req.Count, LastIndex: req.Start}
	}

	res := r.Process(context.Background(), Job{
		ID:      "r2",
		Type:    JobRegister,
		Options: map[string]any{"start": 4, "count": 6, "x": 1, "y": 1, "width": 4, "height": 4, "threshold": 0.7},
	})
	var af *tasks.AlignmentFailure
	require.ErrorAs(t, res.Error, &af)
	assert.Equal(t, 2, res.Meta["suggested_count"])
	assert.Equal(t, "aborted", res.Meta["state"])
	assert.Len(t, res.Meta["offsets"], 2)
	assert.Equal(t, 4, got.Start)
	assert.Equal(t, 6, got.Count)
	assert.Equal(t, 0.7, got.Threshold)
	assert.Equal(t, tasks.Window{X: 1, Y: 1, Width: 4, Height: 4}, got.Window)
	assert.False(t, exists(filepath.Join(cfg.Paths.OutPath, "r_add.fit")))
}

func TestRouterExtractWritesProfile(t *testing.T) {
	cfg := testConfig(t)
	img := frame.New(6, 4, 1)
	for x := 0; x < 6; x++ {
		img.Set(0, x, 1, float64(x))
		img.Set(0, x, 2, 1)
	}
	input := filepath.Join(cfg.Paths.OutPath, "r_add.fit")
	require.NoError(t, frame.WriteFITS(input, img, nil))

	r := memRouter(cfg, nil)
	r.trace = func(img *frame.Frame, req tasks.TraceRequest) (tasks.Trace, error) {
		assert.Equal(t, 1, req.RowMin)
		assert.Equal(t, 2, req.RowMax)
		return tasks.Trace{Profile: []float64{1, 2, 3}, Tilt: 0.01, RowMin: 1, RowMax: 2, Corrected: img}, nil
	}

	res := r.Process(context.Background(), Job{ID: "e1", Type: JobExtract, Options: map[string]any{"rowMin": 1, "rowMax": 2}})
	require.NoError(t, res.Error)

	profile, err := specfile.ReadProfile(filepath.Join(cfg.Paths.OutPath, "r_add.dat"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, profile.Intensities)

	_, hdr, err := frame.ReadFITS(filepath.Join(cfg.Paths.OutPath, "r_addst.fit"))
	require.NoError(t, err)
	tilt, ok := hdr.Float("M_TILT")
	require.True(t, ok)
	assert.InDelta(t, 0.01, tilt, 1e-12)
}

func TestRouterExtractFallsBackToDistortSum(t *testing.T) {
	cfg := testConfig(t)
	input := filepath.Join(cfg.Paths.OutPath, "mdist_sum.fit")
	require.NoError(t, frame.WriteFITS(input, frame.Filled(6, 4, 1, 1), nil))

	r := memRouter(cfg, nil)
	r.trace = func(img *frame.Frame, req tasks.TraceRequest) (tasks.Trace, error) {
		return tasks.Trace{Profile: []float64{4, 5}, RowMax: 3, Corrected: img}, nil
	}
	res := r.Process(context.Background(), Job{ID: "e2", Type: JobExtract})
	require.NoError(t, res.Error)
	assert.Equal(t, input, res.Meta["input"])
	assert.True(t, exists(filepath.Join(cfg.Paths.OutPath, "mdist_sum.dat")))

	require.NoError(t, os.Remove(input))
	res = r.Process(context.Background(), Job{ID: "e3", Type: JobExtract})
	assert.Error(t, res.Error)
}

func TestRouterExtractDegenerate(t *testing.T) {
	cfg := testConfig(t)
	input := filepath.Join(cfg.Paths.OutPath, "flat.fit")
	require.NoError(t, frame.WriteFITS(input, frame.Filled(16, 8, 1, 1), nil))

	r := memRouter(cfg, nil)
	res := r.Process(context.Background(), Job{ID: "e2", Type: JobExtract, InputPath: input})
	var dt *tasks.DegenerateTraceError
	require.ErrorAs(t, res.Error, &dt)
}

func twoLineProfile(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		for _, c := range []float64{100, 300} {
			d := float64(i) - c
			out[i] += 100 * math.Exp(-d*d/2)
		}
		out[i] += 5
	}
	return out
}

func TestRouterCalibrateFitsAndApplies(t *testing.T) {
	cfg := testConfig(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "mspec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	input := filepath.Join(cfg.Paths.OutPath, "m.dat")
	require.NoError(t, specfile.WriteProfile(input, specfile.ProfileFromSlice(twoLineProfile(400))))

	r := memRouter(cfg, nil)
	r.store = store
	res := r.Process(context.Background(), Job{
		ID:        "c1",
		Type:      JobCalibrate,
		InputPath: input,
		Options: map[string]any{
			"degree": 1,
			"lines": []any{
				map[string]any{"x0": 98.0, "width": 5.0, "wavelength": 500.0},
				map[string]any{"x0": 302.0, "width": 5.0, "wavelength": 600.0},
				map[string]any{"x0": 200.0, "width": 3.0, "wavelength": 550.0},
			},
		},
	})
	require.NoError(t, res.Error)
	coeffs := res.Meta["coefficients"].([]float64)
	require.Len(t, coeffs, 2)
	assert.InDelta(t, 450, coeffs[0], 1e-6)
	assert.InDelta(t, 0.5, coeffs[1], 1e-9)
	assert.Equal(t, 2, res.Meta["entries"], "flat region has no peak")

	table, err := specfile.ReadTable(filepath.Join(cfg.Paths.OutPath, "m.txt"))
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.InDelta(t, 100, table[0].Pixel, 1e-9)

	spectrum, err := specfile.ReadSpectrum(filepath.Join(cfg.Paths.OutPath, "mcal.dat"))
	require.NoError(t, err)
	require.Len(t, spectrum, 400)
	assert.InDelta(t, 550, spectrum[200].Wavelength, 1e-6)

	recorded, err := store.Calibration("c1")
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}

func TestRouterCalibrateResolvesLineNames(t *testing.T) {
	cfg := testConfig(t)
	input := filepath.Join(cfg.Paths.OutPath, "m.dat")
	require.NoError(t, specfile.WriteProfile(input, specfile.ProfileFromSlice(twoLineProfile(400))))
	seed := filepath.Join(cfg.Paths.OutPath, "seed.txt")
	require.NoError(t, specfile.WriteTable(seed, []calib.Entry{{Pixel: 100, Wavelength: 500}}))

	r := memRouter(cfg, nil)
	res := r.Process(context.Background(), Job{
		ID:        "c2",
		Type:      JobCalibrate,
		InputPath: input,
		Options: map[string]any{
			"degree": 1,
			"table":  seed,
			"lines":  []calib.LineRequest{{X0: 301, Width: 4, Name: "na i"}},
		},
	})
	require.NoError(t, res.Error)
	table, err := specfile.ReadTable(filepath.Join(cfg.Paths.OutPath, "m.txt"))
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, 589.0, table[1].Wavelength)
}

func TestRouterCalibrateDropsTableEntries(t *testing.T) {
	cfg := testConfig(t)
	input := filepath.Join(cfg.Paths.OutPath, "m.dat")
	require.NoError(t, specfile.WriteProfile(input, specfile.ProfileFromSlice(twoLineProfile(400))))
	seed := filepath.Join(cfg.Paths.OutPath, "seed.txt")
	require.NoError(t, specfile.WriteTable(seed, []calib.Entry{
		{Pixel: 100, Wavelength: 500}, {Pixel: 250.2, Wavelength: 900}, {Pixel: 300, Wavelength: 600},
	}))

	r := memRouter(cfg, nil)
	res := r.Process(context.Background(), Job{
		ID:        "c4",
		Type:      JobCalibrate,
		InputPath: input,
		Options:   map[string]any{"degree": 1, "table": seed, "drop": []any{250.0, 17.0}},
	})
	require.NoError(t, res.Error)
	table, err := specfile.ReadTable(filepath.Join(cfg.Paths.OutPath, "m.txt"))
	require.NoError(t, err)
	assert.Equal(t, []calib.Entry{{Pixel: 100, Wavelength: 500}, {Pixel: 300, Wavelength: 600}}, table)
}

func TestRouterCalibrateNeedsEnoughPoints(t *testing.T) {
	cfg := testConfig(t)
	input := filepath.Join(cfg.Paths.OutPath, "m.dat")
	require.NoError(t, specfile.WriteProfile(input, specfile.ProfileFromSlice(twoLineProfile(400))))

	r := memRouter(cfg, nil)
	res := r.Process(context.Background(), Job{
		ID:        "c3",
		Type:      JobCalibrate,
		InputPath: input,
		Options: map[string]any{
			"degree": 2,
			"lines":  []calib.LineRequest{{X0: 100, Width: 4, Wavelength: 500}, {X0: 300, Width: 4, Wavelength: 600}},
		},
	})
	var ins *calib.InsufficientCalibrationPointsError
	require.ErrorAs(t, res.Error, &ins)
	assert.NotEmpty(t, res.Meta["report"])
}

func TestRouterUnknownJobType(t *testing.T) {
	r := memRouter(config.Default(), nil)
	res := r.Process(context.Background(), Job{ID: "x", Type: "stack"})
	assert.Error(t, res.Error)
}

func TestRouterAddSumsImages(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	var images []any
	for i, v := range []float64{1, 2, 3} {
		path := filepath.Join(dir, fmt.Sprintf("spec%d.fit", i))
		require.NoError(t, frame.WriteFITS(path, frame.Filled(5, 3, 1, v), nil))
		images = append(images, path)
	}

	r := memRouter(cfg, nil)
	res := r.Process(context.Background(), Job{ID: "a1", Type: JobAdd, Options: map[string]any{"images": images}})
	require.NoError(t, res.Error)
	assert.Equal(t, 3, res.Meta["added"])

	sum, hdr, err := frame.ReadFITS(filepath.Join(cfg.Paths.OutPath, "m_add.fit"))
	require.NoError(t, err)
	assert.InDelta(t, 6, sum.At(0, 2, 1), 1e-9)
	nim, ok := hdr.Float("M_NIM")
	require.True(t, ok)
	assert.Equal(t, 3.0, nim)
	assert.True(t, exists(filepath.Join(cfg.Paths.OutPath, "m_add.png")))

	name := filepath.Join(dir, "mean")
	res = r.Process(context.Background(), Job{ID: "a2", Type: JobAdd, Options: map[string]any{
		"images": images, "average": true, "name": name,
	}})
	require.NoError(t, res.Error)
	mean, _, err := frame.ReadFITS(name + ".fit")
	require.NoError(t, err)
	assert.InDelta(t, 2, mean.At(0, 0, 0), 1e-9)
}

func TestRouterAddRejectsMismatchedImages(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.fit"), filepath.Join(dir, "b.fit")
	require.NoError(t, frame.WriteFITS(a, frame.Filled(5, 3, 1, 1), nil))
	require.NoError(t, frame.WriteFITS(b, frame.Filled(4, 3, 1, 1), nil))

	r := memRouter(cfg, nil)
	res := r.Process(context.Background(), Job{ID: "a3", Type: JobAdd, Options: map[string]any{"images": []string{a}}})
	assert.Error(t, res.Error)
	res = r.Process(context.Background(), Job{ID: "a4", Type: JobAdd, Options: map[string]any{"images": []string{a, b}}})
	assert.Error(t, res.Error)
	assert.False(t, exists(filepath.Join(cfg.Paths.OutPath, "m_add.fit")))
}
