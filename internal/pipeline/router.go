package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mspec/internal/calib"
	"mspec/internal/config"
	"mspec/internal/frame"
	"mspec/internal/fsutil"
	"mspec/internal/logging"
	"mspec/internal/specfile"
	"mspec/internal/storage"
	"mspec/internal/tasks"
)

// Version is written into the VERSION card of every produced image.
const Version = "mspec 1.0.0"

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	cfg        *config.Config
	progress   func(jobID string, ev tasks.ProgressEvent)
	background backgroundFunc
	correct    correctFunc
	register   registerFunc
	trace      traceFunc
	openSource sourceFactory
}

type backgroundFunc func(ctx context.Context, src frame.Source, req tasks.BackgroundRequest) (*frame.Frame, error)

type correctFunc func(ctx context.Context, src frame.Source, bg *frame.Frame, req tasks.BatchRequest) (tasks.BatchResult, error)

type registerFunc func(ctx context.Context, src frame.Source, req tasks.RegisterRequest) (tasks.Registration, error)

type traceFunc func(img *frame.Frame, req tasks.TraceRequest) (tasks.Trace, error)

type sourceFactory func(base, ext string) frame.Source

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, progress func(string, tasks.ProgressEvent)) Processor {
	return &router{
		log:        logger,
		store:      store,
		cfg:        cfg,
		progress:   progress,
		background: tasks.EstimateBackground,
		correct:    tasks.CorrectBatch,
		register:   tasks.Register,
		trace:      tasks.ExtractTrace,
		openSource: func(base, ext string) frame.Source {
			return frame.DirSource{Base: base, Ext: ext}
		},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobBackground:
		return r.handleBackground(ctx, job)
	case JobDistort:
		return r.handleDistort(ctx, job)
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobExtract:
		return r.handleExtract(ctx, job)
	case JobCalibrate:
		return r.handleCalibrate(ctx, job)
	case JobAdd:
		return r.handleAdd(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) progressFor(jobID string) tasks.ProgressFunc {
	if r.progress == nil {
		return nil
	}
	return func(ev tasks.ProgressEvent) { r.progress(jobID, ev) }
}

func (r *router) outputDir(job Job) string {
	if job.Output != "" {
		return job.Output
	}
	return r.cfg.Paths.OutPath
}

func (r *router) baseHeader() frame.Header {
	h := frame.Header{"VERSION": Version}
	if r.cfg.Station.Name != "" {
		h["M_STATIO"] = r.cfg.Station.Name
	}
	if r.cfg.Station.Comment != "" {
		h["M_NOTE"] = r.cfg.Station.Comment
	}
	return h
}

func geometryHeader(h frame.Header, g config.Geometry) frame.Header {
	h["D_SCALXY"] = g.ScalXY
	h["D_X00"] = g.X00
	h["D_Y00"] = g.Y00
	h["D_ROT"] = g.Rot
	h["D_DISP0"] = g.Disp0
	h["D_A3"] = g.A3
	h["D_A5"] = g.A5
	h["M_BOB"] = g.Bob
	return h
}

// writeImage stores f as base.fit and, with preview set, base.png.
func writeImage(base string, f *frame.Frame, hdr frame.Header, preview bool) (map[string]string, error) {
	paths := map[string]string{"fits": base + ".fit"}
	if err := frame.WriteFITS(paths["fits"], f, hdr); err != nil {
		return nil, err
	}
	if preview {
		paths["png"] = base + ".png"
		if err := frame.SavePreview(paths["png"], f, 1); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func (r *router) handleBackground(ctx context.Context, job Job) Result {
	proc := r.cfg.Processing
	base := job.InputPath
	if base == "" {
		base = r.cfg.Paths.FrameBase
	}
	ext := getStringOption(job.Options, "ext", r.cfg.Paths.FrameExt)
	req := tasks.BackgroundRequest{
		First:    getIntOption(job.Options, "backFirst", 1),
		N:        getIntOption(job.Options, "nBack", proc.NBack),
		Color:    getBoolOption(job.Options, "color", proc.Color),
		Progress: r.progressFor(job.ID),
	}
	meta := map[string]any{"n_back": req.N, "color": req.Color}

	bg, err := r.background(ctx, r.openSource(base, ext), req)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("background: %w", err), Meta: meta}
	}
	hdr := r.baseHeader()
	hdr["M_NIM"] = req.N
	paths, err := writeImage(filepath.Join(r.outputDir(job), "m_back"), bg, hdr, true)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("write background: %w", err), Meta: meta}
	}
	meta["background"] = paths
	return Result{Job: job, Meta: meta}
}

func (r *router) handleDistort(ctx context.Context, job Job) Result {
	proc := r.cfg.Processing
	base := job.InputPath
	if base == "" {
		base = r.cfg.Paths.FrameBase
	}
	ext := getStringOption(job.Options, "ext", r.cfg.Paths.FrameExt)
	outDir := r.outputDir(job)
	mdistBase := filepath.Join(outDir, getStringOption(job.Options, "mdist", r.cfg.Paths.MDist))
	geo := geometryOption(job.Options, r.cfg.Geometry)

	req := tasks.BatchRequest{
		First: getIntOption(job.Options, "first", proc.First),
		N:     getIntOption(job.Options, "n", proc.MaxImages),
		Options: tasks.CorrectOptions{
			Params:             geo.Params(),
			ApplyDistortion:    getBoolOption(job.Options, "distortion", proc.ApplyDistortion),
			SubtractBackground: getBoolOption(job.Options, "subtractBackground", proc.SubtractBackground),
			Color:              getBoolOption(job.Options, "color", proc.Color),
		},
		Workers:  getIntOption(job.Options, "workers", proc.FrameWorkers),
		Progress: r.progressFor(job.ID),
		Log:      r.log.With("job_id", job.ID),
	}
	meta := map[string]any{"requested": req.N, "first": req.First}
	src := r.openSource(base, ext)

	if removed, err := fsutil.DeleteSequence(mdistBase, ".fit", 1); err != nil {
		return Result{Job: job, Error: fmt.Errorf("remove stale frames: %w", err), Meta: meta}
	} else if removed > 0 {
		logging.LogProcessingStep(r.log, job.ID, "cleanup", "done", map[string]any{"removed": removed, "base": mdistBase})
	}

	var bg *frame.Frame
	if req.Options.SubtractBackground {
		bgReq := tasks.BackgroundRequest{
			First:    getIntOption(job.Options, "backFirst", 1),
			N:        getIntOption(job.Options, "nBack", proc.NBack),
			Color:    req.Options.Color,
			Progress: req.Progress,
		}
		var err error
		bg, err = r.background(ctx, src, bgReq)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("background: %w", err), Meta: meta}
		}
		hdr := r.baseHeader()
		hdr["M_NIM"] = bgReq.N
		paths, err := writeImage(filepath.Join(outDir, "m_back"), bg, hdr, true)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("write background: %w", err), Meta: meta}
		}
		meta["background"] = paths
	}

	frameHdr := r.baseHeader()
	if req.Options.ApplyDistortion {
		geometryHeader(frameHdr, geo)
	}
	req.Sink = func(index int, f *frame.Frame) error {
		path := frame.SequencePath(mdistBase, index-req.First+1, ".fit")
		if err := frame.WriteFITS(path, f, frameHdr); err != nil {
			return err
		}
		return r.store.RecordFrameMetadata(storage.FrameMetadata{
			FilePath:   path,
			FrameIndex: index,
			DateObs:    f.Meta.DateObs,
			Station:    f.Meta.Station,
			Width:      f.Width,
			Height:     f.Height,
			Channels:   f.Channels,
		})
	}

	res, err := r.correct(ctx, src, bg, req)
	meta["processed"] = res.Processed
	meta["skipped"] = res.Skipped
	meta["n"] = res.Processed
	meta["report"] = res.Report.Lines
	for _, s := range res.Skipped {
		logging.LogFrameSkipped(r.log, job.ID, string(JobDistort), s.Index, s.Reason)
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	if err := renumberOutputs(mdistBase, req.First, req.N, res.Skipped); err != nil {
		return Result{Job: job, Error: fmt.Errorf("renumber frames: %w", err), Meta: meta}
	}

	sumHdr := r.baseHeader()
	if req.Options.ApplyDistortion {
		geometryHeader(sumHdr, geo)
	}
	sumHdr["M_NIM"] = res.Processed
	sumHdr["M_STARTI"] = req.First
	sumPaths, err := writeImage(mdistBase+"_sum", res.Acc.Sum, sumHdr, false)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("write sum: %w", err), Meta: meta}
	}
	peakPaths, err := writeImage(mdistBase+"_peak", res.Acc.Peak, sumHdr, true)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("write peak: %w", err), Meta: meta}
	}
	meta["sum"] = sumPaths
	meta["peak"] = peakPaths
	meta["frames"] = mdistBase
	return Result{Job: job, Meta: meta}
}

// handleAdd sums (or averages) arbitrary images of one shape into
// <name>.fit and <name>.png.
func (r *router) handleAdd(ctx context.Context, job Job) Result {
	images := getStringsOption(job.Options, "images")
	if len(images) == 0 && job.InputPath != "" {
		images = []string{job.InputPath}
	}
	average := getBoolOption(job.Options, "average", false)
	meta := map[string]any{"requested": len(images), "average": average}
	if len(images) < 2 {
		return Result{Job: job, Error: fmt.Errorf("add: need at least 2 images, got %d", len(images)), Meta: meta}
	}
	name := getStringOption(job.Options, "name", "")
	if name == "" {
		name = filepath.Join(r.outputDir(job), "m_add")
	}

	progress := r.progressFor(job.ID)
	var acc frame.Accumulator
	var first frame.Meta
	for i, path := range images {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		f, err := frame.Load(path)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("load %s: %w", path, err), Meta: meta}
		}
		f.Index = i + 1
		if i == 0 {
			first = f.Meta
		}
		if err := acc.Add(f); err != nil {
			return Result{Job: job, Error: fmt.Errorf("add %s: %w", path, err), Meta: meta}
		}
		if progress != nil {
			progress(tasks.ProgressEvent{Stage: "add", Done: i + 1, Total: len(images), Message: filepath.Base(path)})
		}
	}

	sum := acc.Result(average)
	sum.Meta = first
	hdr := r.baseHeader()
	hdr["M_NIM"] = acc.Count
	paths, err := writeImage(name, sum, hdr, true)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("write sum: %w", err), Meta: meta}
	}
	meta["added"] = acc.Count
	meta["sum"] = paths
	return Result{Job: job, Meta: meta}
}

// renumberOutputs compacts base1..baseN after skipped frames left gaps.
func renumberOutputs(base string, first, n int, skipped []tasks.Skip) error {
	if len(skipped) == 0 {
		return nil
	}
	gone := make(map[int]bool, len(skipped))
	for _, s := range skipped {
		gone[s.Index-first+1] = true
	}
	var kept []int
	for k := 1; k <= n; k++ {
		if !gone[k] {
			kept = append(kept, k)
		}
	}
	return fsutil.RenumberSequence(base, ".fit", kept)
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	rc := r.cfg.Registration
	outDir := r.outputDir(job)
	base := job.InputPath
	if base == "" {
		base = filepath.Join(outDir, r.cfg.Paths.MDist)
	}
	regBase := filepath.Join(outDir, getStringOption(job.Options, "reg", r.cfg.Paths.RegBase))
	start := getIntOption(job.Options, "start", 1)
	count := getIntOption(job.Options, "count", 0)
	if count <= 0 {
		count = fsutil.CountSequence(base, ".fit", 0) - start + 1
		if rc.MaxImages > 0 && count > rc.MaxImages {
			count = rc.MaxImages
		}
	}
	average := getBoolOption(job.Options, "average", rc.Average)
	meta := map[string]any{"start": start, "requested": count}

	src := r.openSource(base, ".fit")
	win, err := r.window(job.Options, src, start)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["window"] = win

	if _, err := fsutil.DeleteSequence(regBase, ".fit", 1); err != nil {
		return Result{Job: job, Error: fmt.Errorf("remove stale frames: %w", err), Meta: meta}
	}

	hdr := r.baseHeader()
	var firstMeta frame.Meta
	req := tasks.RegisterRequest{
		Start:        start,
		Count:        count,
		Window:       win,
		Threshold:    getFloat64Option(job.Options, "threshold", rc.Threshold),
		SearchRadius: getIntOption(job.Options, "radius", rc.SearchRadius),
		Progress:     r.progressFor(job.ID),
		Log:          r.log.With("job_id", job.ID),
		Sink: func(index int, f *frame.Frame) error {
			if index == start {
				firstMeta = f.Meta
			}
			return frame.WriteFITS(frame.SequencePath(regBase, index-start+1, ".fit"), f, hdr)
		},
	}

	reg, err := r.register(ctx, src, req)
	records := make([]storage.OffsetRecord, 0, len(reg.Offsets))
	for _, o := range reg.Offsets {
		records = append(records, storage.OffsetRecord{
			FrameIndex: o.Index, DX: o.DX, DY: o.DY, Score: o.Score, Accepted: o.Accepted, Reason: o.Reason,
		})
	}
	if serr := r.store.RecordOffsets(job.ID, records); serr != nil {
		r.log.Warn("offsets not recorded", "job_id", job.ID, "error", serr)
	}
	meta["state"] = reg.State.String()
	meta["aligned"] = reg.Aligned
	meta["last_index"] = reg.LastIndex
	meta["offsets"] = records
	meta["report"] = reg.Report.Lines
	if err != nil {
		var af *tasks.AlignmentFailure
		if errors.As(err, &af) {
			meta["suggested_count"] = af.SuggestedCount()
		}
		return Result{Job: job, Error: err, Meta: meta}
	}

	sum := reg.Acc.Result(average)
	sum.Meta = firstMeta
	sumHdr := r.baseHeader()
	sumHdr["M_NIM"] = reg.Aligned
	sumHdr["M_STARTI"] = start
	paths, err := writeImage(regBase+"_add", sum, sumHdr, true)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("write sum: %w", err), Meta: meta}
	}
	meta["sum"] = paths
	meta["average"] = average
	return Result{Job: job, Meta: meta}
}

// window reads the registration window from options; without one the
// central half of the start frame is used.
func (r *router) window(options map[string]any, src frame.Source, start int) (tasks.Window, error) {
	win := tasks.Window{
		X:      getIntOption(options, "x", 0),
		Y:      getIntOption(options, "y", 0),
		Width:  getIntOption(options, "width", 0),
		Height: getIntOption(options, "height", 0),
	}
	if win.Width > 0 && win.Height > 0 {
		return win, nil
	}
	f, err := src.Load(start)
	if err != nil {
		return win, fmt.Errorf("register start frame: %w", err)
	}
	return tasks.Window{X: f.Width / 4, Y: f.Height / 4, Width: f.Width / 2, Height: f.Height / 2}, nil
}

func (r *router) handleExtract(ctx context.Context, job Job) Result {
	ec := r.cfg.Extraction
	outDir := r.outputDir(job)
	input := job.InputPath
	if input == "" {
		input = fsutil.FirstExisting(
			filepath.Join(outDir, r.cfg.Paths.RegBase+"_add.fit"),
			filepath.Join(outDir, r.cfg.Paths.MDist+"_sum.fit"),
		)
		if input == "" {
			return Result{Job: job, Error: fmt.Errorf("no registered or summed image in %s", outDir)}
		}
	}
	name := strings.TrimSuffix(input, filepath.Ext(input))
	if n := getStringOption(job.Options, "name", ""); n != "" {
		name = filepath.Join(outDir, n)
	}
	req := tasks.TraceRequest{
		RowMin:      getIntOption(job.Options, "rowMin", 0),
		RowMax:      getIntOption(job.Options, "rowMax", 0),
		ColumnBands: getIntOption(job.Options, "columnBands", ec.ColumnBands),
		RowBands:    getIntOption(job.Options, "rowBands", ec.RowBands),
		MinContrast: getFloat64Option(job.Options, "minContrast", ec.MinContrast),
	}
	meta := map[string]any{"input": input}

	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	img, err := frame.Load(input)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("load image: %w", err), Meta: meta}
	}
	tr, err := r.trace(img, req)
	meta["report"] = tr.Report.Lines
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	hdr := r.baseHeader()
	hdr["M_TILT"] = tr.Tilt
	hdr["M_SLANT"] = tr.Slant
	hdr["M_ROWMIN"] = tr.RowMin
	hdr["M_ROWMAX"] = tr.RowMax
	tr.Corrected.Meta = img.Meta
	if _, err := writeImage(name+"st", tr.Corrected, hdr, false); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write corrected image: %w", err), Meta: meta}
	}
	if err := specfile.WriteProfile(name+".dat", specfile.ProfileFromSlice(tr.Profile)); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write spectrum: %w", err), Meta: meta}
	}
	meta["tilt"] = tr.Tilt
	meta["slant"] = tr.Slant
	meta["slant_defaulted"] = tr.SlantDefaulted
	meta["row_min"] = tr.RowMin
	meta["row_max"] = tr.RowMax
	meta["columns"] = len(tr.Profile)
	meta["image"] = name + "st.fit"
	meta["spectrum"] = name + ".dat"
	return Result{Job: job, Meta: meta}
}

func (r *router) handleCalibrate(ctx context.Context, job Job) Result {
	cc := r.cfg.Calibration
	input := job.InputPath
	name := strings.TrimSuffix(input, filepath.Ext(input))
	if n := getStringOption(job.Options, "name", ""); n != "" {
		name = filepath.Join(r.outputDir(job), n)
	}
	degree := getIntOption(job.Options, "degree", cc.Degree)
	disp := getFloat64Option(job.Options, "disp", r.cfg.Geometry.Disp0)
	meta := map[string]any{"input": input, "degree": degree}

	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	profile, err := specfile.ReadProfile(input)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("load spectrum: %w", err), Meta: meta}
	}

	session := calib.NewSession(profile.Intensities, getFloat64Option(job.Options, "minContrast", cc.MinContrast))
	if table := getStringOption(job.Options, "table", ""); table != "" {
		entries, err := specfile.ReadTable(table)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("load table: %w", err), Meta: meta}
		}
		session.Seed(entries)
	}
	for _, px := range getFloatsOption(job.Options, "drop") {
		if !session.RemoveLine(px) {
			logging.LogProcessingStep(r.log, job.ID, "drop", "skipped", map[string]any{"pixel": px, "error": "no table entry"})
		}
	}

	picks, err := lineOption(job.Options)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	if err := r.resolveLines(picks, getStringOption(job.Options, "lineList", cc.LineList)); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	for _, pick := range picks {
		prop, err := session.ProposeLine(pick)
		if err != nil {
			logging.LogProcessingStep(r.log, job.ID, "line", "skipped", map[string]any{"x0": pick.X0, "wavelength": pick.Wavelength, "error": err.Error()})
			continue
		}
		if err := session.AcceptLine(prop); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
	}

	entries, err := session.FinalizeTable()
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["table"] = name + ".txt"
	if err := specfile.WriteTable(name+".txt", entries); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write table: %w", err), Meta: meta}
	}
	records := make([]storage.CalibrationRecord, len(entries))
	for i, e := range entries {
		records[i] = storage.CalibrationRecord{Pixel: e.Pixel, Wavelength: e.Wavelength}
	}
	if err := r.store.RecordCalibration(job.ID, records); err != nil {
		r.log.Warn("calibration not recorded", "job_id", job.ID, "error", err)
	}

	poly, err := calib.Fit(entries, degree, disp)
	if err != nil {
		meta["report"] = session.Report(nil)
		return Result{Job: job, Error: err, Meta: meta}
	}
	sp, err := calib.Apply(profile.Pixels, profile.Intensities, poly)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	if err := specfile.WriteSpectrum(name+"cal.dat", sp.Points); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write calibrated spectrum: %w", err), Meta: meta}
	}
	if !sp.Monotonic {
		r.log.Warn("calibration is not monotonic over the profile", "job_id", job.ID, "degree", degree)
	}

	meta["coefficients"] = poly.Expanded()
	meta["polynomial"] = poly
	meta["rms"] = calib.RMS(calib.Residuals(entries, poly))
	meta["lambda_min"] = sp.Min
	meta["lambda_max"] = sp.Max
	meta["monotonic"] = sp.Monotonic
	meta["entries"] = len(entries)
	meta["report"] = session.Report(&poly)
	meta["spectrum"] = name + "cal.dat"
	return Result{Job: job, Meta: meta}
}

// resolveLines fills in the wavelength of picks that only name a line.
func (r *router) resolveLines(picks []calib.LineRequest, listPath string) error {
	var lines []calib.Line
	for i := range picks {
		if picks[i].Wavelength != 0 || picks[i].Name == "" {
			continue
		}
		if lines == nil {
			lines = calib.DefaultLines()
			if listPath != "" {
				loaded, err := calib.LoadLineList(listPath)
				if err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("line list: %w", err)
				}
				if err == nil {
					lines = loaded
				}
			}
		}
		idx := -1
		for j, l := range lines {
			if strings.EqualFold(l.Name, picks[i].Name) {
				idx = j
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("unknown line %q", picks[i].Name)
		}
		picks[i].Wavelength = lines[idx].Wavelength
	}
	return nil
}
