package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"mspec/internal/pipeline"
)

func (r *Root) configShow(w io.Writer) error {
	fmt.Fprintf(w, "Current configuration:\n")
	cfgPath := os.Getenv("MSPEC_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/mspec/config.json"
	}
	fmt.Fprintf(w, "Config file: %s\n", cfgPath)

	g := r.cfg.Geometry
	fmt.Fprintf(w, "\nGeometry:\n")
	fmt.Fprintf(w, "  scalxy=%g x00=%g y00=%g rot=%g\n", g.ScalXY, g.X00, g.Y00, g.Rot)
	fmt.Fprintf(w, "  a3=%g a5=%g disp0=%g bob=%t\n", g.A3, g.A5, g.Disp0, g.Bob)

	p := r.cfg.Processing
	fmt.Fprintf(w, "\nProcessing:\n")
	fmt.Fprintf(w, "  Parallel jobs: %d, frame workers: %d\n", p.ParallelJobs, p.FrameWorkers)
	fmt.Fprintf(w, "  First frame: %d, max images: %d, background frames: %d\n", p.First, p.MaxImages, p.NBack)
	fmt.Fprintf(w, "  Colour: %t, distortion: %t, subtract background: %t\n", p.Color, p.ApplyDistortion, p.SubtractBackground)

	fmt.Fprintf(w, "\nRegistration: threshold %g, search radius %d, average %t\n",
		r.cfg.Registration.Threshold, r.cfg.Registration.SearchRadius, r.cfg.Registration.Average)
	fmt.Fprintf(w, "Extraction: %d column bands, %d row bands, min contrast %g\n",
		r.cfg.Extraction.ColumnBands, r.cfg.Extraction.RowBands, r.cfg.Extraction.MinContrast)
	fmt.Fprintf(w, "Calibration: degree %d, line list %q\n", r.cfg.Calibration.Degree, r.cfg.Calibration.LineList)

	paths := r.cfg.Paths
	fmt.Fprintf(w, "\nPaths:\n")
	fmt.Fprintf(w, "  Frames: %s<n>%s\n", paths.FrameBase, paths.FrameExt)
	fmt.Fprintf(w, "  Output: %s (corrected %s, registered %s)\n", paths.OutPath, paths.MDist, paths.RegBase)
	fmt.Fprintf(w, "  Database: %s\n", paths.DatabasePath)
	if r.cfg.Station.Name != "" {
		fmt.Fprintf(w, "Station: %s\n", r.cfg.Station.Name)
	}
	fmt.Fprintf(w, "Log level: %s (%s)\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
	return nil
}

func (r *Root) cmdVersion(w io.Writer) {
	fmt.Fprintf(w, "%s\n", pipeline.Version)
	fmt.Fprintf(w, "Built with Go %s\n", runtime.Version())
}
