package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"mspec/internal/calib"
	"mspec/internal/config"
	"mspec/internal/pipeline"
	"mspec/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mspec",
		Short: "mspec reduces meteor spectrum video frames to calibrated spectra",
		Long: `mspec turns a sequence of meteor spectrum frames into a wavelength calibrated
spectrum: background subtraction and distortion correction, registration and
stacking, tilt/slant corrected trace extraction, and line calibration.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			root.out = cmd.OutOrStdout()
		},
	}

	rootCmd.AddCommand(newBackgroundCmd(root))
	rootCmd.AddCommand(newDistortCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newAddCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func inputArg(args []string, def string) string {
	if len(args) > 0 {
		return args[0]
	}
	return def
}

func newBackgroundCmd(root *Root) *cobra.Command {
	var (
		ext    string
		nBack  int
		color  bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "background [frame_base]",
		Short: "Average the first frames of a sequence into m_back.fit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("background"),
				Type:      pipeline.JobBackground,
				InputPath: inputArg(args, root.cfg.Paths.FrameBase),
				Output:    output,
				Options:   map[string]any{"ext": ext, "nBack": nBack, "color": color, "source": "cli"},
			}
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&ext, "ext", root.cfg.Paths.FrameExt, "frame file extension")
	cmd.Flags().IntVar(&nBack, "n-back", root.cfg.Processing.NBack, "number of frames averaged")
	cmd.Flags().BoolVar(&color, "color", root.cfg.Processing.Color, "keep colour channels")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutPath, "output directory")
	return cmd
}

func newDistortCmd(root *Root) *cobra.Command {
	var (
		ext        string
		first      int
		n          int
		nBack      int
		color      bool
		distortion bool
		subtract   bool
		workers    int
		mdist      string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "distort [frame_base]",
		Short: "Subtract background, correct distortion and sum a frame range",
		Long: `Correct frames first..first+n-1 of a numbered sequence and write them as
<output>/<mdist>1.fit, <mdist>2.fit, ... together with <mdist>_sum.fit and
<mdist>_peak.fit. Unreadable frames are skipped and the rest renumbered.

Examples:
  mspec distort frames/m --ext .png --first 25 --n 40
  mspec distort frames/m --distortion=false --n-back 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("distort"),
				Type:      pipeline.JobDistort,
				InputPath: inputArg(args, root.cfg.Paths.FrameBase),
				Output:    output,
				Options: map[string]any{
					"ext":                ext,
					"first":              first,
					"n":                  n,
					"nBack":              nBack,
					"color":              color,
					"distortion":         distortion,
					"subtractBackground": subtract,
					"workers":            workers,
					"mdist":              mdist,
					"source":             "cli",
				},
			}
			return root.run(cmd.Context(), job)
		},
	}

	proc := root.cfg.Processing
	cmd.Flags().StringVar(&ext, "ext", root.cfg.Paths.FrameExt, "frame file extension")
	cmd.Flags().IntVar(&first, "first", proc.First, "first frame index")
	cmd.Flags().IntVar(&n, "n", proc.MaxImages, "number of frames")
	cmd.Flags().IntVar(&nBack, "n-back", proc.NBack, "frames averaged for the background")
	cmd.Flags().BoolVar(&color, "color", proc.Color, "keep colour channels")
	cmd.Flags().BoolVar(&distortion, "distortion", proc.ApplyDistortion, "apply the distortion model")
	cmd.Flags().BoolVar(&subtract, "subtract-background", proc.SubtractBackground, "subtract the background frame")
	cmd.Flags().IntVar(&workers, "workers", proc.FrameWorkers, "parallel frame workers")
	cmd.Flags().StringVar(&mdist, "mdist", root.cfg.Paths.MDist, "base name of corrected frames")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutPath, "output directory")
	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		start     int
		count     int
		x, y      int
		width     int
		height    int
		threshold float64
		radius    int
		average   bool
		reg       string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "register [frames_base]",
		Short: "Align corrected frames on a window and stack them",
		Long: `Align <mdist>start.. against the window of the start frame and stack the
aligned frames into <reg>_add.fit. Registration stops at the first frame
that cannot be aligned; if fewer than two frames align the job fails and
suggests a smaller --count.

Examples:
  mspec register --start 1 --count 12 --x 200 --y 150 --width 64 --height 48
  mspec register out/mdist --average`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("register"),
				Type:      pipeline.JobRegister,
				InputPath: inputArg(args, ""),
				Output:    output,
				Options: map[string]any{
					"start":     start,
					"count":     count,
					"x":         x,
					"y":         y,
					"width":     width,
					"height":    height,
					"threshold": threshold,
					"radius":    radius,
					"average":   average,
					"reg":       reg,
					"source":    "cli",
				},
			}
			return root.run(cmd.Context(), job)
		},
	}

	rc := root.cfg.Registration
	cmd.Flags().IntVar(&start, "start", 1, "start frame")
	cmd.Flags().IntVar(&count, "count", 0, "frames to register (0: all corrected frames)")
	cmd.Flags().IntVar(&x, "x", 0, "window left edge")
	cmd.Flags().IntVar(&y, "y", 0, "window top edge")
	cmd.Flags().IntVar(&width, "width", 0, "window width (0: central half of the frame)")
	cmd.Flags().IntVar(&height, "height", 0, "window height")
	cmd.Flags().Float64Var(&threshold, "threshold", rc.Threshold, "minimum normalised cross-correlation")
	cmd.Flags().IntVar(&radius, "radius", rc.SearchRadius, "search radius in pixels")
	cmd.Flags().BoolVar(&average, "average", rc.Average, "write the mean instead of the sum")
	cmd.Flags().StringVar(&reg, "reg", root.cfg.Paths.RegBase, "base name of registered frames")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutPath, "output directory")
	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		rowMin      int
		rowMax      int
		columnBands int
		rowBands    int
		minContrast float64
		name        string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "extract [image]",
		Short: "Remove tilt and slant and sum rows into a raw spectrum",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rowMax < rowMin {
				return fmt.Errorf("row-max %d below row-min %d", rowMax, rowMin)
			}
			job := pipeline.Job{
				ID:        newID("extract"),
				Type:      pipeline.JobExtract,
				InputPath: inputArg(args, ""),
				Output:    output,
				Options: map[string]any{
					"rowMin":      rowMin,
					"rowMax":      rowMax,
					"columnBands": columnBands,
					"rowBands":    rowBands,
					"minContrast": minContrast,
					"name":        name,
					"source":      "cli",
				},
			}
			return root.run(cmd.Context(), job)
		},
	}

	ec := root.cfg.Extraction
	cmd.Flags().IntVar(&rowMin, "row-min", 0, "first summed row")
	cmd.Flags().IntVar(&rowMax, "row-max", 0, "last summed row (0 with row-min 0: all rows)")
	cmd.Flags().IntVar(&columnBands, "column-bands", ec.ColumnBands, "column bands used for tilt")
	cmd.Flags().IntVar(&rowBands, "row-bands", ec.RowBands, "row bands used for slant")
	cmd.Flags().Float64Var(&minContrast, "min-contrast", ec.MinContrast, "minimum peak contrast of a band")
	cmd.Flags().StringVar(&name, "name", "", "output base name (default: input without extension)")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutPath, "output directory for --name")
	return cmd
}

func newAddCmd(root *Root) *cobra.Command {
	var (
		average bool
		name    string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "add <image> <image>...",
		Short: "Sum or average images of the same size",
		Example: `  mspec add night1/r_add.fit night2/r_add.fit --name out/both
  mspec add out/r1.fit out/r2.fit out/r3.fit --average`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:     newID("add"),
				Type:   pipeline.JobAdd,
				Output: output,
				Options: map[string]any{
					"images":  args,
					"average": average,
					"name":    name,
					"source":  "cli",
				},
			}
			return root.run(cmd.Context(), job)
		},
	}

	cmd.Flags().BoolVar(&average, "average", false, "divide the sum by the number of images")
	cmd.Flags().StringVar(&name, "name", "", "output base name (default: <output>/m_add)")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutPath, "output directory")
	return cmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		degree      int
		disp        float64
		table       string
		lines       []string
		drop        []float64
		lineList    string
		minContrast float64
		name        string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "calibrate <spectrum.dat>",
		Short: "Fit a pixel to wavelength polynomial and apply it",
		Long: `Refine line picks on a raw spectrum, save the calibration table as
<name>.txt, fit a polynomial of the given degree and write <name>cal.dat.
A pick is x0:width:wavelength or x0:width:name, the name being looked up in
the line list.

Examples:
  mspec calibrate out/r_add.dat --line 412:6:589 --line 655:6:777.4 --degree 1
  mspec calibrate out/r_add.dat --table out/r_add.txt --line "520:5:Mg I" --degree 2
  mspec calibrate out/r_add.dat --degree 0 --disp 2.4 --line 130:4:zero`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			picks := make([]calib.LineRequest, 0, len(lines))
			for _, l := range lines {
				p, err := parseLinePick(l)
				if err != nil {
					return err
				}
				picks = append(picks, p)
			}
			if degree < 0 || degree > calib.MaxDegree {
				return fmt.Errorf("degree must be within 0..%d", calib.MaxDegree)
			}
			job := pipeline.Job{
				ID:        newID("calibrate"),
				Type:      pipeline.JobCalibrate,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"degree":      degree,
					"disp":        disp,
					"table":       table,
					"lines":       picks,
					"drop":        drop,
					"lineList":    lineList,
					"minContrast": minContrast,
					"name":        name,
					"source":      "cli",
				},
			}
			return root.run(cmd.Context(), job)
		},
	}

	cc := root.cfg.Calibration
	cmd.Flags().IntVar(&degree, "degree", cc.Degree, "polynomial degree (0: fixed dispersion)")
	cmd.Flags().Float64Var(&disp, "disp", root.cfg.Geometry.Disp0, "dispersion in wavelength per pixel for degree 0")
	cmd.Flags().StringVar(&table, "table", "", "existing calibration table to start from")
	cmd.Flags().StringArrayVar(&lines, "line", nil, "line pick x0:width:wavelength|name (repeatable)")
	cmd.Flags().Float64SliceVar(&drop, "drop", nil, "pixel positions of table entries to remove")
	cmd.PersistentFlags().StringVar(&lineList, "line-list", cc.LineList, "reference line list")
	cmd.Flags().Float64Var(&minContrast, "min-contrast", cc.MinContrast, "minimum peak contrast of a pick")
	cmd.Flags().StringVar(&name, "name", "", "output base name (default: input without extension)")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutPath, "output directory for --name")

	linesCmd := &cobra.Command{
		Use:   "lines",
		Short: "List the reference lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			list := calib.DefaultLines()
			if lineList != "" {
				loaded, err := calib.LoadLineList(lineList)
				if err != nil {
					return err
				}
				list = loaded
			}
			for _, l := range list {
				fmt.Fprintln(cmd.OutOrStdout(), l.String())
			}
			return nil
		},
	}
	cmd.AddCommand(linesCmd)
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		ext    string
		settle time.Duration
		first  int
	)

	cmd := &cobra.Command{
		Use:   "watch [frame_base]",
		Short: "Run distortion correction whenever a frame sequence stops growing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := inputArg(args, root.cfg.Paths.FrameBase)
			root.log.Info("watching frame sequence", "base", base, "ext", ext, "settle", settle)
			return root.watch(cmd.Context(), base, ext, settle, map[string]any{"first": first})
		},
	}

	cmd.Flags().StringVar(&ext, "ext", root.cfg.Paths.FrameExt, "frame file extension")
	cmd.Flags().DurationVar(&settle, "settle", 3*time.Second, "time the frame count must stay unchanged")
	cmd.Flags().IntVar(&first, "first", root.cfg.Processing.First, "first frame index")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health endpoint",
		Long: `Start an HTTP server for job submission, history and live progress
(/healthz, /jobs, /jobs/{id}, /jobs/{id}/offsets, /stream, /ws) and a gRPC
health service that mirrors pipeline liveness.

Examples:
  mspec serve --addr :8080 --grpc-addr :9090
  mspec serve --grpc-addr ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(cmd.Context(), root, addr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address, empty to disable")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "Show recent jobs or the result of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := root.store.Job(args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				fmt.Fprintf(out, "%s %s %s\n", rec.ID, rec.JobType, rec.Status)
				if rec.Error != "" {
					fmt.Fprintf(out, "error: %s\n", rec.Error)
				}
				meta, err := root.store.JobMeta(args[0])
				if err == nil {
					root.printResult(pipeline.Result{Meta: meta})
				}
				return nil
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Fprintf(out, "%-48s %-10s %-9s %s\n", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs listed")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or initialise the mspec configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Save(root.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion(cmd.OutOrStdout())
		},
	}
}
