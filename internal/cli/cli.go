package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mspec/internal/calib"
	"mspec/internal/config"
	"mspec/internal/grpcserver"
	"mspec/internal/pipeline"
	"mspec/internal/server"
	"mspec/internal/storage"
	"mspec/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, r *Root, httpAddr, grpcAddr string) error

func defaultServe(ctx context.Context, r *Root, httpAddr, grpcAddr string) error {
	pipe, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, httpAddr, r.store, pipe, r.log)
	})
	if grpcAddr != "" {
		health := grpcserver.New(r.log)
		g.Go(func() error {
			health.Track(ctx, pipe, time.Second)
			return nil
		})
		g.Go(func() error {
			return health.ListenAndServe(ctx, grpcAddr)
		})
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	out      io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		out:      os.Stdout,
	}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// enqueueAndWait submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// run submits a job, waits for it and prints its outcome.
func (r *Root) run(ctx context.Context, job pipeline.Job) error {
	res, err := r.enqueueAndWait(ctx, job)
	r.printResult(res)
	var af *tasks.AlignmentFailure
	if errors.As(err, &af) {
		fmt.Fprintf(r.out, "only %d frame(s) aligned from %d; retry with --count %d or adjust the window\n",
			af.Aligned, af.Start, af.SuggestedCount())
	}
	return err
}

func (r *Root) printResult(res pipeline.Result) {
	if res.Meta == nil {
		return
	}
	if lines, ok := res.Meta["report"].([]string); ok {
		for _, l := range lines {
			fmt.Fprintln(r.out, l)
		}
	}
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		switch k {
		case "report", "offsets", "polynomial", "skipped":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "%s: %v\n", k, res.Meta[k])
	}
}

// parseLinePick parses "x0:width:wavelength" or "x0:width:name".
func parseLinePick(s string) (calib.LineRequest, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return calib.LineRequest{}, fmt.Errorf("line %q: want x0:width:wavelength", s)
	}
	x0, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return calib.LineRequest{}, fmt.Errorf("line %q: %w", s, err)
	}
	width, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return calib.LineRequest{}, fmt.Errorf("line %q: %w", s, err)
	}
	req := calib.LineRequest{X0: x0, Width: width}
	last := strings.TrimSpace(parts[2])
	if w, err := strconv.ParseFloat(last, 64); err == nil {
		req.Wavelength = w
	} else {
		req.Name = last
	}
	return req, nil
}

// watch submits a distort job every time the frame sequence settles at a new length.
func (r *Root) watch(ctx context.Context, base, ext string, settle time.Duration, options map[string]any) error {
	sw, err := tasks.NewSequenceWatcher(base, ext, settle, r.log)
	if err != nil {
		return err
	}
	if err := sw.Start(); err != nil {
		return err
	}
	defer sw.Stop()

	first := r.cfg.Processing.First
	if v, ok := options["first"].(int); ok {
		first = v
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sw.Events:
			n := ev.Count - first + 1
			if n < 1 {
				r.log.Info("sequence shorter than first frame", "count", ev.Count, "first", first)
				continue
			}
			if limit := r.cfg.Processing.MaxImages; limit > 0 && n > limit {
				n = limit
			}
			opts := map[string]any{"ext": ext, "first": first, "n": n, "source": "watch"}
			for k, v := range options {
				if _, set := opts[k]; !set {
					opts[k] = v
				}
			}
			job := pipeline.Job{ID: newID("distort"), Type: pipeline.JobDistort, InputPath: base, Options: opts}
			if err := r.enqueue(ctx, job); err != nil {
				r.log.Warn("watch submit failed", "error", err)
			}
		}
	}
}
