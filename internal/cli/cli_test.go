package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mspec/internal/calib"
	"mspec/internal/config"
	"mspec/internal/pipeline"
	"mspec/internal/tasks"
)

func TestCommandsSubmitJobs(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		check      func(t *testing.T, job pipeline.Job)
	}{
		{"background", []string{"background", filepath.Join(temp, "m"), "--n-back", "7"}, pipeline.JobBackground,
			func(t *testing.T, job pipeline.Job) {
				assert.Equal(t, 7, job.Options["nBack"])
				assert.Equal(t, filepath.Join(temp, "m"), job.InputPath)
			}},
		{"distort", []string{"distort", "--first", "3", "--n", "12", "--distortion=false"}, pipeline.JobDistort,
			func(t *testing.T, job pipeline.Job) {
				assert.Equal(t, root.cfg.Paths.FrameBase, job.InputPath)
				assert.Equal(t, 3, job.Options["first"])
				assert.Equal(t, 12, job.Options["n"])
				assert.Equal(t, false, job.Options["distortion"])
				assert.Equal(t, "mdist", job.Options["mdist"])
			}},
		{"register", []string{"register", "--start", "2", "--count", "9", "--x", "40", "--width", "16", "--average"}, pipeline.JobRegister,
			func(t *testing.T, job pipeline.Job) {
				assert.Equal(t, 2, job.Options["start"])
				assert.Equal(t, 9, job.Options["count"])
				assert.Equal(t, 40, job.Options["x"])
				assert.Equal(t, 16, job.Options["width"])
				assert.Equal(t, true, job.Options["average"])
			}},
		{"extract", []string{"extract", "out/r_add.fit", "--row-min", "10", "--row-max", "30"}, pipeline.JobExtract,
			func(t *testing.T, job pipeline.Job) {
				assert.Equal(t, "out/r_add.fit", job.InputPath)
				assert.Equal(t, 10, job.Options["rowMin"])
				assert.Equal(t, 30, job.Options["rowMax"])
			}},
		{"calibrate", []string{"calibrate", "out/r_add.dat", "--line", "412:6:589", "--line", "520:5:Mg I", "--degree", "1"}, pipeline.JobCalibrate,
			func(t *testing.T, job pipeline.Job) {
				assert.Equal(t, 1, job.Options["degree"])
				assert.Equal(t, []calib.LineRequest{
					{X0: 412, Width: 6, Wavelength: 589},
					{X0: 520, Width: 5, Name: "Mg I"},
				}, job.Options["lines"])
			}},
		{"add", []string{"add", "a.fit", "b.fit", "c.fit", "--average", "--name", "out/abc"}, pipeline.JobAdd,
			func(t *testing.T, job pipeline.Job) {
				assert.Equal(t, []string{"a.fit", "b.fit", "c.fit"}, job.Options["images"])
				assert.Equal(t, true, job.Options["average"])
				assert.Equal(t, "out/abc", job.Options["name"])
			}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			out, err := execute(root, tc.args...)
			require.NoError(t, err)
			jobs := fakePipe.submitted()
			require.Len(t, jobs, 1)
			assert.Equal(t, tc.expectType, jobs[0].Type)
			assert.True(t, strings.HasPrefix(jobs[0].ID, string(tc.expectType)+"-"))
			assert.Equal(t, "cli", jobs[0].Options["source"])
			assert.Contains(t, out, "ok: true")
			tc.check(t, jobs[0])
		})
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)

	_, err := execute(root, "calibrate")
	assert.Error(t, err)
	_, err = execute(root, "calibrate", "a.dat", "--line", "412:6")
	assert.Error(t, err)
	_, err = execute(root, "calibrate", "a.dat", "--degree", "9")
	assert.Error(t, err)
	_, err = execute(root, "extract", "a.fit", "--row-min", "20", "--row-max", "5")
	assert.Error(t, err)
	_, err = execute(root, "add", "only.fit")
	assert.Error(t, err)
	assert.Empty(t, fakePipe.submitted())
}

func TestRegisterFailurePrintsRetryHint(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.jobErrors[string(pipeline.JobRegister)] = &tasks.AlignmentFailure{Start: 4, Aligned: 1, Requested: 10, LastIndex: 5}

	out, err := execute(root, "register", "--start", "4", "--count", "10")
	var af *tasks.AlignmentFailure
	require.ErrorAs(t, err, &af)
	assert.Contains(t, out, "retry with --count 2")
}

func TestParseLinePick(t *testing.T) {
	p, err := parseLinePick("100.5:4:656.3")
	require.NoError(t, err)
	assert.Equal(t, calib.LineRequest{X0: 100.5, Width: 4, Wavelength: 656.3}, p)

	p, err = parseLinePick(" 12 : 3 : Na I ")
	require.NoError(t, err)
	assert.Equal(t, calib.LineRequest{X0: 12, Width: 3, Name: "Na I"}, p)

	for _, bad := range []string{"", "1:2", "x:2:500", "1:y:500"} {
		_, err := parseLinePick(bad)
		assert.Error(t, err, bad)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, r *Root, httpAddr, grpcAddr string) error {
		called = true
		assert.Equal(t, ":9999", httpAddr)
		assert.Equal(t, "", grpcAddr)
		return nil
	}
	_, err := execute(root, "serve", "--addr", ":9999", "--grpc-addr", "")
	require.NoError(t, err)
	assert.True(t, called, "serve function was not invoked")
}

func TestWatchSubmitsDistortJob(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	root.cfg.Processing.MaxImages = 2
	dir := t.TempDir()
	base := filepath.Join(dir, "m")
	for i := 1; i <= 3; i++ {
		touch(t, base+string(rune('0'+i))+".png")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.watch(ctx, base, ".png", 20*time.Millisecond, map[string]any{"first": 1}) }()

	require.Eventually(t, func() bool { return len(fakePipe.submitted()) > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	job := fakePipe.submitted()[0]
	assert.Equal(t, pipeline.JobDistort, job.Type)
	assert.Equal(t, base, job.InputPath)
	assert.Equal(t, 1, job.Options["first"])
	assert.Equal(t, 2, job.Options["n"])
	assert.Equal(t, "watch", job.Options["source"])
}

func TestConfigAndVersionCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)

	out, err := execute(root, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Current configuration")
	assert.Contains(t, out, "registered r")

	out, err = execute(root, "version")
	require.NoError(t, err)
	assert.Contains(t, out, pipeline.Version)

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("MSPEC_CONFIG", cfgPath)
	out, err = execute(root, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, cfgPath)
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err)
}

func TestLinesCommandListsDefaults(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.cfg.Calibration.LineList = ""
	out, err := execute(root, "calibrate", "lines")
	require.NoError(t, err)
	assert.Contains(t, out, "Na I")
	assert.Contains(t, out, "Mg I")
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobExtract}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	_, err := root.enqueueAndWait(context.Background(), job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fakePipe.submitErr = errors.New("queue full")
	_, err = root.enqueueAndWait(context.Background(), pipeline.Job{ID: "other", Type: pipeline.JobExtract})
	assert.EqualError(t, err, "queue full")
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.OutPath = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "mspec.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	out := &bytes.Buffer{}

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		serveFn:  defaultServe,
		out:      out,
	}
	return root, pipe, out
}

func execute(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	submitErr error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.errorFor(job), Meta: map[string]any{"ok": true}}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
}
