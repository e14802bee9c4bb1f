package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"mspec/internal/config"
	"mspec/internal/logging"
	"mspec/internal/storage"
	"mspec/internal/tasks"
)

// JobType enumerates the reduction stages a job can run.
type JobType string

const (
	JobBackground JobType = "background"
	JobDistort    JobType = "distort"
	JobRegister   JobType = "register"
	JobExtract    JobType = "extract"
	JobCalibrate  JobType = "calibrate"
	JobAdd        JobType = "add"
)

// JobTypes lists every accepted job type.
var JobTypes = []JobType{JobBackground, JobDistort, JobRegister, JobExtract, JobCalibrate, JobAdd}

// Valid reports whether t names a known stage.
func (t JobType) Valid() bool {
	for _, k := range JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Progress is a stage progress event tagged with the job it belongs to.
type Progress struct {
	JobID string `json:"job_id"`
	tasks.ProgressEvent
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor    Processor
	log          *slog.Logger
	jobs         chan Job
	wg           sync.WaitGroup
	cancel       context.CancelFunc
	startOnce    sync.Once
	stopOnce     sync.Once
	store        *storage.Store
	cfg          *config.Config
	mu           sync.Mutex
	subs         map[int]chan Result
	progressSubs map[int]chan Progress
	nextSubID    int
	stopped      bool
}

// New creates a new Pipeline with the given concurrency. Jobs are routed to
// the reduction stages configured by cfg.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if cfg == nil {
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:          logger,
		jobs:         make(chan Job, concurrency*2),
		cancel:       cancel,
		store:        store,
		cfg:          cfg,
		subs:         make(map[int]chan Result),
		progressSubs: make(map[int]chan Progress),
	}

	p.startOnce.Do(func() {
		p.processor = newRouter(logger, store, cfg, p.publishProgress)
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. A job is recorded as queued
// only once it is accepted.
func (p *Pipeline) Submit(job Job) error {
	if !job.Type.Valid() {
		return errors.New("unknown job type: " + string(job.Type))
	}
	// p.mu serializes every send on p.jobs with Stop closing it, so the
	// capacity check below cannot be invalidated before the send.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}
	if len(p.jobs) == cap(p.jobs) {
		return errors.New("job queue is full")
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}
	p.jobs <- job
	return nil
}

// Running reports whether the pipeline still accepts jobs.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.progressSubs {
			close(ch)
			delete(p.progressSubs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			if res.Error != nil {
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
					"worker":  id,
				})
				if p.store != nil {
					_ = p.store.RecordJobResult(job.ID, "failed", res.Meta, errString(res.Error))
				}
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
				if p.store != nil {
					_ = p.store.RecordJobResult(job.ID, "completed", res.Meta, "")
				}
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeProgress returns a channel of stage progress events. Events are
// dropped for subscribers that fall behind.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Progress, 64)
	p.progressSubs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.progressSubs[id]; ok {
			close(c)
			delete(p.progressSubs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (p *Pipeline) publishProgress(jobID string, ev tasks.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.progressSubs {
		select {
		case ch <- Progress{JobID: jobID, ProgressEvent: ev}:
		default:
		}
	}
}
