package tasks

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mspec/internal/fsutil"
)

// SequenceEvent reports a frame sequence that stopped growing.
type SequenceEvent struct {
	Base  string    `json:"base"`
	Ext   string    `json:"ext"`
	Count int       `json:"count"`
	Time  time.Time `json:"time"`
}

// SequenceWatcher monitors the directory of a base+index+ext sequence and
// emits an event once the contiguous frame count has been stable for Settle.
type SequenceWatcher struct {
	Base   string
	Ext    string
	Settle time.Duration
	Events chan SequenceEvent

	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}

	mu        sync.Mutex
	timer     *time.Timer
	lastCount int
}

// NewSequenceWatcher creates a watcher for base+index+ext.
func NewSequenceWatcher(base, ext string, settle time.Duration, log *slog.Logger) (*SequenceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = 2 * time.Second
	}
	return &SequenceWatcher{
		Base:    base,
		Ext:     ext,
		Settle:  settle,
		Events:  make(chan SequenceEvent, 16),
		watcher: w,
		log:     loggerOrDefault(log),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring. Frames already present are reported after Settle.
func (sw *SequenceWatcher) Start() error {
	dir := filepath.Dir(sw.Base)
	if err := sw.watcher.Add(dir); err != nil {
		return err
	}
	sw.log.Info("Watching frame directory", "dir", dir, "base", filepath.Base(sw.Base), "ext", sw.Ext)
	sw.arm()
	go sw.processEvents()
	return nil
}

// Stop stops the watcher. Events is left open.
func (sw *SequenceWatcher) Stop() error {
	close(sw.done)
	sw.mu.Lock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.mu.Unlock()
	return sw.watcher.Close()
}

func (sw *SequenceWatcher) arm() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.Settle, sw.settled)
}

func (sw *SequenceWatcher) settled() {
	n := fsutil.CountSequence(sw.Base, sw.Ext, 0)
	sw.mu.Lock()
	changed := n > 0 && n != sw.lastCount
	if changed {
		sw.lastCount = n
	}
	sw.mu.Unlock()
	if !changed {
		return
	}
	select {
	case <-sw.done:
	case sw.Events <- SequenceEvent{Base: sw.Base, Ext: sw.Ext, Count: n, Time: time.Now()}:
	default:
		sw.log.Warn("Sequence event buffer full, dropping event", "base", sw.Base, "count", n)
	}
}

func (sw *SequenceWatcher) processEvents() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := fsutil.SequenceIndex(sw.Base, sw.Ext, filepath.Join(filepath.Dir(sw.Base), filepath.Base(event.Name))); !ok {
				continue
			}
			sw.arm()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Error("Filesystem watcher error", "error", err)

		case <-sw.done:
			return
		}
	}
}
