package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable/resumable"
	"github.com/bitrise-io/go-resumable/source"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

var errNoFiles = errors.New("no files to upload")

// FileProvider resolves an upload input into files.
type FileProvider interface {
	Files(ctx context.Context, input string) ([]resumable.File, error)
}

// Tracker receives the scheduler events.
type Tracker interface {
	Attach(s *resumable.Scheduler) func()
}

// Result lists the outcome of every admitted file.
type Result struct {
	Uploaded []string
	Failed   []string
	Rejected []string
	Size     int64
	Duration time.Duration
	Stats    *resumable.Stats
}

type uploader struct {
	logger   log.Logger
	provider FileProvider
	tracker  Tracker
}

func (u uploader) run(ctx context.Context, cfg resumable.Config, inputs []string, category string) (Result, error) {
	cfg.Logger = u.logger

	s, err := resumable.New(cfg)
	if err != nil {
		return Result{}, fmt.Errorf("create scheduler: %w", err)
	}
	defer s.Close()

	if u.tracker != nil {
		detach := u.tracker.Attach(s)
		defer detach()
	}

	var files []resumable.File
	for _, input := range inputs {
		resolved, err := u.provider.Files(ctx, input)
		if err != nil {
			return Result{}, fmt.Errorf("resolve %s: %w", input, err)
		}
		u.logger.Debugf("%s: %d file(s)", input, len(resolved))
		files = append(files, resolved...)
	}

	w := newWatcher(u.logger)
	w.attach(s)

	accepted, err := s.AddFiles(ctx, files, category)
	if err != nil {
		return Result{}, err
	}
	if len(accepted) == 0 {
		return Result{}, errNoFiles
	}

	w.expect(len(accepted))
	u.logger.Infof("Uploading %d file(s), %s", len(accepted), units.HumanSize(float64(s.Size())))

	start := time.Now()
	s.Upload()

	select {
	case <-w.done:
	case <-ctx.Done():
		s.Cancel()
		return Result{}, ctx.Err()
	}

	result := w.result()
	result.Size = s.Size()
	result.Duration = time.Since(start)
	result.Stats = s.Stats()
	return result, nil
}

// watcher follows the admitted files until each of them succeeded or failed.
type watcher struct {
	logger log.Logger

	mu           sync.Mutex
	expected     int
	uploaded     []string
	failed       []string
	rejected     []string
	lastReported int
	done         chan struct{}
	closed       bool
}

func newWatcher(logger log.Logger) *watcher {
	return &watcher{
		logger:       logger,
		expected:     -1,
		lastReported: -1,
		done:         make(chan struct{}),
	}
}

func (w *watcher) attach(s *resumable.Scheduler) {
	s.On(resumable.EventFileProcessingFailed, func(e resumable.Event) {
		w.logger.Warnf("Skipping file: %s", e.Err)

		w.mu.Lock()
		defer w.mu.Unlock()
		if e.Source != nil {
			w.rejected = append(w.rejected, e.Source.Name())
		}
	})
	s.On(resumable.EventFileSuccess, func(e resumable.Event) {
		w.logger.Donef("Uploaded %s (%s)", displayName(e.File), units.HumanSize(float64(e.File.Size())))

		w.mu.Lock()
		defer w.mu.Unlock()
		w.uploaded = append(w.uploaded, displayName(e.File))
		w.checkDone()
	})
	s.On(resumable.EventFileError, func(e resumable.Event) {
		w.logger.Errorf("Failed to upload %s: %s", displayName(e.File), e.Message)

		w.mu.Lock()
		defer w.mu.Unlock()
		w.failed = append(w.failed, displayName(e.File))
		w.checkDone()
	})
	s.On(resumable.EventChunkRetry, func(e resumable.Event) {
		w.logger.Debugf("Retrying chunk %d of %s", e.Chunk.Offset()+1, displayName(e.File))
	})
	s.On(resumable.EventProgress, func(e resumable.Event) {
		w.reportProgress(e.Progress)
	})
}

func (w *watcher) expect(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expected = n
	w.checkDone()
}

func (w *watcher) checkDone() {
	if w.closed || w.expected < 0 || len(w.uploaded)+len(w.failed) < w.expected {
		return
	}
	w.closed = true
	close(w.done)
}

// reportProgress logs every 10 percent.
func (w *watcher) reportProgress(progress float64) {
	step := int(math.Floor(progress*10)) * 10

	w.mu.Lock()
	if step <= w.lastReported {
		w.mu.Unlock()
		return
	}
	w.lastReported = step
	w.mu.Unlock()

	w.logger.Printf("Progress: %d%%", step)
}

func (w *watcher) result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Result{
		Uploaded: append([]string(nil), w.uploaded...),
		Failed:   append([]string(nil), w.failed...),
		Rejected: append([]string(nil), w.rejected...),
	}
}

func displayName(f *resumable.FileUpload) string {
	if f.RelativePath() != "" {
		return f.RelativePath()
	}
	return f.FileName()
}

var _ FileProvider = (*source.Provider)(nil)
