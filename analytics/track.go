package analytics

import (
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable/resumable"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates the underlying tracker, analytics.NewDefaultTracker in production.
type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	StepExecutionIDEnvKey = "BITRISE_STEP_EXECUTION_ID"
	BuildSlugEnvKey       = "BITRISE_BUILD_SLUG"
	AppSlugEnvKey         = "BITRISE_APP_SLUG"

	StepExecutionID = "step_execution_id"
	BuildSlug       = "build_slug"
	AppSlug         = "app_slug"
)

const (
	eventFileUploaded   = "resumable_upload_file_uploaded"
	eventFileFailed     = "resumable_upload_file_failed"
	eventFileRejected   = "resumable_upload_file_rejected"
	eventUploadComplete = "resumable_upload_completed"
)

// UploadTracker sends upload analytics events.
type UploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger

	mu      sync.Mutex
	started map[*resumable.FileUpload]time.Time
	begin   time.Time
}

// NewUploadTracker creates a tracker tagged with the build, app and step execution of the environment.
func NewUploadTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) *UploadTracker {
	p := analytics.Properties{
		BuildSlug:       repository.Get(BuildSlugEnvKey),
		AppSlug:         repository.Get(AppSlugEnvKey),
		StepExecutionID: repository.Get(StepExecutionIDEnvKey),
	}
	return &UploadTracker{
		tracker: trackerFactory(logger, p),
		logger:  logger,
		started: map[*resumable.FileUpload]time.Time{},
	}
}

// NewDefaultUploadTracker ...
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) *UploadTracker {
	return NewUploadTracker(repository, logger, analytics.NewDefaultTracker)
}

// Attach subscribes the tracker to the scheduler events. The returned func unsubscribes.
func (t *UploadTracker) Attach(s *resumable.Scheduler) func() {
	unsubscribe := []func(){
		s.On(resumable.EventUploadStart, func(resumable.Event) { t.uploadStarted(time.Now()) }),
		s.On(resumable.EventFileAdded, func(e resumable.Event) { t.fileAdded(e.File, time.Now()) }),
		s.On(resumable.EventFileSuccess, func(e resumable.Event) { t.FileUploaded(e.File) }),
		s.On(resumable.EventFileError, func(e resumable.Event) { t.FileFailed(e.File, e.Message) }),
		s.On(resumable.EventFileProcessingFailed, func(e resumable.Event) { t.FileRejected(e.Reason, e.Category) }),
		s.On(resumable.EventComplete, func(resumable.Event) { t.UploadCompleted(s.Stats(), s.Size()) }),
	}

	return func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}
}

func (t *UploadTracker) uploadStarted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.begin.IsZero() {
		t.begin = now
	}
}

func (t *UploadTracker) fileAdded(f *resumable.FileUpload, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.started[f] = now
}

func (t *UploadTracker) since(f *resumable.FileUpload) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.started[f]
	if !ok {
		return 0
	}
	delete(t.started, f)
	return time.Since(started)
}

// FileUploaded ...
func (t *UploadTracker) FileUploaded(f *resumable.FileUpload) {
	properties := analytics.Properties{
		"category":          f.Category(),
		"upload_size_bytes": f.Size(),
		"chunk_count":       len(f.Chunks()),
		"upload_time_s":     t.since(f).Truncate(time.Second).Seconds(),
	}
	t.tracker.Enqueue(eventFileUploaded, properties)
}

// FileFailed ...
func (t *UploadTracker) FileFailed(f *resumable.FileUpload, message string) {
	properties := analytics.Properties{
		"category":          f.Category(),
		"upload_size_bytes": f.Size(),
		"error":             message,
	}
	t.since(f)
	t.tracker.Enqueue(eventFileFailed, properties)
}

// FileRejected ...
func (t *UploadTracker) FileRejected(reason resumable.FailureReason, category string) {
	properties := analytics.Properties{
		"category": category,
		"reason":   string(reason),
	}
	t.tracker.Enqueue(eventFileRejected, properties)
}

// UploadCompleted reports the totals of a finished upload.
func (t *UploadTracker) UploadCompleted(stats *resumable.Stats, totalSize int64) {
	t.mu.Lock()
	var elapsed time.Duration
	if !t.begin.IsZero() {
		elapsed = time.Since(t.begin)
	}
	t.mu.Unlock()

	properties := analytics.Properties{
		"upload_size_bytes":    totalSize,
		"upload_time_s":        elapsed.Truncate(time.Second).Seconds(),
		"chunk_count":          stats.FinishedCount(),
		"probed_chunk_count":   stats.ProbedCount(),
		"retried_chunk_count":  stats.RetryCount(),
		"failed_chunk_count":   stats.FailedCount(),
		"avg_chunk_upload_ms":  stats.Average().Milliseconds(),
		"uploaded_chunk_bytes": stats.UploadedBytes(),
	}
	t.tracker.Enqueue(eventUploadComplete, properties)
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
