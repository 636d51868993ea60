package resumable

import (
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-resumable/resumable/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Scheduler uploads files of named categories chunk by chunk, keeping a fixed number of requests in flight.
//
// Every state change happens on the scheduler's own goroutine. The exported methods of Scheduler,
// FileUpload and Chunk wait for it, so they must not be called from HeadersFunc, QueryFunc or
// transport callbacks. Event handlers run on a separate goroutine and may call them freely.
type Scheduler struct {
	cfg       Config
	logger    log.Logger
	transport transport.Transport
	reporter  ErrorReporter
	stats     *Stats
	bus       *Bus
	loop      *loop

	categories []string
	known      map[string]bool
	files      map[string][]*FileUpload
	pending    map[string]bool
	cancelling bool
}

// New validates cfg and creates a Scheduler. Unset encoding, method, progress and collaborator
// options fall back to DefaultConfig.
func New(cfg Config) (*Scheduler, error) {
	cfg = withDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	categories, err := cfg.categories()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:        cfg,
		logger:     cfg.Logger,
		transport:  cfg.Transport,
		reporter:   cfg.Reporter,
		stats:      NewStats(),
		bus:        NewBus(),
		loop:       newLoop(),
		categories: categories,
		known:      map[string]bool{},
		files:      map[string][]*FileUpload{},
		pending:    map[string]bool{},
	}
	for _, category := range categories {
		s.known[category] = true
		s.files[category] = nil
		s.pending[category] = true
	}

	return s, nil
}

func withDefaults(cfg Config) Config {
	defaults := DefaultConfig()

	if cfg.ParamNames == (ParamNames{}) {
		cfg.ParamNames = defaults.ParamNames
	}
	if cfg.Method == "" {
		cfg.Method = defaults.Method
	}
	if cfg.ChunkFormat == "" {
		cfg.ChunkFormat = defaults.ChunkFormat
	}
	if cfg.FileParameterName == "" {
		cfg.FileParameterName = defaults.FileParameterName
	}
	if cfg.UploadMethod == "" {
		cfg.UploadMethod = http.MethodPost
	}
	if cfg.TestMethod == "" {
		cfg.TestMethod = http.MethodGet
	}
	if cfg.UnconfirmedProgressFactor == 0 {
		cfg.UnconfirmedProgressFactor = defaults.UnconfirmedProgressFactor
	}
	if cfg.ProgressCompleteThreshold == 0 {
		cfg.ProgressCompleteThreshold = defaults.ProgressCompleteThreshold
	}
	if cfg.GenerateUniqueIdentifier == nil {
		cfg.GenerateUniqueIdentifier = DefaultIdentifier
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger()
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewHTTPTransport(cfg.Logger, cfg.SimultaneousUploads)
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NewLogReporter(cfg.Logger)
	}
	return cfg
}

// sync runs fn on the scheduler goroutine, or directly once the scheduler is closed.
func (s *Scheduler) sync(fn func()) {
	if !s.loop.do(fn) {
		fn()
	}
}

// On subscribes h to one kind of event.
func (s *Scheduler) On(kind EventKind, h Handler) func() {
	return s.bus.On(kind, h)
}

// OnAny subscribes h to every event.
func (s *Scheduler) OnAny(h Handler) func() {
	return s.bus.OnAny(h)
}

// Categories returns the category names in priority order.
func (s *Scheduler) Categories() []string {
	return append([]string(nil), s.categories...)
}

// Stats ...
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// hasCategory is safe off the loop: known is never written after New.
func (s *Scheduler) hasCategory(category string) bool {
	return s.known[category]
}

// Files returns the files of a category in arrival order.
func (s *Scheduler) Files(category string) ([]*FileUpload, error) {
	if category == "" {
		category = s.cfg.DefaultFileCategory
	}
	if !s.hasCategory(category) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	var files []*FileUpload
	s.sync(func() {
		files = append(files, s.files[category]...)
	})
	return files, nil
}

// AllFiles returns the files of every category, in category then arrival order.
func (s *Scheduler) AllFiles() []*FileUpload {
	var files []*FileUpload
	s.sync(func() {
		files = s.allFiles()
	})
	return files
}

func (s *Scheduler) allFiles() []*FileUpload {
	var files []*FileUpload
	for _, category := range s.categories {
		files = append(files, s.files[category]...)
	}
	return files
}

// FileByIdentifier returns the file of a category with the given identifier, or nil.
func (s *Scheduler) FileByIdentifier(category, identifier string) (*FileUpload, error) {
	if category == "" {
		category = s.cfg.DefaultFileCategory
	}
	if !s.hasCategory(category) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	var file *FileUpload
	s.sync(func() {
		file = s.fileByIdentifier(category, identifier)
	})
	return file, nil
}

func (s *Scheduler) fileByIdentifier(category, identifier string) *FileUpload {
	for _, f := range s.files[category] {
		if f.identifier == identifier {
			return f
		}
	}
	return nil
}

// RemoveFile aborts a file and drops it from its category without events.
func (s *Scheduler) RemoveFile(f *FileUpload) {
	s.sync(func() {
		s.removeFile(f)
	})
}

func (s *Scheduler) removeFile(f *FileUpload) {
	f.abortChunks()

	files := s.files[f.category]
	for i, candidate := range files {
		if candidate == f {
			s.files[f.category] = append(files[:i:i], files[i+1:]...)
			return
		}
	}
}

// Size returns the total size of all files in bytes.
func (s *Scheduler) Size() int64 {
	var size int64
	s.sync(func() {
		for _, f := range s.allFiles() {
			size += f.size
		}
	})
	return size
}

// Progress returns the size weighted progress of all files in [0, 1].
func (s *Scheduler) Progress() float64 {
	var progress float64
	s.sync(func() {
		progress = s.progress()
	})
	return progress
}

func (s *Scheduler) progress() float64 {
	var total, uploaded float64
	for _, f := range s.allFiles() {
		size := float64(f.size)
		if size == 0 {
			size = 1
		}
		uploaded += f.progress() * size
		total += size
	}
	if total == 0 {
		return 0
	}
	return uploaded / total
}

func (s *Scheduler) publishProgress() {
	s.bus.publish(Event{Kind: EventProgress, Progress: s.progress()})
}

// IsUploading reports whether any chunk of any file is uploading.
func (s *Scheduler) IsUploading() bool {
	var uploading bool
	s.sync(func() {
		uploading = s.isUploading()
	})
	return uploading
}

func (s *Scheduler) isUploading() bool {
	for _, f := range s.allFiles() {
		if f.isUploading() {
			return true
		}
	}
	return false
}

// Upload starts sending chunks. It does nothing while an upload is running.
func (s *Scheduler) Upload() {
	s.sync(s.upload)
}

func (s *Scheduler) upload() {
	if s.isUploading() {
		return
	}

	s.bus.publish(Event{Kind: EventUploadStart})
	for i := 0; i < s.cfg.SimultaneousUploads; i++ {
		s.uploadNextChunk()
	}
}

// Pause aborts every running chunk request. Upload resumes.
func (s *Scheduler) Pause() {
	s.sync(func() {
		for _, f := range s.allFiles() {
			f.abort()
		}
		s.bus.publish(Event{Kind: EventPause})
	})
}

// Cancel cancels and removes every file.
func (s *Scheduler) Cancel() {
	s.sync(func() {
		s.bus.publish(Event{Kind: EventBeforeCancel})

		s.cancelling = true
		for _, f := range s.allFiles() {
			f.cancel()
		}
		s.cancelling = false

		s.bus.publish(Event{Kind: EventCancel})
	})
}

// Close cancels running requests and stops the scheduler. Queued events are still delivered.
func (s *Scheduler) Close() {
	s.loop.do(func() {
		s.cancelling = true
		for _, f := range s.allFiles() {
			f.abortChunks()
		}
	})
	s.loop.close()
	s.bus.Close()
}

// uploadNextChunk sends at most one chunk. It reports whether one was sent.
func (s *Scheduler) uploadNextChunk() bool {
	if s.cancelling {
		return false
	}

	files := s.allFiles()

	if s.cfg.PrioritizeFirstAndLastChunk {
		for _, f := range files {
			if f.paused || len(f.chunks) == 0 {
				continue
			}
			if first := f.chunks[0]; first.status() == StatusPending {
				first.send()
				return true
			}
		}
		for _, f := range files {
			if f.paused || len(f.chunks) < 2 {
				continue
			}
			if last := f.chunks[len(f.chunks)-1]; last.status() == StatusPending {
				last.send()
				return true
			}
		}
	}

	for _, f := range files {
		if f.upload() {
			return true
		}
	}

	if !s.isUploading() {
		for _, category := range s.categories {
			s.checkCompletion(category)
		}
	}
	return false
}

// checkCompletion publishes the completion of a category, and of the whole upload, the first time
// every file of the category is complete.
func (s *Scheduler) checkCompletion(category string) {
	if !s.pending[category] {
		return
	}

	files := s.files[category]
	if len(files) == 0 {
		return
	}
	for _, f := range files {
		if !f.isComplete() {
			return
		}
	}

	delete(s.pending, category)
	s.logger.Debugf("Category %s complete", category)
	s.bus.publish(Event{Kind: EventCategoryComplete, Category: category})

	if len(s.pending) == 0 {
		s.bus.publish(Event{Kind: EventComplete})
	}
}
