package resumable

import (
	"sync"
	"time"
)

// Stats tracks chunk request metrics of a scheduler.
type Stats struct {
	mu sync.Mutex

	sum            time.Duration
	finishedChunks int64
	probedChunks   int64
	retriedChunks  int64
	failedChunks   int64
	uploadedBytes  int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk upload of size bytes.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
	s.uploadedBytes += size
}

func (s *Stats) probed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probedChunks++
}

func (s *Stats) retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retriedChunks++
}

func (s *Stats) failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedChunks++
}

// Average returns the average upload duration of finished chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of uploaded chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// ProbedCount returns the number of chunks the server already had.
func (s *Stats) ProbedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probedChunks
}

// RetryCount returns the number of retried chunk requests.
func (s *Stats) RetryCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retriedChunks
}

// FailedCount returns the number of chunks that ended in error.
func (s *Stats) FailedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedChunks
}

// UploadedBytes returns the number of bytes sent in successful chunk uploads.
func (s *Stats) UploadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedBytes
}

// TotalDuration returns the sum of all chunk upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
