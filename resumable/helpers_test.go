package resumable

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable/resumable/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type memFile struct {
	name     string
	mimeType string
	relPath  string
	data     []byte
}

func newMemFile(name string, size int) *memFile {
	return &memFile{name: name, data: bytes.Repeat([]byte("x"), size)}
}

func (f *memFile) Name() string         { return f.name }
func (f *memFile) Size() int64          { return int64(len(f.data)) }
func (f *memFile) Type() string         { return f.mimeType }
func (f *memFile) RelativePath() string { return f.relPath }

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(f.data).ReadAt(p, off)
}

type call struct {
	req *transport.Request
	at  time.Time
}

// fakeTransport answers requests with respond. Requests wait while the gate is closed.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []call
	respond func(req *transport.Request, n int) (*transport.Response, error)
	gate    chan struct{}

	inFlight    int
	maxInFlight int
}

func newFakeTransport(respond func(req *transport.Request, n int) (*transport.Response, error)) *fakeTransport {
	return &fakeTransport{respond: respond}
}

func statusTransport(code int) *fakeTransport {
	return newFakeTransport(func(*transport.Request, int) (*transport.Response, error) {
		return &transport.Response{StatusCode: code}, nil
	})
}

// hold makes every request wait for a token sent by release.
func (t *fakeTransport) hold() *fakeTransport {
	t.gate = make(chan struct{}, 100)
	return t
}

func (t *fakeTransport) release(n int) {
	for i := 0; i < n; i++ {
		t.gate <- struct{}{}
	}
}

func (t *fakeTransport) Do(ctx context.Context, req *transport.Request, progress transport.ProgressFunc) (*transport.Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, call{req: req, at: time.Now()})
	n := len(t.calls)
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()

	if progress != nil && req.Body != nil {
		total := int64(len(req.Body.Data))
		progress(total/2, total)
	}

	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return t.respond(req, n)
}

func (t *fakeTransport) requests() []*transport.Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	reqs := make([]*transport.Request, 0, len(t.calls))
	for _, c := range t.calls {
		reqs = append(reqs, c.req)
	}
	return reqs
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *fakeTransport) peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInFlight
}

func param(req *transport.Request, name string) string {
	for _, p := range req.Params {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

func chunkNumbers(reqs []*transport.Request) []int {
	var numbers []int
	for _, req := range reqs {
		n, _ := strconv.Atoi(param(req, "resumableChunkNumber"))
		numbers = append(numbers, n)
	}
	return numbers
}

func queryOf(req *transport.Request) url.Values {
	values := url.Values{}
	for _, p := range req.Params {
		values.Add(p.Name, p.Value)
	}
	return values
}

type reportRecorder struct {
	mu   sync.Mutex
	errs []*AdmissionError
}

func (r *reportRecorder) Report(err *AdmissionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *reportRecorder) reasons() []FailureReason {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reasons []FailureReason
	for _, err := range r.errs {
		reasons = append(reasons, err.Reason)
	}
	return reasons
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(s *Scheduler) *eventRecorder {
	r := &eventRecorder{}
	s.OnAny(func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) of(kinds ...EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for _, e := range r.events {
		for _, kind := range kinds {
			if e.Kind == kind {
				events = append(events, e)
			}
		}
	}
	return events
}

func testConfig(tr transport.Transport) Config {
	cfg := DefaultConfig()
	cfg.Target = "http://upload.test/chunks"
	cfg.ChunkSize = 10
	cfg.TestChunks = false
	cfg.MinFileSize = 0
	cfg.ProgressInterval = 0
	cfg.Transport = tr
	cfg.Logger = log.NewLogger()
	cfg.Reporter = &reportRecorder{}
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func addFile(t *testing.T, s *Scheduler, f File) *FileUpload {
	t.Helper()

	fu, err := s.AddFile(context.Background(), f, "")
	require.NoError(t, err)
	require.NotNil(t, fu)

	return fu
}

func statuses(f *FileUpload) []Status {
	var result []Status
	for _, c := range f.Chunks() {
		result = append(result, c.Status())
	}
	return result
}

func countStatus(f *FileUpload, status Status) int {
	n := 0
	for _, st := range statuses(f) {
		if st == status {
			n++
		}
	}
	return n
}

// progressTransport reports progress steps times before handing the request to the fake transport.
type progressTransport struct {
	*fakeTransport
	steps int
}

func (t progressTransport) Do(ctx context.Context, req *transport.Request, progress transport.ProgressFunc) (*transport.Response, error) {
	if progress != nil && req.Body != nil {
		total := int64(len(req.Body.Data))
		for i := 1; i <= t.steps; i++ {
			progress(total*int64(i)/int64(t.steps+1), total)
		}
	}
	return t.fakeTransport.Do(ctx, req, progress)
}
