package resumable

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bitrise-io/go-resumable/resumable/transport"
	"github.com/google/uuid"
)

// Status is the state of a chunk.
type Status int

const (
	StatusPending Status = iota
	StatusUploading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploading:
		return "uploading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	return "unknown"
}

type requestState int

const (
	requestNone requestState = iota
	requestInFlight
	requestFinished
)

// RequestIDHeader is set to a random UUID on every chunk request.
const RequestIDHeader = "X-Request-Id"

// Chunk is one byte range of a file.
type Chunk struct {
	file      *FileUpload
	offset    int
	startByte int64
	endByte   int64

	request    requestState
	statusCode int
	message    string
	cancel     context.CancelFunc
	// generation invalidates completions, progress notifications and retry timers of
	// requests that were aborted or replaced.
	generation int
	startedAt  time.Time

	retries        int
	pendingRetry   bool
	retryTimer     *time.Timer
	tested         bool
	markedComplete bool

	loaded       int64
	lastProgress time.Time
}

func newChunk(f *FileUpload, offset int) *Chunk {
	chunkSize := f.s.cfg.ChunkSize
	start := int64(offset) * chunkSize
	end := start + chunkSize
	if end > f.size {
		end = f.size
	}
	if start > end {
		start = end
	}

	return &Chunk{
		file:      f,
		offset:    offset,
		startByte: start,
		endByte:   end,
	}
}

// Offset is the zero based index of the chunk within its file.
func (c *Chunk) Offset() int {
	return c.offset
}

// StartByte ...
func (c *Chunk) StartByte() int64 {
	return c.startByte
}

// EndByte is exclusive.
func (c *Chunk) EndByte() int64 {
	return c.endByte
}

// File returns the owning file.
func (c *Chunk) File() *FileUpload {
	return c.file
}

// Status ...
func (c *Chunk) Status() Status {
	var status Status
	c.file.s.sync(func() {
		status = c.status()
	})
	return status
}

// Progress returns the upload progress of the chunk, as a share of the whole file when relative is set.
func (c *Chunk) Progress(relative bool) float64 {
	var progress float64
	c.file.s.sync(func() {
		progress = c.progress(relative)
	})
	return progress
}

// Retries returns the number of transient failures so far.
func (c *Chunk) Retries() int {
	var retries int
	c.file.s.sync(func() {
		retries = c.retries
	})
	return retries
}

// IsMarkedComplete ...
func (c *Chunk) IsMarkedComplete() bool {
	var marked bool
	c.file.s.sync(func() {
		marked = c.markedComplete
	})
	return marked
}

// MarkComplete makes the chunk read as uploaded without sending it.
func (c *Chunk) MarkComplete() {
	c.file.s.sync(c.markComplete)
}

// Abort cancels the request of the chunk. Retries and the completion mark are kept.
func (c *Chunk) Abort() {
	c.file.s.sync(c.abort)
}

func (c *Chunk) size() int64 {
	return c.endByte - c.startByte
}

func (c *Chunk) markComplete() {
	c.markedComplete = true
}

// confirmed reports whether a request of the chunk produced a status code.
func (c *Chunk) confirmed() bool {
	return c.request == requestFinished && c.statusCode != 0
}

func (c *Chunk) status() Status {
	cfg := c.file.s.cfg

	switch {
	case c.pendingRetry:
		return StatusUploading
	case c.markedComplete:
		return StatusSuccess
	case c.request == requestNone:
		return StatusPending
	case c.request == requestInFlight:
		return StatusUploading
	case isSuccessStatus(c.statusCode):
		return StatusSuccess
	case cfg.isPermanentError(c.statusCode) || c.retries >= cfg.MaxChunkRetries:
		return StatusError
	}
	return StatusPending
}

func isSuccessStatus(code int) bool {
	return code == http.StatusOK || code == http.StatusCreated
}

func (c *Chunk) progress(relative bool) float64 {
	if c.pendingRetry {
		return 0
	}

	factor := 1.0
	if relative && c.file.size > 0 {
		factor = float64(c.size()) / float64(c.file.size)
	}
	if !c.confirmed() && !c.markedComplete {
		factor *= c.file.s.cfg.UnconfirmedProgressFactor
	}

	switch c.status() {
	case StatusSuccess, StatusError:
		return factor
	case StatusPending:
		return 0
	}

	if c.size() == 0 {
		return 0
	}
	return float64(c.loaded) / float64(c.size()) * factor
}

func (c *Chunk) abort() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.pendingRetry = false

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.request = requestNone
	c.statusCode = 0
	c.message = ""
	c.generation++
}

// begin moves the chunk into the in flight state and returns the request context and generation.
func (c *Chunk) begin() (context.Context, int) {
	c.abort()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout := c.file.s.cfg.Timeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	c.cancel = cancel
	c.request = requestInFlight
	c.loaded = 0
	c.lastProgress = time.Time{}
	c.startedAt = time.Now()

	return ctx, c.generation
}

// send uploads the chunk, probing the server first when probes are enabled.
func (c *Chunk) send() {
	s := c.file.s
	if s.cfg.TestChunks && !c.tested {
		c.probe()
		return
	}

	ctx, gen := c.begin()
	req := c.newRequest(s.cfg.UploadMethod, s.cfg.Target)
	onProgress := func(sent, total int64) {
		s.loop.post(func() {
			c.handleProgress(gen, sent, total)
		})
	}

	s.logger.Debugf("Uploading chunk %d/%d of %s (attempt %d)", c.offset+1, len(c.file.chunks), c.file.fileName, c.retries+1)

	go func() {
		resp, err := c.upload(ctx, req, onProgress)
		s.loop.post(func() {
			c.handleUpload(gen, resp, err)
		})
	}()
}

func (c *Chunk) upload(ctx context.Context, req *transport.Request, onProgress transport.ProgressFunc) (*transport.Response, error) {
	s := c.file.s

	data, err := readRange(c.file.file, c.startByte, c.endByte)
	if err != nil {
		return nil, err
	}

	contentType := c.file.file.Type()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Body = &transport.Body{
		Encoding:    s.cfg.Method,
		Format:      s.cfg.ChunkFormat,
		FieldName:   s.cfg.FileParameterName,
		FileName:    c.file.fileName,
		ContentType: contentType,
		Data:        data,
	}

	return s.transport.Do(ctx, req, onProgress)
}

func (c *Chunk) probe() {
	s := c.file.s

	ctx, gen := c.begin()
	req := c.newRequest(s.cfg.TestMethod, s.cfg.testTarget())

	s.logger.Debugf("Probing chunk %d/%d of %s", c.offset+1, len(c.file.chunks), c.file.fileName)

	go func() {
		resp, err := s.transport.Do(ctx, req, nil)
		s.loop.post(func() {
			c.handleProbe(gen, resp, err)
		})
	}()
}

// finish records the outcome of the in flight request. It reports false for stale completions.
func (c *Chunk) finish(gen int, resp *transport.Response, err error) bool {
	if gen != c.generation || c.request != requestInFlight {
		return false
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.request = requestFinished

	if err != nil {
		c.statusCode = 0
		c.message = err.Error()
		return true
	}
	c.statusCode = resp.StatusCode
	c.message = string(resp.Body)
	return true
}

func (c *Chunk) handleProbe(gen int, resp *transport.Response, err error) {
	if !c.finish(gen, resp, err) {
		return
	}
	c.tested = true

	s := c.file.s
	if c.status() == StatusSuccess {
		s.stats.probed()
		s.logger.Debugf("Chunk %d/%d of %s already uploaded", c.offset+1, len(c.file.chunks), c.file.fileName)
		c.loaded = c.size()
		c.file.handleChunkSuccess(c, c.message)
		s.uploadNextChunk()
		return
	}

	c.send()
}

func (c *Chunk) handleUpload(gen int, resp *transport.Response, err error) {
	if !c.finish(gen, resp, err) {
		return
	}

	s := c.file.s
	message := c.message

	switch c.status() {
	case StatusSuccess:
		c.loaded = c.size()
		s.stats.Update(time.Since(c.startedAt), c.size())
		s.logger.Debugf("Uploaded chunk %d/%d of %s [finished=%d] [avg=%v]", c.offset+1, len(c.file.chunks), c.file.fileName, s.stats.FinishedCount(), s.stats.Average())
		c.file.handleChunkSuccess(c, message)
		s.uploadNextChunk()
	case StatusError:
		s.stats.failed()
		s.logger.Warnf("Chunk %d/%d of %s failed with status %d: %s", c.offset+1, len(c.file.chunks), c.file.fileName, c.statusCode, message)
		c.file.handleChunkError(c, message)
		s.uploadNextChunk()
	default:
		s.stats.retried()
		if err != nil {
			s.logger.Debugf("Chunk %d/%d of %s failed, retrying: %s", c.offset+1, len(c.file.chunks), c.file.fileName, err)
		} else {
			s.logger.Debugf("Chunk %d/%d of %s got status %d, retrying", c.offset+1, len(c.file.chunks), c.file.fileName, c.statusCode)
		}
		c.file.handleChunkRetry(c, message)
		c.retry()
	}
}

func (c *Chunk) retry() {
	s := c.file.s

	c.abort()
	c.retries++

	interval := s.cfg.ChunkRetryInterval
	if interval <= 0 {
		c.send()
		return
	}

	gen := c.generation
	c.pendingRetry = true
	c.retryTimer = time.AfterFunc(interval, func() {
		s.loop.post(func() {
			if gen != c.generation || !c.pendingRetry {
				return
			}
			c.retryTimer = nil
			c.pendingRetry = false
			c.send()
		})
	})
}

func (c *Chunk) handleProgress(gen int, sent, total int64) {
	if gen != c.generation || c.request != requestInFlight {
		return
	}

	loaded := sent
	if total > 0 && total != c.size() {
		loaded = sent * c.size() / total
	}
	if loaded < 0 {
		loaded = 0
	}
	if loaded > c.size() {
		loaded = c.size()
	}
	c.loaded = loaded

	now := time.Now()
	if !c.lastProgress.IsZero() && now.Sub(c.lastProgress) < c.file.s.cfg.ProgressInterval {
		return
	}
	c.lastProgress = now

	c.file.handleChunkProgress(c)
}

func (c *Chunk) newRequest(method, target string) *transport.Request {
	s := c.file.s

	return &transport.Request{
		Method:          method,
		URL:             target,
		Params:          c.params(),
		Headers:         c.headers(),
		WithCredentials: s.cfg.WithCredentials,
	}
}

func (c *Chunk) params() []transport.Param {
	f := c.file
	cfg := f.s.cfg
	names := cfg.ParamNames

	defaults := []transport.Param{
		{Name: names.ChunkNumber, Value: strconv.Itoa(c.offset + 1)},
		{Name: names.ChunkSize, Value: strconv.FormatInt(cfg.ChunkSize, 10)},
		{Name: names.CurrentChunkSize, Value: strconv.FormatInt(c.size(), 10)},
		{Name: names.TotalSize, Value: strconv.FormatInt(f.size, 10)},
		{Name: names.Type, Value: f.file.Type()},
		{Name: names.Identifier, Value: f.identifier},
		{Name: names.FileCategory, Value: f.category},
		{Name: names.FileName, Value: f.fileName},
		{Name: names.RelativePath, Value: f.relativePath},
		{Name: names.TotalChunks, Value: strconv.Itoa(len(f.chunks))},
	}

	params := make([]transport.Param, 0, len(defaults))
	for _, p := range defaults {
		if p.Name != "" {
			params = append(params, p)
		}
	}

	params = mergeParams(params, cfg.Query)
	if cfg.QueryFunc != nil {
		params = mergeParams(params, cfg.QueryFunc(f, c))
	}
	return params
}

// mergeParams sets custom values over the defaults, appending the new names in sorted order.
func mergeParams(params []transport.Param, custom map[string]string) []transport.Param {
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		replaced := false
		for i := range params {
			if params[i].Name == name {
				params[i].Value = custom[name]
				replaced = true
			}
		}
		if !replaced {
			params = append(params, transport.Param{Name: name, Value: custom[name]})
		}
	}
	return params
}

func (c *Chunk) headers() map[string]string {
	cfg := c.file.s.cfg

	headers := map[string]string{RequestIDHeader: uuid.NewString()}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.HeadersFunc != nil {
		for k, v := range cfg.HeadersFunc(c.file, c) {
			headers[k] = v
		}
	}
	return headers
}
