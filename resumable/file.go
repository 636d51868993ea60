package resumable

// FileUpload coordinates the chunks of one admitted file.
type FileUpload struct {
	s *Scheduler

	file         File
	identifier   string
	fileName     string
	relativePath string
	size         int64
	category     string

	chunks       []*Chunk
	progressMark float64
	paused       bool
	failed       bool
}

func newFileUpload(s *Scheduler, f File, identifier, category string) *FileUpload {
	fu := &FileUpload{
		s:            s,
		file:         f,
		identifier:   identifier,
		fileName:     f.Name(),
		relativePath: relativePathOf(f),
		size:         f.Size(),
		category:     category,
	}
	fu.bootstrap()

	return fu
}

// chunkCount returns the number of chunks a file of size bytes is split into.
func chunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

// Identifier ...
func (f *FileUpload) Identifier() string { return f.identifier }

// FileName ...
func (f *FileUpload) FileName() string { return f.fileName }

// RelativePath falls back to the file name.
func (f *FileUpload) RelativePath() string { return f.relativePath }

// Size ...
func (f *FileUpload) Size() int64 { return f.size }

// Category ...
func (f *FileUpload) Category() string { return f.category }

// File returns the underlying file handle.
func (f *FileUpload) File() File { return f.file }

// Chunks returns a snapshot of the current chunks.
func (f *FileUpload) Chunks() []*Chunk {
	var chunks []*Chunk
	f.s.sync(func() {
		chunks = append(chunks, f.chunks...)
	})
	return chunks
}

// Progress returns the upload progress of the file in [0, 1]. It never decreases.
func (f *FileUpload) Progress() float64 {
	var progress float64
	f.s.sync(func() {
		progress = f.progress()
	})
	return progress
}

// IsUploading reports whether any chunk has a live request or a scheduled retry.
func (f *FileUpload) IsUploading() bool {
	var uploading bool
	f.s.sync(func() {
		uploading = f.isUploading()
	})
	return uploading
}

// IsComplete reports whether every chunk finished, successfully or not.
func (f *FileUpload) IsComplete() bool {
	var complete bool
	f.s.sync(func() {
		complete = f.isComplete()
	})
	return complete
}

// HasError reports whether the file failed permanently.
func (f *FileUpload) HasError() bool {
	var failed bool
	f.s.sync(func() {
		failed = f.failed
	})
	return failed
}

// Upload sends the first pending chunk. It reports whether a chunk was sent.
func (f *FileUpload) Upload() bool {
	var sent bool
	f.s.sync(func() {
		sent = f.upload()
	})
	return sent
}

// Abort cancels the running chunk requests.
func (f *FileUpload) Abort() {
	f.s.sync(f.abort)
}

// Cancel aborts the file and removes it from the scheduler.
func (f *FileUpload) Cancel() {
	f.s.sync(f.cancel)
}

// Retry re-chunks the file and restarts the upload.
func (f *FileUpload) Retry() {
	f.s.sync(f.retry)
}

// MarkChunksCompleted marks the first n chunks as uploaded. It is a no-op when n exceeds the chunk count.
func (f *FileUpload) MarkChunksCompleted(n int) {
	f.s.sync(func() {
		f.markChunksCompleted(n)
	})
}

// SetPaused excludes the file from, or returns it to, chunk dispatch.
func (f *FileUpload) SetPaused(paused bool) {
	f.s.sync(func() {
		f.paused = paused
	})
}

// IsPaused ...
func (f *FileUpload) IsPaused() bool {
	var paused bool
	f.s.sync(func() {
		paused = f.paused
	})
	return paused
}

func (f *FileUpload) publish(e Event) {
	e.File = f
	e.Category = f.category
	f.s.bus.publish(e)
}

func (f *FileUpload) bootstrap() {
	for _, c := range f.chunks {
		c.abort()
	}
	f.chunks = nil
	f.failed = false
	f.progressMark = 0

	count := chunkCount(f.size, f.s.cfg.ChunkSize)
	f.publish(Event{Kind: EventChunkingStart})
	for offset := 0; offset < count; offset++ {
		f.chunks = append(f.chunks, newChunk(f, offset))
		f.publish(Event{Kind: EventChunkingProgress, Progress: float64(offset+1) / float64(count)})
	}
	f.publish(Event{Kind: EventChunkingComplete})
}

func (f *FileUpload) handleChunkProgress(c *Chunk) {
	f.publish(Event{Kind: EventChunkProgress, Chunk: c})
	f.publish(Event{Kind: EventFileProgress, Chunk: c})
	f.s.publishProgress()
}

func (f *FileUpload) handleChunkSuccess(c *Chunk, message string) {
	if f.failed {
		return
	}

	f.publish(Event{Kind: EventChunkSuccess, Chunk: c, Message: message})
	f.publish(Event{Kind: EventFileProgress, Chunk: c, Message: message})
	f.s.publishProgress()

	if f.isComplete() {
		f.s.logger.Debugf("Uploaded %s (%d chunks)", f.fileName, len(f.chunks))
		f.publish(Event{Kind: EventFileSuccess, Message: message})
		f.s.checkCompletion(f.category)
	}
}

func (f *FileUpload) handleChunkError(c *Chunk, message string) {
	f.abort()
	f.failed = true
	f.chunks = nil

	f.publish(Event{Kind: EventChunkError, Chunk: c, Message: message})
	f.publish(Event{Kind: EventFileError, Chunk: c, Message: message})
	f.s.publishProgress()
	f.s.checkCompletion(f.category)
}

func (f *FileUpload) handleChunkRetry(c *Chunk, message string) {
	f.publish(Event{Kind: EventChunkRetry, Chunk: c, Message: message})
	f.publish(Event{Kind: EventFileRetry, Chunk: c, Message: message})
}

func (f *FileUpload) progress() float64 {
	if f.failed {
		f.progressMark = 1
		return 1
	}

	total := 0.0
	errored := false
	for _, c := range f.chunks {
		if c.status() == StatusError {
			errored = true
		}
		total += c.progress(true)
	}
	if errored || total > f.s.cfg.ProgressCompleteThreshold {
		total = 1
	}

	if total < f.progressMark {
		total = f.progressMark
	}
	f.progressMark = total

	return total
}

func (f *FileUpload) isUploading() bool {
	for _, c := range f.chunks {
		if c.status() == StatusUploading {
			return true
		}
	}
	return false
}

func (f *FileUpload) isComplete() bool {
	for _, c := range f.chunks {
		switch c.status() {
		case StatusPending, StatusUploading:
			return false
		}
	}
	return true
}

func (f *FileUpload) upload() bool {
	if f.paused {
		return false
	}

	for _, c := range f.chunks {
		if c.status() == StatusPending {
			c.send()
			return true
		}
	}
	return false
}

// abortChunks aborts the uploading chunks and returns them.
func (f *FileUpload) abortChunks() []*Chunk {
	var aborted []*Chunk
	for _, c := range f.chunks {
		if c.status() == StatusUploading {
			c.abort()
			aborted = append(aborted, c)
		}
	}
	return aborted
}

func (f *FileUpload) abort() {
	aborted := f.abortChunks()
	for _, c := range aborted {
		f.publish(Event{Kind: EventChunkCancel, Chunk: c})
	}
	if len(aborted) > 0 {
		f.publish(Event{Kind: EventFileProgress})
		f.s.publishProgress()
	}
}

func (f *FileUpload) cancel() {
	aborted := f.abortChunks()
	f.chunks = nil
	// Out of the category before refilling, so a chunkless file never counts as complete.
	f.s.removeFile(f)

	for _, c := range aborted {
		f.publish(Event{Kind: EventChunkCancel, Chunk: c})
		f.s.uploadNextChunk()
	}

	f.publish(Event{Kind: EventFileCancel})
	f.publish(Event{Kind: EventFileProgress, Message: ""})
	f.s.publishProgress()
}

func (f *FileUpload) retry() {
	f.bootstrap()
	f.s.upload()
}

func (f *FileUpload) markChunksCompleted(n int) {
	if n < 0 || n > len(f.chunks) {
		return
	}
	for _, c := range f.chunks[:n] {
		c.markComplete()
	}
}
