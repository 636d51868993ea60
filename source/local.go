package source

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
)

// LocalFile is a file on disk. ReadAt is safe for concurrent use.
type LocalFile struct {
	file         *os.File
	name         string
	size         int64
	mimeType     string
	relativePath string

	mu     sync.Mutex
	closed bool
}

// Open opens the file at path. relativePath is reported to the server, it may be empty.
func Open(path, relativePath string) (*LocalFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &LocalFile{
		file:         file,
		name:         info.Name(),
		size:         info.Size(),
		mimeType:     mime.TypeByExtension(filepath.Ext(path)),
		relativePath: filepath.ToSlash(relativePath),
	}, nil
}

// Name ...
func (f *LocalFile) Name() string {
	return f.name
}

// Size ...
func (f *LocalFile) Size() int64 {
	return f.size
}

// Type is derived from the file extension.
func (f *LocalFile) Type() string {
	return f.mimeType
}

// RelativePath ...
func (f *LocalFile) RelativePath() string {
	return f.relativePath
}

// Path returns the path the file was opened with.
func (f *LocalFile) Path() string {
	return f.file.Name()
}

// ReadAt ...
func (f *LocalFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

// Close closes the underlying file.
func (f *LocalFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}
