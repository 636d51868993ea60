package source

import (
	"bytes"
)

// BytesFile serves a file from memory.
type BytesFile struct {
	name         string
	mimeType     string
	relativePath string
	reader       *bytes.Reader
}

// NewBytesFile creates a file from data. The slice must not be modified afterwards.
func NewBytesFile(name, mimeType string, data []byte) *BytesFile {
	return &BytesFile{
		name:     name,
		mimeType: mimeType,
		reader:   bytes.NewReader(data),
	}
}

// WithRelativePath sets the path reported to the server.
func (f *BytesFile) WithRelativePath(relativePath string) *BytesFile {
	f.relativePath = relativePath
	return f
}

func (f *BytesFile) Name() string         { return f.name }
func (f *BytesFile) Size() int64          { return f.reader.Size() }
func (f *BytesFile) Type() string         { return f.mimeType }
func (f *BytesFile) RelativePath() string { return f.relativePath }

// ReadAt ...
func (f *BytesFile) ReadAt(p []byte, off int64) (int, error) {
	return f.reader.ReadAt(p, off)
}
