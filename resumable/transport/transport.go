// Package transport sends the individual chunk and probe requests issued by the resumable engine.
package transport

import (
	"context"
)

// Encoding selects how a chunk upload request carries its bytes.
type Encoding string

const (
	// EncodingMultipart sends the parameters and the chunk as multipart/form-data.
	EncodingMultipart Encoding = "multipart"
	// EncodingOctet sends the raw chunk bytes as application/octet-stream.
	EncodingOctet Encoding = "octet"
)

// ChunkFormat selects how the chunk is attached to a multipart body.
type ChunkFormat string

const (
	// ChunkFormatBlob attaches the chunk as a binary file part.
	ChunkFormatBlob ChunkFormat = "blob"
	// ChunkFormatBase64 attaches the chunk as a base64 data URL form field.
	ChunkFormatBase64 ChunkFormat = "base64"
)

// Param is a single request parameter. Order is preserved in multipart bodies.
type Param struct {
	Name  string
	Value string
}

// Body is the payload of an upload request.
type Body struct {
	Encoding Encoding
	Format   ChunkFormat

	// FieldName is the multipart field holding the chunk.
	FieldName string
	// FileName and ContentType describe the multipart file part.
	FileName    string
	ContentType string

	Data []byte
}

// Request describes one chunk request. Probe requests have a nil Body.
type Request struct {
	Method          string
	URL             string
	Params          []Param
	Headers         map[string]string
	Body            *Body
	WithCredentials bool
}

// Response is the status code and the body returned by the server.
type Response struct {
	StatusCode int
	Body       []byte
}

// ProgressFunc is notified as request body bytes are written.
type ProgressFunc func(sent, total int64)

// Transport sends a request and waits for its response.
// A non-nil error means no status code was received (network error, timeout, cancellation).
type Transport interface {
	Do(ctx context.Context, req *Request, progress ProgressFunc) (*Response, error)
}
