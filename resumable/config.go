package resumable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-resumable/resumable/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultFileCategory is used when no category is configured.
const DefaultFileCategory = "default"

var (
	// ErrNoCategories is returned when neither categories nor a default category are configured.
	ErrNoCategories = errors.New("no file categories configured")
	// ErrUnknownCategory is returned when a call references a category that was not configured.
	ErrUnknownCategory = errors.New("unknown file category")
	// ErrInvalidChunkSize is returned for a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	// ErrNoTarget is returned when the upload target URL is missing.
	ErrNoTarget = errors.New("upload target must not be empty")
)

// ParamNames holds the request parameter names. An empty name omits the parameter.
type ParamNames struct {
	ChunkNumber      string
	ChunkSize        string
	CurrentChunkSize string
	TotalSize        string
	Type             string
	Identifier       string
	FileCategory     string
	FileName         string
	RelativePath     string
	TotalChunks      string
}

// DefaultParamNames returns the resumable wire protocol parameter names.
func DefaultParamNames() ParamNames {
	return ParamNames{
		ChunkNumber:      "resumableChunkNumber",
		ChunkSize:        "resumableChunkSize",
		CurrentChunkSize: "resumableCurrentChunkSize",
		TotalSize:        "resumableTotalSize",
		Type:             "resumableType",
		Identifier:       "resumableIdentifier",
		FileCategory:     "resumableFileCategory",
		FileName:         "resumableFilename",
		RelativePath:     "resumableRelativePath",
		TotalChunks:      "resumableTotalChunks",
	}
}

// IdentifierFunc computes the unique identifier of a file. It may block.
type IdentifierFunc func(ctx context.Context, f File) (string, error)

// ValidatorFunc is a custom admission check. A non-nil error rejects the file.
type ValidatorFunc func(ctx context.Context, f File) error

// HeadersFunc computes extra headers for a chunk request.
type HeadersFunc func(f *FileUpload, c *Chunk) map[string]string

// QueryFunc computes extra parameters for a chunk request.
type QueryFunc func(f *FileUpload, c *Chunk) map[string]string

// Config holds configuration for the scheduler.
type Config struct {
	// Target is the upload URL. TestTarget is used for probe requests, defaults to Target.
	Target     string
	TestTarget string

	// ChunkSize is the size of every chunk except possibly the last one.
	// Default: 1 MiB
	ChunkSize int64

	// SimultaneousUploads is the number of chunk requests kept in flight.
	// Default: 3
	SimultaneousUploads int

	// Method selects the body encoding, ChunkFormat the multipart attachment format.
	Method      transport.Encoding
	ChunkFormat transport.ChunkFormat

	// FileParameterName is the multipart field holding the chunk.
	// Default: file
	FileParameterName string
	ParamNames        ParamNames

	UploadMethod string
	TestMethod   string

	Headers     map[string]string
	HeadersFunc HeadersFunc
	Query       map[string]string
	QueryFunc   QueryFunc

	WithCredentials bool
	// Timeout limits a single request, zero means no limit.
	Timeout time.Duration

	// TestChunks enables a probe request before every chunk upload.
	TestChunks                  bool
	PrioritizeFirstAndLastChunk bool

	MaxChunkRetries    int
	ChunkRetryInterval time.Duration
	PermanentErrors    []int

	// ProgressInterval throttles transport progress notifications per chunk.
	// Default: 500ms
	ProgressInterval time.Duration

	// UnconfirmedProgressFactor discounts the progress of chunks without a response yet.
	UnconfirmedProgressFactor float64
	// ProgressCompleteThreshold is the file progress above which it reads as 1.
	ProgressCompleteThreshold float64

	// MaxFiles, MinFileSize and MaxFileSize are admission limits, zero means no limit.
	MaxFiles    int
	MinFileSize int64
	MaxFileSize int64

	// FileTypes lists allowed extensions or MIME types. CategoryFileTypes overrides it per category.
	FileTypes         []string
	CategoryFileTypes map[string][]string

	FileCategories      []string
	DefaultFileCategory string

	// Validators are keyed by lowercase extension without the leading dot.
	Validators               map[string]ValidatorFunc
	GenerateUniqueIdentifier IdentifierFunc

	Transport transport.Transport
	Logger    log.Logger
	Reporter  ErrorReporter
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:                 1024 * 1024,
		SimultaneousUploads:       3,
		Method:                    transport.EncodingMultipart,
		ChunkFormat:               transport.ChunkFormatBlob,
		FileParameterName:         "file",
		ParamNames:                DefaultParamNames(),
		UploadMethod:              http.MethodPost,
		TestMethod:                http.MethodGet,
		TestChunks:                true,
		MaxChunkRetries:           100,
		PermanentErrors:           []int{400, 401, 403, 404, 409, 415, 500, 501},
		ProgressInterval:          500 * time.Millisecond,
		UnconfirmedProgressFactor: 0.95,
		ProgressCompleteThreshold: 0.99999,
		MinFileSize:               1,
		DefaultFileCategory:       DefaultFileCategory,
		GenerateUniqueIdentifier:  DefaultIdentifier,
	}
}

// categories returns the declared categories, the default category included.
func (c Config) categories() ([]string, error) {
	categories := make([]string, 0, len(c.FileCategories)+1)
	seen := map[string]bool{}
	for _, category := range c.FileCategories {
		if category == "" || seen[category] {
			continue
		}
		seen[category] = true
		categories = append(categories, category)
	}

	if c.DefaultFileCategory == "" {
		if len(categories) == 0 {
			return nil, ErrNoCategories
		}
		return categories, nil
	}
	if !seen[c.DefaultFileCategory] {
		categories = append(categories, c.DefaultFileCategory)
	}
	return categories, nil
}

func (c Config) validate() error {
	if c.Target == "" {
		return ErrNoTarget
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.SimultaneousUploads <= 0 {
		return fmt.Errorf("simultaneous uploads must be positive: %d", c.SimultaneousUploads)
	}
	for category := range c.CategoryFileTypes {
		found := false
		for _, declared := range c.FileCategories {
			if declared == category {
				found = true
				break
			}
		}
		if !found && category != c.DefaultFileCategory {
			return fmt.Errorf("%w: file types configured for %s", ErrUnknownCategory, category)
		}
	}
	return nil
}

func (c Config) fileTypes(category string) []string {
	if types, ok := c.CategoryFileTypes[category]; ok {
		return types
	}
	return c.FileTypes
}

func (c Config) testTarget() string {
	if c.TestTarget != "" {
		return c.TestTarget
	}
	return c.Target
}

func (c Config) isPermanentError(status int) bool {
	for _, code := range c.PermanentErrors {
		if code == status {
			return true
		}
	}
	return false
}
