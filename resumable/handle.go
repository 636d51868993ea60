package resumable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/google/uuid"
)

// File is a file handle offered for upload.
type File interface {
	Name() string
	Size() int64
	// Type is the MIME type, empty when unknown.
	Type() string
	// RelativePath is the path below the selected directory, empty for single files.
	RelativePath() string
	io.ReaderAt
}

var identifierStripper = regexp.MustCompile(`[^0-9a-zA-Z_-]`)

// DefaultIdentifier fingerprints a file by its size and relative path.
func DefaultIdentifier(_ context.Context, f File) (string, error) {
	return fmt.Sprintf("%d-%s", f.Size(), identifierStripper.ReplaceAllString(relativePathOf(f), "")), nil
}

// UUIDIdentifier derives a stable name based UUID from the default fingerprint.
func UUIDIdentifier(ctx context.Context, f File) (string, error) {
	fingerprint, err := DefaultIdentifier(ctx, f)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fingerprint)).String(), nil
}

func relativePathOf(f File) string {
	if p := f.RelativePath(); p != "" {
		return p
	}
	return f.Name()
}

func readRange(f File, start, end int64) ([]byte, error) {
	data := make([]byte, end-start)
	if len(data) == 0 {
		return data, nil
	}

	n, err := f.ReadAt(data, start)
	if n == len(data) {
		return data, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read bytes %d-%d of %s: %w", start, end, f.Name(), err)
}
