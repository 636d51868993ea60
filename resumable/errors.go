package resumable

import (
	"fmt"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// FailureReason tells why a file was not admitted.
type FailureReason string

const (
	ReasonUnknownFileCategory FailureReason = "unknownFileCategory"
	ReasonDuplicate           FailureReason = "duplicate"
	ReasonFileType            FailureReason = "fileType"
	ReasonMinFileSize         FailureReason = "minFileSize"
	ReasonMaxFileSize         FailureReason = "maxFileSize"
	ReasonValidation          FailureReason = "validation"
	ReasonMaxFiles            FailureReason = "maxFiles"
)

// AdmissionError describes a rejected file, or a rejected batch when File is nil.
type AdmissionError struct {
	Reason   FailureReason
	File     File
	Category string

	// Limit is the violated size in bytes or file count.
	Limit     int64
	FileTypes []string

	Err error
}

func (e *AdmissionError) Error() string {
	name := ""
	if e.File != nil {
		name = e.File.Name()
	}

	switch e.Reason {
	case ReasonMaxFiles:
		plural := ""
		if e.Limit != 1 {
			plural = "s"
		}
		return fmt.Sprintf("Please upload no more than %d file%s at a time.", e.Limit, plural)
	case ReasonMinFileSize:
		return fmt.Sprintf("%s is too small, please upload files larger than %s.", name, units.BytesSize(float64(e.Limit)))
	case ReasonMaxFileSize:
		return fmt.Sprintf("%s is too large, please upload files less than %s.", name, units.BytesSize(float64(e.Limit)))
	case ReasonFileType:
		return fmt.Sprintf("%s has type not allowed, please upload files of type %s.", name, strings.Join(e.FileTypes, ", "))
	case ReasonDuplicate:
		return fmt.Sprintf("%s has already been added to %s.", name, e.Category)
	case ReasonUnknownFileCategory:
		return fmt.Sprintf("unknown file category: %s", e.Category)
	case ReasonValidation:
		if e.Err != nil {
			return fmt.Sprintf("%s failed validation: %s", name, e.Err)
		}
		return fmt.Sprintf("%s failed validation", name)
	}
	return fmt.Sprintf("%s rejected: %s", name, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// ErrorReporter receives admission failures.
type ErrorReporter interface {
	Report(err *AdmissionError)
}

// LogReporter writes admission failures to a logger.
type LogReporter struct {
	logger log.Logger
}

// NewLogReporter ...
func NewLogReporter(logger log.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report ...
func (r *LogReporter) Report(err *AdmissionError) {
	switch err.Reason {
	case ReasonDuplicate:
		r.logger.Debugf("%s", err)
	default:
		r.logger.Warnf("%s", err)
	}
}
