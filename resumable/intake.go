package resumable

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

type candidate struct {
	file       File
	identifier string
}

// AddFile admits a single file. It returns nil without error when the file was rejected.
func (s *Scheduler) AddFile(ctx context.Context, f File, category string) (*FileUpload, error) {
	accepted, err := s.AddFiles(ctx, []File{f}, category)
	if err != nil || len(accepted) == 0 {
		return nil, err
	}
	return accepted[0], nil
}

// AddFiles validates a batch of files and admits the ones that pass into category, the default
// category when empty. Rejections are published as FileProcessingFailed events. Only an unknown
// category is returned as an error.
func (s *Scheduler) AddFiles(ctx context.Context, files []File, category string) ([]*FileUpload, error) {
	if category == "" {
		category = s.cfg.DefaultFileCategory
	}
	if !s.hasCategory(category) {
		s.reject(&AdmissionError{Reason: ReasonUnknownFileCategory, Category: category}, files)
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if len(files) == 0 {
		return nil, nil
	}

	s.bus.publish(Event{Kind: EventFileProcessingBegin, Category: category, Sources: files})

	var skipped []File
	seen := map[string]bool{}
	candidates := make([]candidate, 0, len(files))
	for _, f := range files {
		identifier, err := s.cfg.GenerateUniqueIdentifier(ctx, f)
		if err != nil {
			s.reject(&AdmissionError{Reason: ReasonValidation, File: f, Category: category, Err: fmt.Errorf("identifier: %w", err)}, nil)
			continue
		}
		if seen[identifier] {
			s.reject(&AdmissionError{Reason: ReasonDuplicate, File: f, Category: category}, nil)
			skipped = append(skipped, f)
			continue
		}
		seen[identifier] = true
		candidates = append(candidates, candidate{file: f, identifier: identifier})
	}

	admitted := true
	s.sync(func() {
		admitted = s.admitCount(category, len(candidates))
	})
	if !admitted {
		s.reject(&AdmissionError{Reason: ReasonMaxFiles, Category: category, Limit: int64(s.cfg.MaxFiles)}, files)
		return nil, nil
	}

	valid := s.validateAll(ctx, candidates, category)

	var accepted []*FileUpload
	s.sync(func() {
		for _, c := range valid {
			if s.fileByIdentifier(category, c.identifier) != nil {
				s.reject(&AdmissionError{Reason: ReasonDuplicate, File: c.file, Category: category}, nil)
				skipped = append(skipped, c.file)
				continue
			}

			f := newFileUpload(s, c.file, c.identifier, category)
			s.files[category] = append(s.files[category], f)
			s.pending[category] = true
			accepted = append(accepted, f)

			s.bus.publish(Event{Kind: EventFileAdded, Category: category, File: f, Source: c.file})
		}

		if len(accepted) > 0 || len(skipped) > 0 {
			s.bus.publish(Event{Kind: EventFilesAdded, Category: category, Accepted: accepted, Skipped: skipped})
		}
	})

	return accepted, nil
}

// admitCount applies the file count limit to a batch of n files. With a limit of one, a single new
// file replaces the single present one.
func (s *Scheduler) admitCount(category string, n int) bool {
	limit := s.cfg.MaxFiles
	if limit <= 0 {
		return true
	}

	present := s.files[category]
	if n+len(present) <= limit {
		return true
	}
	if limit == 1 && len(present) == 1 && n == 1 {
		s.logger.Debugf("Replacing %s", present[0].fileName)
		s.removeFile(present[0])
		return true
	}
	return false
}

// reject publishes a failed admission for err.File, or for every file of batch.
func (s *Scheduler) reject(err *AdmissionError, batch []File) {
	s.reporter.Report(err)

	if err.File != nil {
		s.bus.publish(Event{Kind: EventFileProcessingFailed, Category: err.Category, Source: err.File, Reason: err.Reason, Err: err})
		return
	}
	if len(batch) == 0 {
		s.bus.publish(Event{Kind: EventFileProcessingFailed, Category: err.Category, Reason: err.Reason, Err: err})
		return
	}
	for _, f := range batch {
		s.bus.publish(Event{Kind: EventFileProcessingFailed, Category: err.Category, Source: f, Reason: err.Reason, Err: err})
	}
}

// validateAll checks every candidate concurrently and returns the valid ones in their original order.
func (s *Scheduler) validateAll(ctx context.Context, candidates []candidate, category string) []candidate {
	results := make([]*AdmissionError, len(candidates))

	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c candidate) {
			defer wg.Done()
			results[i] = s.validate(ctx, c.file, category)
		}(i, c)
	}
	wg.Wait()

	valid := make([]candidate, 0, len(candidates))
	for i, c := range candidates {
		if results[i] != nil {
			s.reject(results[i], nil)
			continue
		}
		valid = append(valid, c)
	}
	return valid
}

func (s *Scheduler) validate(ctx context.Context, f File, category string) *AdmissionError {
	if types := s.cfg.fileTypes(category); len(types) > 0 && !matchFileType(types, f.Name(), f.Type()) {
		return &AdmissionError{Reason: ReasonFileType, File: f, Category: category, FileTypes: types}
	}
	if s.cfg.MinFileSize > 0 && f.Size() < s.cfg.MinFileSize {
		return &AdmissionError{Reason: ReasonMinFileSize, File: f, Category: category, Limit: s.cfg.MinFileSize}
	}
	if s.cfg.MaxFileSize > 0 && f.Size() > s.cfg.MaxFileSize {
		return &AdmissionError{Reason: ReasonMaxFileSize, File: f, Category: category, Limit: s.cfg.MaxFileSize}
	}

	extension := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name()), "."))
	if validator, ok := s.cfg.Validators[extension]; ok && validator != nil {
		if err := validator(ctx, f); err != nil {
			return &AdmissionError{Reason: ReasonValidation, File: f, Category: category, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return &AdmissionError{Reason: ReasonValidation, File: f, Category: category, Err: err}
	}
	return nil
}

var bareExtension = regexp.MustCompile(`^[^./][^/]*$`)

// matchFileType reports whether a file matches one of types. An entry is an extension, with or
// without the leading dot, or a MIME type where a '*' matches any suffix.
func matchFileType(types []string, name, mimeType string) bool {
	name = strings.ToLower(name)
	mimeType = strings.ToLower(mimeType)

	for _, t := range types {
		t = strings.ToLower(strings.Join(strings.Fields(t), ""))
		if t == "" {
			continue
		}

		extension := t
		if bareExtension.MatchString(t) {
			extension = "." + t
		}
		if strings.HasSuffix(name, extension) {
			return true
		}

		if !strings.Contains(t, "/") {
			continue
		}
		if i := strings.Index(t, "*"); i >= 0 {
			if strings.HasPrefix(mimeType, t[:i]) {
				return true
			}
		} else if mimeType == t {
			return true
		}
	}
	return false
}
