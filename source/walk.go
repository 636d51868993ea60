package source

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern matches every file below a directory.
const DefaultPattern = "**/*"

// Collect opens the regular files below root that match any of the patterns, DefaultPattern when
// none are given. Relative paths start with the name of root, as in a browser directory upload.
// Symlinks are not followed.
func Collect(root string, patterns ...string) ([]*LocalFile, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	fsys := os.DirFS(absRoot)

	seen := map[string]bool{}
	var matches []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern: %s", pattern)
		}

		found, err := doublestar.Glob(fsys, pattern, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("glob %s in %s: %w", pattern, root, err)
		}
		for _, match := range found {
			if seen[match] {
				continue
			}
			info, err := os.Lstat(filepath.Join(absRoot, filepath.FromSlash(match)))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[match] = true
			matches = append(matches, match)
		}
	}
	sort.Strings(matches)

	base := filepath.Base(absRoot)
	files := make([]*LocalFile, 0, len(matches))
	for _, match := range matches {
		f, err := Open(filepath.Join(absRoot, filepath.FromSlash(match)), path.Join(base, match))
		if err != nil {
			closeAll(files)
			return nil, err
		}
		files = append(files, f)
	}

	return files, nil
}

func closeAll(files []*LocalFile) {
	for _, f := range files {
		f.Close() //nolint:errcheck
	}
}
