package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relativePaths(files []*LocalFile) []string {
	var paths []string
	for _, f := range files {
		paths = append(paths, f.RelativePath())
	}
	return paths
}

func TestCollect(t *testing.T) {
	root := filepath.Join(t.TempDir(), "photos")
	writeFile(t, filepath.Join(root, "b.jpg"), "b")
	writeFile(t, filepath.Join(root, "a.png"), "a")
	writeFile(t, filepath.Join(root, "2023", "summer", "c.jpg"), "c")
	writeFile(t, filepath.Join(root, "2023", "notes.txt"), "n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{
			name: "all files by default",
			want: []string{"photos/2023/notes.txt", "photos/2023/summer/c.jpg", "photos/a.png", "photos/b.jpg"},
		},
		{
			name:     "single pattern",
			patterns: []string{"**/*.jpg"},
			want:     []string{"photos/2023/summer/c.jpg", "photos/b.jpg"},
		},
		{
			name:     "overlapping patterns are deduplicated",
			patterns: []string{"**/*.jpg", "*.jpg", "*.png"},
			want:     []string{"photos/2023/summer/c.jpg", "photos/a.png", "photos/b.jpg"},
		},
		{
			name:     "no match",
			patterns: []string{"**/*.gif"},
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := Collect(root, tt.patterns...)
			require.NoError(t, err)
			defer closeAll(files)

			assert.Equal(t, tt.want, relativePaths(files))
		})
	}
}

func TestCollect_InvalidPattern(t *testing.T) {
	_, err := Collect(t.TempDir(), "[a-")
	assert.EqualError(t, err, "invalid pattern: [a-")
}

func TestCollect_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real.txt"), "r")
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %s", err)
	}

	files, err := Collect(root)
	require.NoError(t, err)
	defer closeAll(files)

	assert.Equal(t, []string{filepath.Base(root) + "/real.txt"}, relativePaths(files))
}
