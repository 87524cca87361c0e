// Package testutil provides fixtures shared by package tests and the BDD suite.
package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o750)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// ListFiles returns all regular files below dir whose name ends with suffix
// (case-insensitive). An empty suffix matches every file.
func ListFiles(t *testing.T, dir, suffix string) []string {
	t.Helper()

	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), strings.ToLower(suffix)) {
			out = append(out, path)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}
