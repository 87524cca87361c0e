package capture

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MeKo-Tech/docscan/internal/utils"
)

// Filter selects the files Discover returns.
type Filter struct {
	Recursive bool
	// Include and Exclude are filepath.Match patterns applied to base names.
	Include []string
	Exclude []string
	// Extensions limits results by extension (with dot, lower case). Empty
	// means the supported image extensions.
	Extensions []string
}

// Discover expands files and directories into the list of matching files.
// Explicit file arguments are checked against the extension list too.
// Results keep argument order; files inside a directory are sorted by name.
func Discover(args []string, f Filter) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}

		if info.IsDir() {
			found, err := discoverInDirectory(arg, f)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
		} else if f.matches(arg) {
			files = append(files, arg)
		}
	}
	return files, nil
}

func discoverInDirectory(dir string, f Filter) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (!f.Recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if f.matches(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (f Filter) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if !f.hasExtension(path) {
		return false
	}
	if matchesAnyPattern(base, f.Exclude) {
		return false
	}
	if len(f.Include) == 0 {
		return true
	}
	return matchesAnyPattern(base, f.Include)
}

func (f Filter) hasExtension(path string) bool {
	if len(f.Extensions) == 0 {
		return utils.IsSupportedImage(path)
	}
	return slices.Contains(f.Extensions, strings.ToLower(filepath.Ext(path)))
}

func matchesAnyPattern(base string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
