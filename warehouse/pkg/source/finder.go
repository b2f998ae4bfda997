// Package source finds extract files in the input directory and parses them
// into typed batches.
package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const extractExt = ".csv"

// Finder locates extracts by file name prefix.
type Finder struct {
	dir string
}

func NewFinder(dir string) *Finder {
	return &Finder{dir: dir}
}

func (f *Finder) Dir() string {
	return f.dir
}

// Find returns the extracts in the input directory whose names start with
// prefix (case-insensitively) and end in .csv, sorted by name. A missing
// input directory yields no files.
func (f *Finder) Find(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list input dir: %w", err)
	}
	prefix = strings.ToLower(prefix)
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(strings.ToLower(name), prefix) || !strings.EqualFold(filepath.Ext(name), extractExt) {
			continue
		}
		out = append(out, filepath.Join(f.dir, name))
	}
	slices.Sort(out)
	return out, nil
}
