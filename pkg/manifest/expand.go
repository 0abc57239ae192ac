package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ExpandInputs resolves a job spec's glob patterns against the directory
// the manifest lives in and returns the matched file paths, sorted and
// de-duplicated. A pattern matching nothing is an error; silently
// submitting an empty job set hides typos.
func ExpandInputs(manifestDir string, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(manifestDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad input pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("input pattern %q matched no files", pattern)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, err
			}
			if info.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadInputs loads the matched files into a filename -> content map,
// keyed by base name since that is what lands in the remote scratch dir.
func ReadInputs(paths []string) (map[string][]byte, error) {
	files := make(map[string][]byte, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if _, dup := files[name]; dup {
			return nil, fmt.Errorf("duplicate input filename %q (from %s)", name, p)
		}
		body, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", p, err)
		}
		files[name] = body
	}
	return files, nil
}
