package pipeline

import (
	"path/filepath"
	"sort"
	"strings"
)

// DisplayFiles returns the progress names for files, deduplicated and sorted.
func DisplayFiles(files []string, baseDir string) []string {
	names := normalizeProgressFiles(files, baseDir)
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// normalizeProgressFiles maps each input path to its display name: relative
// to baseDir when the file lives under it, slash separated otherwise.
func normalizeProgressFiles(files []string, baseDir string) map[string]string {
	normalized := make(map[string]string, len(files))

	base := strings.TrimSpace(baseDir)
	if base != "" {
		if abs, err := filepath.Abs(base); err == nil {
			base = abs
		}
	}

	for _, file := range files {
		if file == "" {
			continue
		}
		path := filepath.Clean(file)
		if base != "" {
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			if rel, err := filepath.Rel(base, path); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
				path = rel
			}
		}
		normalized[file] = filepath.ToSlash(path)
	}
	return normalized
}
