package util

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ResolvePath joins rel onto base unless rel is already absolute, in which
// case rel wins. filepath.Join alone would glue an absolute rel under base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// WriteJSONFile writes v as indented JSON, creating parent directories as
// needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
