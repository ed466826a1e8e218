// Package discovery turns a source tree into source/target path pairs.
//
// Only files sitting exactly one directory below the root are mapped.
// Each keeps its immediate parent directory name under the target root:
//
//	<root>/<subdir>/<file>  ->  <target>/<subdir>/<file>
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileMapping pairs a source image with the path its compressed copy is written to.
type FileMapping struct {
	SourcePath string
	TargetPath string
}

// MapFiles enumerates the first-level subdirectories of root and maps every
// file directly inside them to targetRoot/<subdir>/<file>.
//
// A root that is a regular file yields no mappings; use MapFile for that case.
func MapFiles(root, targetRoot string) ([]FileMapping, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", root, err)
	}
	if !info.IsDir() {
		return []FileMapping{}, nil
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list source %s: %w", root, err)
	}

	mappings := make([]FileMapping, 0)
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		dirPath := filepath.Join(root, dir.Name())
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %s: %w", dirPath, err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			sourcePath := filepath.Join(dirPath, entry.Name())
			mappings = append(mappings, FileMapping{
				SourcePath: sourcePath,
				TargetPath: TargetPathFor(sourcePath, targetRoot),
			})
		}
	}

	return mappings, nil
}

// MapFile maps a single source file the same way MapFiles would map it
// if its parent were a subdirectory of the root.
func MapFile(path, targetRoot string) (FileMapping, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileMapping{}, fmt.Errorf("failed to read source %s: %w", path, err)
	}
	if info.IsDir() {
		return FileMapping{}, fmt.Errorf("%s is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileMapping{}, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return FileMapping{SourcePath: path, TargetPath: TargetPathFor(abs, targetRoot)}, nil
}

// TargetPathFor returns targetRoot/<basename(dirname(sourcePath))>/<basename(sourcePath)>.
func TargetPathFor(sourcePath, targetRoot string) string {
	parent := filepath.Base(filepath.Dir(sourcePath))
	return filepath.Join(targetRoot, parent, filepath.Base(sourcePath))
}

// ExtensionSet is an immutable set of lowercase, dot-prefixed extensions.
type ExtensionSet struct {
	exts map[string]struct{}
}

// NewExtensionSet normalizes exts ("PNG" and ".png" are the same entry).
func NewExtensionSet(exts ...string) ExtensionSet {
	set := ExtensionSet{exts: make(map[string]struct{}, len(exts))}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set.exts[ext] = struct{}{}
	}
	return set
}

// Contains reports whether path has an extension in the set. Matching is case-insensitive.
func (s ExtensionSet) Contains(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	_, ok := s.exts[ext]
	return ok
}

// Len returns the number of extensions in the set.
func (s ExtensionSet) Len() int {
	return len(s.exts)
}

// FilterByExtension keeps the mappings whose source file extension is in set,
// preserving their order.
func FilterByExtension(mappings []FileMapping, set ExtensionSet) []FileMapping {
	filtered := make([]FileMapping, 0, len(mappings))
	for _, m := range mappings {
		if set.Contains(m.SourcePath) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}
