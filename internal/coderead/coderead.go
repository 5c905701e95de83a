// Package coderead resolves client-supplied paths against a workspace
// root and reads their contents for prompt assembly. Path resolution
// itself (escape/traversal rejection) is shared with the dispatcher's
// input validation so both layers agree on what "inside the workspace"
// means.
package coderead

import (
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves workspace-relative paths to absolute paths rooted
// at Root, rejecting anything that escapes it.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within Root, or an error if
// path is empty or escapes the root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", errEmptyPath
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errPathEscapesRoot
	}
	return targetAbs, nil
}

// FileSystemReader is the real CodeReader: it resolves each requested
// path against Root and reads the file, silently skipping any path that
// fails to resolve or read so a single bad entry in focus.files never
// aborts an entire analysis call (the dispatcher has already rejected
// traversal attempts before this ever runs; a miss here means the file
// genuinely isn't there).
type FileSystemReader struct {
	Resolver Resolver
}

// NewFileSystemReader builds a reader rooted at root.
func NewFileSystemReader(root string) *FileSystemReader {
	return &FileSystemReader{Resolver: Resolver{Root: root}}
}

// Read resolves and reads every path, returning a map keyed by the
// original (unresolved) path string so callers can correlate content
// back to the client's own naming.
func (f *FileSystemReader) Read(paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		abs, err := f.Resolver.Resolve(p)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		out[p] = string(data)
	}
	return out
}
