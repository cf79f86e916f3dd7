// Package security guards the files the relay tools write.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for an output path that resolves outside every
// allowed directory.
var ErrOutsideRoot = errors.New("path escapes allowed directories")

// canonical resolves symlinks in path, or in its nearest existing parent
// when path does not exist yet.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	for dir, rest := abs, ""; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// Within reports an error unless path resolves inside root.
func Within(path, root string) error {
	p, err := canonical(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	r, err := canonical(root)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", root, err)
	}
	rel, err := filepath.Rel(r, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s not under %s", ErrOutsideRoot, path, root)
	}
	return nil
}

// ValidateOutputPath accepts a path under the working directory, the temp
// directory or any of extra.
func ValidateOutputPath(path string, extra ...string) error {
	roots := append([]string{os.TempDir()}, extra...)
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	for _, root := range roots {
		if Within(path, root) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
}

const maxNameLen = 128

// SafeName joins parts with underscores into a file name made only of
// letters, digits, dot, underscore and dash.
func SafeName(parts ...string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.Join(parts, "_") {
		if b.Len() >= maxNameLen {
			break
		}
		ok := r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		switch {
		case ok:
			b.WriteRune(r)
			under = r == '_'
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "unknown"
}
