// Package safety confines tool side effects to a single workspace directory.
//
// A [Sandbox] resolves caller-supplied paths against its root and rejects any
// path whose final, symlink-resolved location falls outside that root. The
// package also provides [CheckCommand], a substring filter for shell commands
// against a configured blocklist.
package safety

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EscapeError reports a path that resolved outside the sandbox root.
type EscapeError struct {
	// Path is the path exactly as the caller supplied it.
	Path string

	// Resolved is the absolute location the path pointed to after symlink
	// and ".." resolution.
	Resolved string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("Path escapes sandbox: %q resolves to %s", e.Path, e.Resolved)
}

// Sandbox maps relative and absolute paths into a fixed root directory.
// All methods are safe for concurrent use; the root never changes after
// construction.
type Sandbox struct {
	root string
}

// NewSandbox creates the root directory if needed and returns a sandbox
// anchored at its canonical (symlink-resolved) absolute path.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("safety: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("safety: create root %q: %w", abs, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("safety: canonicalize root %q: %w", abs, err)
	}
	return &Sandbox{root: canonical}, nil
}

// Root returns the canonical absolute path of the sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps path into the sandbox and returns its absolute location.
//
// Relative paths are joined onto the root. Absolute paths that already live
// under the root are accepted as-is; other absolute paths are reinterpreted
// as root-relative by stripping their leading separators, so "/etc/hosts"
// becomes "<root>/etc/hosts". The result is symlink-resolved and must still
// be inside the root, otherwise a [*EscapeError] is returned.
//
// The target does not need to exist; only the longest existing ancestor is
// checked for symlinks.
func (s *Sandbox) Resolve(path string) (string, error) {
	p := path
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(s.root, p); err == nil && !escapes(rel) {
			p = rel
		} else {
			p = strings.TrimLeft(p, string(filepath.Separator))
		}
	}

	resolved, err := evalExisting(filepath.Join(s.root, p))
	if err != nil {
		return "", fmt.Errorf("safety: resolve %q: %w", path, err)
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || escapes(rel) {
		return "", &EscapeError{Path: path, Resolved: resolved}
	}
	return resolved, nil
}

// escapes reports whether a cleaned relative path points above its base.
func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting resolves symlinks in path. Unlike [filepath.EvalSymlinks] it
// tolerates a non-existent target: the longest existing ancestor is resolved
// and the missing suffix is appended verbatim.
func evalExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	resolvedParent, err := evalExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}

// CheckCommand matches command against the blocked patterns and returns the
// first pattern found, or "" when the command is allowed. Matching is a
// case-insensitive substring test over the whole command line.
func CheckCommand(command string, blocked []string) string {
	cmd := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range blocked {
		if strings.Contains(cmd, strings.ToLower(pattern)) {
			return pattern
		}
	}
	return ""
}
