package workspace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrPermission is the sentinel for write-policy violations. Match with
// errors.Is; the concrete error carries the offending path.
var ErrPermission = errors.New("permission denied")

type PermissionError struct {
	Path string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("Permission denied: path %s is out of scope for this agent", e.Path)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// Policy is the allowed/protected write scope of a workspace. Patterns use
// doublestar syntax; a bare directory prefix like "server/src" is treated as
// "server/src/**".
type Policy struct {
	Allowed   []string
	Protected []string
}

// CheckWrite reports whether path may be written: it must match an allowed
// pattern and no protected pattern. An empty allowed set permits everything
// not protected.
func (p Policy) CheckWrite(path string) error {
	path = normalizePath(path)
	for _, pat := range p.Protected {
		if matchPattern(pat, path) {
			return &PermissionError{Path: path}
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, pat := range p.Allowed {
		if matchPattern(pat, path) {
			return nil
		}
	}
	return &PermissionError{Path: path}
}

func matchPattern(pattern, path string) bool {
	pattern = normalizePath(pattern)
	if pattern == "" {
		return false
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		// Bare prefix: the path itself or anything beneath it.
		if path == pattern || strings.HasPrefix(path, pattern+"/") {
			return true
		}
		pattern += "/**"
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "./")
	return strings.Trim(p, "/")
}
