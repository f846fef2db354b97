// Package fsutil holds filesystem path validation shared by session
// creation, uploads, and the folder listing API.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/agentterm/agentterm/internal/model"
)

// ResolveWithinBase cleans and absolutizes path and verifies it stays inside
// base. Paths escaping the base (via "..", symmetry tricks, or absolute
// paths elsewhere) return ErrPathTraversal before any filesystem access.
func ResolveWithinBase(base, path string) (string, error) {
	absBase, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return "", err
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absBase, target)
	}
	absTarget, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return "", err
	}

	if absTarget != absBase && !strings.HasPrefix(absTarget, absBase+string(filepath.Separator)) {
		return "", model.ErrPathTraversal
	}
	return absTarget, nil
}

// ResolveDirWithinBase is ResolveWithinBase plus a check that the target
// exists and is a directory.
func ResolveDirWithinBase(base, path string) (string, error) {
	resolved, err := ResolveWithinBase(base, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", os.ErrInvalid
	}
	return resolved, nil
}

// SanitizeFileName strips directory components and characters that could
// change the meaning of a stored path. Empty results fall back to "upload".
func SanitizeFileName(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "upload"
	}
	return name
}
