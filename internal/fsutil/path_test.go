package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentterm/agentterm/internal/model"
)

func TestResolveWithinBase(t *testing.T) {
	base := t.TempDir()

	cases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"base itself", base, false},
		{"child", filepath.Join(base, "project"), false},
		{"relative child", "project/sub", false},
		{"dotdot escape", filepath.Join(base, "..", "other"), true},
		{"relative escape", "../other", true},
		{"absolute elsewhere", "/etc/passwd", true},
		{"prefix sibling", base + "-sibling", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ResolveWithinBase(base, c.path)
			if c.wantErr && err != model.ErrPathTraversal {
				t.Errorf("expected ErrPathTraversal, got %v", err)
			}
			if !c.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolveDirWithinBase(t *testing.T) {
	base := t.TempDir()
	sub := filepath.Join(base, "work")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(base, "notes.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ResolveDirWithinBase(base, sub); err != nil {
		t.Errorf("existing directory rejected: %v", err)
	}
	if _, err := ResolveDirWithinBase(base, filepath.Join(base, "missing")); err == nil {
		t.Error("missing directory accepted")
	}
	if _, err := ResolveDirWithinBase(base, file); err == nil {
		t.Error("regular file accepted as directory")
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"shot.png":             "shot.png",
		"../../etc/passwd":     "passwd",
		"a/b/c.gif":            "c.gif",
		".hidden":              "hidden",
		"we|rd*name?.png":      "we_rd_name_.png",
		"":                     "upload",
		"...":                  "upload",
	}
	for in, want := range cases {
		if got := SanitizeFileName(in); got != want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
