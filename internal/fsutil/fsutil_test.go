package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "feature.yaml")
	if err := os.WriteFile(p, []byte("id: feature"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	b, err := ReadFileScoped(p, 0)
	if err != nil {
		t.Fatalf("ReadFileScoped: %v", err)
	}
	if string(b) != "id: feature" {
		t.Fatalf("unexpected content: %q", b)
	}

	b, err = ReadFileScoped(p, int64(len("id: feature")))
	if err != nil || string(b) != "id: feature" {
		t.Fatalf("read at exact limit: %q, %v", b, err)
	}
}

func TestReadFileScoped_Limit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.yaml")
	if err := os.WriteFile(p, []byte(strings.Repeat("x", 64)), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := ReadFileScoped(p, 16)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestReadFileScoped_RejectsInvalidPath(t *testing.T) {
	for _, p := range []string{"", ".", string(filepath.Separator)} {
		if _, err := ReadFileScoped(p, 0); err == nil {
			t.Fatalf("expected error for %q", p)
		}
	}
}

func TestReadFileScoped_Missing(t *testing.T) {
	_, err := ReadFileScoped(filepath.Join(t.TempDir(), "nope.yaml"), 0)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestReadFileScoped_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(outside, []byte("token"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	dir := t.TempDir()
	link := filepath.Join(dir, "escape.yaml")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := ReadFileScoped(link, 0); err == nil {
		t.Fatal("expected symlink escaping the directory to be rejected")
	}
}
