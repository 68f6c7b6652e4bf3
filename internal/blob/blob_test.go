package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKeyStripsDirectories(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "a/i/d/report.pdf",
		"../../etc/passwd":    "a/i/d/passwd",
		`C:\docs\survey.docx`: "a/i/d/survey.docx",
		"..":                  "a/i/d/file",
	}
	for in, want := range cases {
		if got := Key("a", "i", "d", in); got != want {
			t.Fatalf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFSPutURLDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFS(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	key := Key("act", "item", "doc", "note.txt")
	if err := s.Put(ctx, key, strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "act", "item", "doc", "note.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("read back %q, %v", data, err)
	}
	u, err := s.URL(ctx, key)
	if err != nil || !strings.HasPrefix(u, "file://") || !strings.HasSuffix(u, "/act/item/doc/note.txt") {
		t.Fatalf("url = %q, %v", u, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestFSSizeMismatch(t *testing.T) {
	s, err := NewFS(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "a/b", strings.NewReader("abc"), 10, ""); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestFSPublicURL(t *testing.T) {
	s, err := NewFS(t.TempDir(), "https://files.example.org/evidence/")
	if err != nil {
		t.Fatal(err)
	}
	u, err := s.URL(context.Background(), "a/b/c/d.pdf")
	if err != nil || u != "https://files.example.org/evidence/a/b/c/d.pdf" {
		t.Fatalf("url = %q, %v", u, err)
	}
}

func TestFSRejectsEscapingKey(t *testing.T) {
	s, err := NewFS(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "../outside", strings.NewReader(""), 0, ""); err == nil {
		t.Fatalf("expected escaping key to be rejected")
	}
}
