package blob

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreAndURL(t *testing.T) {
	s, err := NewStore(t.TempDir(), "http://localhost:8080/media/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	id, err := s.Store([]byte("fake-png-bytes"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !strings.HasSuffix(id, ".png") {
		t.Fatalf("expected .png id, got %q", id)
	}

	data, err := os.ReadFile(filepath.Join(s.Dir(), id))
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Fatalf("unexpected blob content %q", data)
	}

	url := s.URL(id)
	if url != "http://localhost:8080/media/"+id {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestStoreIsContentAddressed(t *testing.T) {
	s, err := NewStore(t.TempDir(), "http://localhost/media")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	id1, err := s.Store([]byte("same-bytes"))
	if err != nil {
		t.Fatalf("store#1: %v", err)
	}
	id2, err := s.Store([]byte("same-bytes"))
	if err != nil {
		t.Fatalf("store#2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical ids for identical bytes, got %q and %q", id1, id2)
	}

	id3, err := s.Store([]byte("other-bytes"))
	if err != nil {
		t.Fatalf("store#3: %v", err)
	}
	if id3 == id1 {
		t.Fatal("different bytes must get a different id")
	}
}

func TestURLUnknownID(t *testing.T) {
	s, err := NewStore(t.TempDir(), "http://localhost/media")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if url := s.URL("missing.png"); url != "" {
		t.Fatalf("expected empty url for unknown id, got %q", url)
	}
	if url := s.URL(""); url != "" {
		t.Fatalf("expected empty url for empty id, got %q", url)
	}
}

func TestStoreRejectsEmpty(t *testing.T) {
	s, err := NewStore(t.TempDir(), "http://localhost/media")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Store(nil); err == nil {
		t.Fatal("expected error for empty blob")
	}
}
