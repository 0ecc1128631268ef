package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStorePutObject(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}

	uri, err := store.PutObject(context.Background(), "blocked/shot.png", "image/png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if !strings.HasPrefix(uri, "file://") {
		t.Fatalf("uri = %q, want file:// prefix", uri)
	}

	data, err := os.ReadFile(filepath.Join(root, "blocked", "shot.png"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("artifact content = %q", data)
	}
}

func TestLocalStoreRequiresRoot(t *testing.T) {
	if _, err := NewLocal(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestMemoryStorePutObject(t *testing.T) {
	store := NewMemory()

	uri, err := store.PutObject(context.Background(), "blocked/shot.png", "image/png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://blocked/shot.png" {
		t.Fatalf("uri = %q", uri)
	}

	data, ok := store.Object("blocked/shot.png")
	if !ok || string(data) != "png-bytes" {
		t.Fatalf("stored object = %q, %v", data, ok)
	}
}
