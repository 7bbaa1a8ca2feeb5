package msgstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLocalFileStore_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalFileStore(dir)
	if err != nil {
		t.Fatalf("NewLocalFileStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "2026/03/msg-001", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "2026", "03", "msg-001")); err != nil {
		t.Errorf("expected nested file on disk: %v", err)
	}

	got, err := store.Get(ctx, "2026/03/msg-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get = %q, want %q", got, "hello")
	}

	if err := store.Delete(ctx, "2026/03/msg-001"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "2026/03/msg-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "2026/03/msg-001"); err != nil {
		t.Errorf("expected second delete to be a no-op, got %v", err)
	}
}

func TestLocalFileStore_RejectsEscapingRef(t *testing.T) {
	store, _ := NewLocalFileStore(t.TempDir())
	ctx := context.Background()

	if err := store.Put(ctx, "../outside", []byte("x")); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("Put: expected ErrInvalidRef, got %v", err)
	}
	if _, err := store.Get(ctx, "../outside"); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("Get: expected ErrInvalidRef, got %v", err)
	}
}

func TestLocalFileStore_ConcurrentOverwrite(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewLocalFileStore(dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Put(ctx, "shared", []byte("same content")); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "shared")
	if err != nil || string(got) != "same content" {
		t.Errorf("Get = %q, %v", got, err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "shared" {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
}
