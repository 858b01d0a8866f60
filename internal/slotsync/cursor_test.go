package slotsync

import (
	"context"
	"errors"
	"testing"
)

func TestFileCursorStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewFileCursorStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file cursor store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	job := "migration:provider:conn/1"
	cursor, err := store.Load(ctx, job)
	if err != nil || cursor != "" {
		t.Fatalf("expected empty cursor, got %q (%v)", cursor, err)
	}
	if err := store.Save(ctx, job, "page-7"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	reopened, err := NewFileCursorStore(store.dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if cursor, err := reopened.Load(ctx, job); err != nil || cursor != "page-7" {
		t.Fatalf("expected persisted cursor, got %q (%v)", cursor, err)
	}
	if err := store.Reset(ctx, job); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if cursor, err := store.Load(ctx, job); err != nil || cursor != "" {
		t.Fatalf("expected reset cursor, got %q (%v)", cursor, err)
	}
	if err := store.Reset(ctx, job); err != nil {
		t.Fatalf("reset of missing cursor failed: %v", err)
	}
}

func TestFileCursorStoreLockExcludesSecondRunner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewFileCursorStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	second, err := NewFileCursorStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}

	release, err := first.Lock(ctx, "migration:legacy")
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	if _, err := second.Lock(ctx, "migration:legacy"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected job running, got %v", err)
	}
	other, err := second.Lock(ctx, "migration:provider:conn_1")
	if err != nil {
		t.Fatalf("lock of another job failed: %v", err)
	}
	other()

	release()
	release()
	again, err := second.Lock(ctx, "migration:legacy")
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	again()
}

func TestMemoryCursorStoreLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryCursorStore()
	release, err := store.Lock(ctx, "job")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if _, err := store.Lock(ctx, "job"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected job running, got %v", err)
	}
	release()
	if _, err := store.Lock(ctx, "job"); err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
}

func TestBuildCursorStoreFromDSN(t *testing.T) {
	t.Parallel()

	store, err := BuildCursorStoreFromDSN("")
	if err != nil {
		t.Fatalf("build default failed: %v", err)
	}
	if _, ok := store.(*MemoryCursorStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	store, err = BuildCursorStoreFromDSN("file://" + t.TempDir())
	if err != nil {
		t.Fatalf("build file store failed: %v", err)
	}
	if _, ok := store.(*FileCursorStore); !ok {
		t.Fatalf("expected file store, got %T", store)
	}
	if _, err := BuildCursorStoreFromDSN("s3://bucket/cursors"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
