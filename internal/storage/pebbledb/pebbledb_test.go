package pebbledb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/internal/storage/storagetest"
	"github.com/georgeshao/lucent-query/pkg/types"
)

func setupTestStore(t *testing.T, useBatch bool) (*PebbleStore, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "pebble_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := New(filepath.Join(tempDir, "db"), useBatch, DefaultBatchWriterConfig())
	if err != nil {
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
		t.Fatalf("Failed to create store: %v", err)
	}

	cleanup := func() {
		if closeErr := store.Close(); closeErr != nil {
			t.Logf("Failed to close store: %v", closeErr)
		}
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
	}

	return store, cleanup
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func()) {
		return setupTestStore(t, false)
	})
}

func TestStoreWithBatchWriter(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func()) {
		return setupTestStore(t, true)
	})
}

func TestBatchWriterFlushesOnClose(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pebble_close")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "db")
	ctx := context.Background()

	config := DefaultBatchWriterConfig()
	config.FlushInterval = time.Hour
	store, err := New(dbPath, true, config)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	base := time.Now()
	for i := 0; i < 10; i++ {
		req := &storage.RequestRecord{
			ID:         fmt.Sprintf("req_%d", i),
			Queue:      "burst",
			Status:     types.StatusQueued,
			Descriptor: types.Descriptor{URL: "/events", Method: "POST"},
			CreatedAt:  base.Add(time.Duration(i)),
		}
		// Bypass the read-before-write check to keep writes buffered
		value := fmt.Sprintf(`{"id":%q,"queue":"burst","status":"queued","descriptor":{"url":"/events","method":"POST"},"created_at":%d}`,
			req.ID, req.CreatedAt.UnixNano())
		store.batchWriter.Set(reqKey(req.ID), []byte(value))
		store.batchWriter.Set(queueKey(req.Queue, req.CreatedAt.UnixNano(), req.ID), nil)
		store.batchWriter.Set(stKey(req.Queue, string(req.Status), req.CreatedAt.UnixNano(), req.ID), nil)
		store.batchWriter.Merge(countKey(req.Queue, string(req.Status)), encodeInt64(1))
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = New(dbPath, false, DefaultBatchWriterConfig())
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	stats, err := store.GetQueueStats(ctx, "burst")
	if err != nil {
		t.Fatalf("GetQueueStats failed: %v", err)
	}
	if stats.Queued != 10 {
		t.Errorf("Expected 10 queued after reopen, got %d", stats.Queued)
	}

	queued, err := store.GetQueuedRequests(ctx, "burst")
	if err != nil {
		t.Fatalf("GetQueuedRequests failed: %v", err)
	}
	if len(queued) != 10 || queued[0].ID != "req_0" || queued[9].ID != "req_9" {
		t.Errorf("Unexpected queued order after reopen")
	}
}

func TestCounterMerge(t *testing.T) {
	store, cleanup := setupTestStore(t, false)
	defer cleanup()

	key := countKey("q", "queued")
	for _, delta := range []int64{1, 1, 1, -1} {
		if err := store.db.Merge(key, encodeInt64(delta), nil); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
	}

	count, err := store.getCount("q", "queued")
	if err != nil {
		t.Fatalf("getCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected count 2, got %d", count)
	}
}

func TestExtractIDFromKey(t *testing.T) {
	tests := []struct {
		key  []byte
		want string
	}{
		{stKey("q", "queued", 42, "req_abc"), "req_abc"},
		{queueKey("a:b", 42, "req_x"), "req_x"},
		{[]byte("st:q:queued:00000000000000000042:"), ""},
		{[]byte("nocolon"), ""},
	}

	for _, tt := range tests {
		if got := extractIDFromKey(tt.key); got != tt.want {
			t.Errorf("extractIDFromKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestUpperBound(t *testing.T) {
	if got := string(upperBound([]byte("st:q:"))); got != "st:q;" {
		t.Errorf("upperBound = %q", got)
	}
	if got := upperBound([]byte{0xff}); len(got) != 2 {
		t.Errorf("upperBound of 0xff should extend, got %v", got)
	}
}
