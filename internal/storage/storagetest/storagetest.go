// Package storagetest holds the behavior every storage.Store backend must
// share.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/pkg/types"
)

// Factory returns a fresh empty store and a cleanup func.
type Factory func(t *testing.T) (storage.Store, func())

func Run(t *testing.T, newStore Factory) {
	t.Run("RequestLifecycle", func(t *testing.T) { testRequestLifecycle(t, newStore) })
	t.Run("RequestError", func(t *testing.T) { testRequestError(t, newStore) })
	t.Run("Cancel", func(t *testing.T) { testCancel(t, newStore) })
	t.Run("SwapStatus", func(t *testing.T) { testSwapStatus(t, newStore) })
	t.Run("MissingRequest", func(t *testing.T) { testMissingRequest(t, newStore) })
	t.Run("ListAndStats", func(t *testing.T) { testListAndStats(t, newStore) })
	t.Run("DeleteQueue", func(t *testing.T) { testDeleteQueue(t, newStore) })
}

func newRecord(id, queue string, createdAt time.Time) *storage.RequestRecord {
	return &storage.RequestRecord{
		ID:     id,
		Queue:  queue,
		Status: types.StatusQueued,
		Descriptor: types.Descriptor{
			URL:     "/posts",
			Method:  "POST",
			Body:    map[string]interface{}{"title": "Hello"},
			Headers: map[string]string{"Authorization": "Bearer test-token"},
		},
		CreatedAt: createdAt,
	}
}

func testRequestLifecycle(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now()

	optimisticID := "opt_123"
	req := newRecord("req_test123", "test-queue", now)
	req.OptimisticUpdateID = &optimisticID

	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	retrieved, err := store.GetRequest(ctx, "req_test123")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("GetRequest returned nil")
	}
	if retrieved.Status != types.StatusQueued {
		t.Errorf("Status mismatch: got %s", retrieved.Status)
	}
	if retrieved.Descriptor.URL != "/posts" || retrieved.Descriptor.Method != "POST" {
		t.Errorf("Descriptor mismatch: got %+v", retrieved.Descriptor)
	}
	if retrieved.Descriptor.Headers["Authorization"] != "Bearer test-token" {
		t.Error("Descriptor headers mismatch")
	}
	if retrieved.OptimisticUpdateID == nil || *retrieved.OptimisticUpdateID != optimisticID {
		t.Error("OptimisticUpdateID mismatch")
	}
	if !retrieved.CreatedAt.Equal(time.Unix(0, now.UnixNano())) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", retrieved.CreatedAt, now)
	}

	if err := store.UpdateRequestStatus(ctx, "req_test123", types.StatusProcessing); err != nil {
		t.Fatalf("UpdateRequestStatus failed: %v", err)
	}
	retrieved, _ = store.GetRequest(ctx, "req_test123")
	if retrieved.Status != types.StatusProcessing {
		t.Errorf("Status not updated: got %s", retrieved.Status)
	}
	if retrieved.DispatchedAt == nil {
		t.Error("DispatchedAt should be set")
	}

	response := map[string]interface{}{"id": "p1", "title": "Hello"}
	if err := store.UpdateRequestResponse(ctx, "req_test123", 201, response); err != nil {
		t.Fatalf("UpdateRequestResponse failed: %v", err)
	}

	retrieved, _ = store.GetRequest(ctx, "req_test123")
	if retrieved.Status != types.StatusCompleted {
		t.Errorf("Status should be completed: got %s", retrieved.Status)
	}
	if retrieved.ResponseStatus != 201 {
		t.Errorf("ResponseStatus mismatch: got %d", retrieved.ResponseStatus)
	}
	payload, ok := retrieved.ResponsePayload.(map[string]interface{})
	if !ok || payload["id"] != "p1" {
		t.Errorf("ResponsePayload mismatch: got %v", retrieved.ResponsePayload)
	}
	if retrieved.CompletedAt == nil {
		t.Error("CompletedAt should not be nil")
	}
}

func testRequestError(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.CreateRequest(ctx, newRecord("req_error123", "test-queue", time.Now())); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if err := store.UpdateRequestError(ctx, "req_error123", "lucent query failed: request failed with status 503"); err != nil {
		t.Fatalf("UpdateRequestError failed: %v", err)
	}

	retrieved, _ := store.GetRequest(ctx, "req_error123")
	if retrieved.Status != types.StatusFailed {
		t.Errorf("Status should be failed: got %s", retrieved.Status)
	}
	if retrieved.Error == nil || *retrieved.Error != "lucent query failed: request failed with status 503" {
		t.Error("Error message mismatch")
	}
	if retrieved.CompletedAt == nil {
		t.Error("CompletedAt should not be nil")
	}
}

func testCancel(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.CreateRequest(ctx, newRecord("req_cancel", "q", time.Now())); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if err := store.UpdateRequestStatus(ctx, "req_cancel", types.StatusCancelled); err != nil {
		t.Fatalf("UpdateRequestStatus failed: %v", err)
	}

	queued, err := store.GetQueuedRequests(ctx, "q")
	if err != nil {
		t.Fatalf("GetQueuedRequests failed: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("Expected no queued requests, got %d", len(queued))
	}

	stats, err := store.GetQueueStats(ctx, "q")
	if err != nil {
		t.Fatalf("GetQueueStats failed: %v", err)
	}
	if stats.Cancelled != 1 || stats.TotalRequests != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

func testSwapStatus(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	if err := store.CreateRequest(ctx, newRecord("req_swap", "q", time.Now())); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	swapped, err := store.SwapRequestStatus(ctx, "req_swap", types.StatusQueued, types.StatusProcessing)
	if err != nil {
		t.Fatalf("SwapRequestStatus failed: %v", err)
	}
	if !swapped {
		t.Fatal("Expected queued request to be claimed")
	}

	// A cancel that lost the race must not overwrite processing
	swapped, err = store.SwapRequestStatus(ctx, "req_swap", types.StatusQueued, types.StatusCancelled)
	if err != nil {
		t.Fatalf("SwapRequestStatus failed: %v", err)
	}
	if swapped {
		t.Error("Expected swap from queued to fail once processing")
	}

	retrieved, err := store.GetRequest(ctx, "req_swap")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if retrieved.Status != types.StatusProcessing {
		t.Errorf("Expected status processing, got %s", retrieved.Status)
	}
	if retrieved.DispatchedAt == nil {
		t.Error("Expected DispatchedAt to be set")
	}
	if retrieved.CompletedAt != nil {
		t.Error("Expected CompletedAt to stay unset")
	}

	stats, err := store.GetQueueStats(ctx, "q")
	if err != nil {
		t.Fatalf("GetQueueStats failed: %v", err)
	}
	if stats.Processing != 1 || stats.Cancelled != 0 || stats.Queued != 0 {
		t.Errorf("Stats mismatch: %+v", stats)
	}

	if _, err := store.SwapRequestStatus(ctx, "nonexistent", types.StatusQueued, types.StatusCancelled); err == nil {
		t.Error("Expected error swapping missing request")
	}
}

func testMissingRequest(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	retrieved, err := store.GetRequest(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if retrieved != nil {
		t.Error("Expected nil for missing request")
	}

	if err := store.UpdateRequestStatus(ctx, "nonexistent", types.StatusProcessing); err == nil {
		t.Error("Expected error updating missing request")
	}
	if err := store.UpdateRequestError(ctx, "nonexistent", "x"); err == nil {
		t.Error("Expected error failing missing request")
	}
}

func testListAndStats(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		req := newRecord(fmt.Sprintf("req_%d", i), "list-queue", base.Add(time.Duration(i)*time.Millisecond))
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest failed: %v", err)
		}
	}
	if err := store.CreateRequest(ctx, newRecord("req_other", "other-queue", base)); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if err := store.UpdateRequestStatus(ctx, "req_0", types.StatusProcessing); err != nil {
		t.Fatalf("UpdateRequestStatus failed: %v", err)
	}
	if err := store.UpdateRequestResponse(ctx, "req_0", 200, "ok"); err != nil {
		t.Fatalf("UpdateRequestResponse failed: %v", err)
	}
	if err := store.UpdateRequestError(ctx, "req_1", "boom"); err != nil {
		t.Fatalf("UpdateRequestError failed: %v", err)
	}

	queue := "list-queue"
	records, total, err := store.ListRequests(ctx, storage.RequestFilter{Queue: &queue, Limit: 2})
	if err != nil {
		t.Fatalf("ListRequests failed: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected total 5, got %d", total)
	}
	if len(records) != 2 || records[0].ID != "req_0" || records[1].ID != "req_1" {
		t.Fatalf("Unexpected first page: %v", ids(records))
	}

	cursor := records[1].CreatedAt
	records, _, err = store.ListRequests(ctx, storage.RequestFilter{Queue: &queue, Limit: 2, Cursor: &cursor})
	if err != nil {
		t.Fatalf("ListRequests with cursor failed: %v", err)
	}
	if len(records) != 2 || records[0].ID != "req_2" || records[1].ID != "req_3" {
		t.Errorf("Unexpected second page: %v", ids(records))
	}

	status := types.StatusQueued
	records, total, err = store.ListRequests(ctx, storage.RequestFilter{Queue: &queue, Status: &status})
	if err != nil {
		t.Fatalf("ListRequests by status failed: %v", err)
	}
	if total != 3 || len(records) != 3 {
		t.Errorf("Expected 3 queued, got total=%d len=%d", total, len(records))
	}

	if _, _, err := store.ListRequests(ctx, storage.RequestFilter{}); err == nil {
		t.Error("Expected error when queue is missing")
	}

	queued, err := store.GetQueuedRequests(ctx, "list-queue")
	if err != nil {
		t.Fatalf("GetQueuedRequests failed: %v", err)
	}
	if got := ids(queued); len(got) != 3 || got[0] != "req_2" || got[2] != "req_4" {
		t.Errorf("Unexpected queued order: %v", got)
	}

	stats, err := store.GetQueueStats(ctx, "list-queue")
	if err != nil {
		t.Fatalf("GetQueueStats failed: %v", err)
	}
	if stats.TotalRequests != 5 || stats.Queued != 3 || stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

func testDeleteQueue(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.CreateRequest(ctx, newRecord(fmt.Sprintf("req_del_%d", i), "doomed", time.Now())); err != nil {
			t.Fatalf("CreateRequest failed: %v", err)
		}
	}
	if err := store.UpdateRequestError(ctx, "req_del_0", "boom"); err != nil {
		t.Fatalf("UpdateRequestError failed: %v", err)
	}

	deleted, err := store.DeleteQueue(ctx, "doomed")
	if err != nil {
		t.Fatalf("DeleteQueue failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Expected 3 deleted requests, got %d", deleted)
	}

	retrieved, err := store.GetRequest(ctx, "req_del_1")
	if err != nil {
		t.Fatalf("GetRequest after delete failed: %v", err)
	}
	if retrieved != nil {
		t.Error("Request should have been deleted")
	}

	stats, err := store.GetQueueStats(ctx, "doomed")
	if err != nil {
		t.Fatalf("GetQueueStats failed: %v", err)
	}
	if stats.TotalRequests != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}

	if _, err := store.DeleteQueue(ctx, "doomed"); err == nil {
		t.Error("Expected error deleting missing queue")
	}
}

func ids(records []*storage.RequestRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
