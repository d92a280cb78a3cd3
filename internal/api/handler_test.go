package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/georgeshao/lucent-query/internal/dispatcher"
	"github.com/georgeshao/lucent-query/internal/pipeline"
	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/internal/storage/sqlite"
	"github.com/georgeshao/lucent-query/pkg/types"
)

type testEnv struct {
	app      *fiber.App
	store    storage.Store
	pipeline *pipeline.Pipeline
	d        *dispatcher.Dispatcher
	calls    *atomic.Int32
}

func setupTestApp(t *testing.T) (*testEnv, func()) {
	t.Helper()

	calls := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/posts":
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{{"id": 1, "title": "first"}})
		case r.URL.Path == "/todos" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"t1"}`))
		case r.URL.Path == "/private":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
		}
	}))

	// Create temp directory
	tempDir, err := os.MkdirTemp("", "api_test")
	if err != nil {
		upstream.Close()
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	store, err := sqlite.New(dbPath)
	if err != nil {
		upstream.Close()
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
		t.Fatalf("Failed to create store: %v", err)
	}

	config := pipeline.DefaultConfig()
	config.BaseURL = upstream.URL
	config.EnableOptimisticUpdates = true
	p := pipeline.New(config)

	dispatcherConfig := dispatcher.DefaultConfig()
	dispatcherConfig.RequestsPerSecond = 0
	d := dispatcher.New(store, p, p.Optimistic(), dispatcherConfig, nil)

	app := fiber.New()
	SetupRoutes(app, store, p, d, nil)

	cleanup := func() {
		// Wait for any in-flight dispatch goroutines to complete before closing the store
		d.Wait()
		upstream.Close()
		if closeErr := store.Close(); closeErr != nil {
			t.Logf("Failed to close store: %v", closeErr)
		}
		if removeErr := os.RemoveAll(tempDir); removeErr != nil {
			t.Logf("Failed to remove temp dir: %v", removeErr)
		}
	}

	return &testEnv{app: app, store: store, pipeline: p, d: d, calls: calls}, cleanup
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, env.app, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	// Make sure at least one pipeline metric has a sample
	doJSON(t, env.app, http.MethodPost, "/v1/query", `{"url": "/posts"}`)

	resp := doJSON(t, env.app, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "lucent_pipeline_requests_total") {
		t.Error("Expected pipeline metrics in /metrics output")
	}
}

func TestEnqueueRequest(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	body := `{"queue": "todos", "request": {"url": "/todos", "method": "POST", "body": {"title": "x"}}}`
	resp := doJSON(t, env.app, http.MethodPost, "/v1/requests", body)
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 202, got %d: %s", resp.StatusCode, string(b))
	}

	var queued types.QueuedRequestResponse
	decode(t, resp, &queued)

	if !strings.HasPrefix(queued.ID, "req_") {
		t.Errorf("ID should start with req_: got %s", queued.ID)
	}
	if queued.Queue != "todos" {
		t.Errorf("Queue mismatch: got %s", queued.Queue)
	}
	if queued.Status != types.StatusQueued {
		t.Errorf("Status mismatch: got %s", queued.Status)
	}
	if queued.OptimisticUpdateID != "" {
		t.Errorf("No optimistic id expected, got %s", queued.OptimisticUpdateID)
	}
	if env.calls.Load() != 0 {
		t.Error("Enqueue must not reach the upstream")
	}
}

func TestEnqueueRequestDefaultQueueFromHeader(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewBufferString(`{"request": {"url": "/todos"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Queue", "from-header")

	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var queued types.QueuedRequestResponse
	decode(t, resp, &queued)
	if queued.Queue != "from-header" {
		t.Errorf("Queue mismatch: got %s", queued.Queue)
	}

	resp = doJSON(t, env.app, http.MethodPost, "/v1/requests", `{"request": {"url": "/todos"}}`)
	decode(t, resp, &queued)
	if queued.Queue != "default" {
		t.Errorf("Expected default queue, got %s", queued.Queue)
	}
}

func TestEnqueueRequestValidation(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing url", `{"request": {"method": "GET"}}`},
		{"bad method", `{"request": {"url": "/x", "method": "FETCH"}}`},
		{"bad response kind", `{"request": {"url": "/x", "response_kind": "xml"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, env.app, http.MethodPost, "/v1/requests", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestEnqueueWithOptimisticData(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	body := `{"queue": "todos", "request": {"url": "/todos", "method": "POST"}, "optimistic_data": {"title": "pending"}}`
	resp := doJSON(t, env.app, http.MethodPost, "/v1/requests", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	var queued types.QueuedRequestResponse
	decode(t, resp, &queued)
	if !strings.HasPrefix(queued.OptimisticUpdateID, "opt_") {
		t.Fatalf("Expected generated optimistic id, got %q", queued.OptimisticUpdateID)
	}

	resp = doJSON(t, env.app, http.MethodGet, "/v1/optimistic/"+queued.OptimisticUpdateID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var got map[string]interface{}
	decode(t, resp, &got)
	data, ok := got["data"].(map[string]interface{})
	if !ok || data["title"] != "pending" {
		t.Errorf("Optimistic data mismatch: %v", got)
	}

	// A query carrying the id short-circuits without touching the upstream
	resp = doJSON(t, env.app, http.MethodPost, "/v1/query",
		`{"url": "/todos", "method": "POST", "optimistic_update_id": "`+queued.OptimisticUpdateID+`"}`)
	var result types.Result
	decode(t, resp, &result)
	if !result.Optimistic {
		t.Error("Expected optimistic result")
	}
	if env.calls.Load() != 0 {
		t.Error("Optimistic query must not reach the upstream")
	}
}

func TestCancelRequest(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	body := `{"request": {"url": "/todos", "method": "POST"}, "optimistic_data": {"title": "pending"}}`
	resp := doJSON(t, env.app, http.MethodPost, "/v1/requests", body)
	var queued types.QueuedRequestResponse
	decode(t, resp, &queued)

	resp = doJSON(t, env.app, http.MethodDelete, "/v1/requests/"+queued.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var cancelled types.Request
	decode(t, resp, &cancelled)
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("Status mismatch: got %s", cancelled.Status)
	}

	if _, ok := env.pipeline.Optimistic().Get(queued.OptimisticUpdateID); ok {
		t.Error("Optimistic update should be rolled back on cancel")
	}

	// Cancelling twice conflicts
	resp = doJSON(t, env.app, http.MethodDelete, "/v1/requests/"+queued.ID, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}

	resp = doJSON(t, env.app, http.MethodDelete, "/v1/requests/req_missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestCancelProcessingRequestConflicts(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	body := `{"request": {"url": "/todos", "method": "POST"}, "optimistic_data": {"title": "pending"}}`
	resp := doJSON(t, env.app, http.MethodPost, "/v1/requests", body)
	var queued types.QueuedRequestResponse
	decode(t, resp, &queued)

	// Claimed by a dispatch that is still sending it
	if _, err := env.store.SwapRequestStatus(context.Background(), queued.ID, types.StatusQueued, types.StatusProcessing); err != nil {
		t.Fatalf("SwapRequestStatus failed: %v", err)
	}

	resp = doJSON(t, env.app, http.MethodDelete, "/v1/requests/"+queued.ID, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", resp.StatusCode)
	}
	var errResp types.ErrorResponse
	decode(t, resp, &errResp)
	if errResp.Error != "Request is processing" {
		t.Errorf("Error mismatch: got %q", errResp.Error)
	}

	if _, ok := env.pipeline.Optimistic().Get(queued.OptimisticUpdateID); !ok {
		t.Error("Optimistic update should survive a rejected cancel")
	}

	record, err := env.store.GetRequest(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if record.Status != types.StatusProcessing {
		t.Errorf("Status mismatch: got %s", record.Status)
	}
}

func TestGetRequest(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, env.app, http.MethodPost, "/v1/requests", `{"request": {"url": "/todos", "headers": {"X-Trace": "1"}}}`)
	var queued types.QueuedRequestResponse
	decode(t, resp, &queued)

	resp = doJSON(t, env.app, http.MethodGet, "/v1/requests/"+queued.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var request types.Request
	decode(t, resp, &request)
	if request.ID != queued.ID {
		t.Errorf("ID mismatch: got %s", request.ID)
	}
	if request.Request.URL != "/todos" || request.Request.Headers["X-Trace"] != "1" {
		t.Errorf("Descriptor mismatch: %+v", request.Request)
	}

	resp = doJSON(t, env.app, http.MethodGet, "/v1/requests/nonexistent", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestListRequests(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		resp := doJSON(t, env.app, http.MethodPost, "/v1/requests", `{"queue": "list", "request": {"url": "/todos"}}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("Enqueue failed: %d", resp.StatusCode)
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp := doJSON(t, env.app, http.MethodGet, "/v1/requests?queue=list&limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var page types.ListRequestsResponse
	decode(t, resp, &page)
	if page.Total != 3 {
		t.Errorf("Expected total 3, got %d", page.Total)
	}
	if len(page.Requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(page.Requests))
	}
	if page.NextCursor == nil {
		t.Fatal("Expected next cursor")
	}

	resp = doJSON(t, env.app, http.MethodGet, "/v1/requests?queue=list&limit=2&cursor="+url.QueryEscape(*page.NextCursor), "")
	decode(t, resp, &page)
	if len(page.Requests) != 1 {
		t.Errorf("Expected 1 request on second page, got %d", len(page.Requests))
	}
	if page.NextCursor != nil {
		t.Error("Expected no further cursor")
	}

	resp = doJSON(t, env.app, http.MethodGet, "/v1/requests?queue=list&status=bogus", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid status, got %d", resp.StatusCode)
	}

	resp = doJSON(t, env.app, http.MethodGet, "/v1/requests?queue=list&cursor=yesterday", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid cursor, got %d", resp.StatusCode)
	}
}

func TestTriggerDispatch(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, env.app, http.MethodPost, "/v1/dispatch", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}

	resp = doJSON(t, env.app, http.MethodPost, "/v1/dispatch", `{"queue": "empty"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var dispatch types.DispatchResponse
	decode(t, resp, &dispatch)
	if dispatch.Status != "no_requests" {
		t.Errorf("Expected no_requests, got %s", dispatch.Status)
	}
}

func TestTriggerDispatchWithRequests(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, env.app, http.MethodPost, "/v1/requests",
		`{"queue": "todos", "request": {"url": "/todos", "method": "POST"}, "optimistic_data": {"title": "x"}}`)
	var ok types.QueuedRequestResponse
	decode(t, resp, &ok)

	resp = doJSON(t, env.app, http.MethodPost, "/v1/requests",
		`{"queue": "todos", "request": {"url": "/broken", "method": "POST"}, "optimistic_data": {"title": "y"}}`)
	var failing types.QueuedRequestResponse
	decode(t, resp, &failing)

	resp = doJSON(t, env.app, http.MethodPost, "/v1/dispatch", `{"queue": "todos"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	var dispatch types.DispatchResponse
	decode(t, resp, &dispatch)
	if dispatch.QueuedCount != 2 || dispatch.Status != "dispatching" {
		t.Errorf("Unexpected dispatch response: %+v", dispatch)
	}
	if !strings.HasPrefix(dispatch.DispatchID, "disp_") {
		t.Errorf("DispatchID should start with disp_: got %s", dispatch.DispatchID)
	}

	env.d.Wait()

	resp = doJSON(t, env.app, http.MethodGet, "/v1/requests/"+ok.ID, "")
	var completed types.Request
	decode(t, resp, &completed)
	if completed.Status != types.StatusCompleted || completed.ResponseStatus != http.StatusCreated {
		t.Errorf("Expected completed 201, got %s %d", completed.Status, completed.ResponseStatus)
	}

	resp = doJSON(t, env.app, http.MethodGet, "/v1/requests/"+failing.ID, "")
	var failed types.Request
	decode(t, resp, &failed)
	if failed.Status != types.StatusFailed || failed.Error == nil {
		t.Errorf("Expected failed with error, got %s", failed.Status)
	}

	for _, id := range []string{ok.OptimisticUpdateID, failing.OptimisticUpdateID} {
		resp = doJSON(t, env.app, http.MethodGet, "/v1/optimistic/"+id, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Optimistic update %s should be settled, got %d", id, resp.StatusCode)
		}
	}

	resp = doJSON(t, env.app, http.MethodGet, "/v1/queues/todos/stats", "")
	var stats types.QueueStats
	decode(t, resp, &stats)
	if stats.Completed != 1 || stats.Failed != 1 || stats.TotalRequests != 2 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

func TestDeleteQueue(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		doJSON(t, env.app, http.MethodPost, "/v1/requests", `{"queue": "doomed", "request": {"url": "/todos"}}`)
	}

	resp := doJSON(t, env.app, http.MethodDelete, "/v1/queues/doomed", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var deleted types.DeleteQueueResponse
	decode(t, resp, &deleted)
	if deleted.DeletedRequests != 2 {
		t.Errorf("Expected 2 deleted requests, got %d", deleted.DeletedRequests)
	}

	resp = doJSON(t, env.app, http.MethodDelete, "/v1/queues/doomed", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestExecuteQuery(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	resp := doJSON(t, env.app, http.MethodPost, "/v1/query", `{"url": "/posts"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var result types.Result
	decode(t, resp, &result)
	if result.Status != http.StatusOK {
		t.Errorf("Upstream status mismatch: got %d", result.Status)
	}
	rows, ok := result.Data.([]interface{})
	if !ok || len(rows) != 1 {
		t.Errorf("Unexpected data: %v", result.Data)
	}

	// Second identical query is served from the cache
	doJSON(t, env.app, http.MethodPost, "/v1/query", `{"url": "/posts"}`)
	if env.calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call, got %d", env.calls.Load())
	}

	resp = doJSON(t, env.app, http.MethodPost, "/v1/query", `{"url": "/private"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", resp.StatusCode)
	}
	var errResp types.ErrorResponse
	decode(t, resp, &errResp)
	if !strings.HasPrefix(errResp.Error, pipeline.ErrorPrefix) {
		t.Errorf("Error should carry the pipeline prefix: %s", errResp.Error)
	}

	resp = doJSON(t, env.app, http.MethodPost, "/v1/query", `{"method": "GET"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestCacheAdmin(t *testing.T) {
	env, cleanup := setupTestApp(t)
	defer cleanup()

	doJSON(t, env.app, http.MethodPost, "/v1/query", `{"url": "/posts"}`)
	doJSON(t, env.app, http.MethodPost, "/v1/query", `{"url": "/posts"}`)

	resp := doJSON(t, env.app, http.MethodGet, "/v1/cache/stats", "")
	var stats types.CacheStats
	decode(t, resp, &stats)
	if stats.Hits != 1 || stats.Misses != 1 || stats.Cached != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}

	resp = doJSON(t, env.app, http.MethodDelete, "/v1/cache", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	resp = doJSON(t, env.app, http.MethodDelete, "/v1/cache/pending", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}

	doJSON(t, env.app, http.MethodPost, "/v1/query", `{"url": "/posts"}`)
	if env.calls.Load() != 2 {
		t.Errorf("Expected refetch after clearing the cache, got %d calls", env.calls.Load())
	}
}
