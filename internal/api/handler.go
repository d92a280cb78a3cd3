package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/georgeshao/lucent-query/internal/dispatcher"
	"github.com/georgeshao/lucent-query/internal/optimistic"
	"github.com/georgeshao/lucent-query/internal/pipeline"
	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/pkg/types"
)

type Handler struct {
	store      storage.Store
	pipeline   *pipeline.Pipeline
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

func NewHandler(store storage.Store, p *pipeline.Pipeline, d *dispatcher.Dispatcher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:      store,
		pipeline:   p,
		dispatcher: d,
		logger:     logger,
	}
}

// EnqueueRequest handles POST /v1/requests
func (h *Handler) EnqueueRequest(c *fiber.Ctx) error {
	var req types.EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}

	queue := req.Queue
	if queue == "" {
		queue = c.Get("X-Queue", storage.DefaultQueue)
	}

	desc := req.Request
	optimisticID := desc.OptimisticUpdateID
	desc.OptimisticUpdateID = ""

	if req.OptimisticData != nil {
		registry := h.pipeline.Optimistic()
		if registry == nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Optimistic updates are disabled"})
		}
		if optimisticID == "" {
			optimisticID = optimistic.NewID()
		}
		id := optimisticID
		registry.Add(id, req.OptimisticData, func() {
			h.logger.Info("optimistic update rolled back", zap.String("optimistic_update_id", id))
		})
	}

	requestID := "req_" + uuid.New().String()
	now := time.Now()

	record := &storage.RequestRecord{
		ID:         requestID,
		Queue:      queue,
		Status:     types.StatusQueued,
		Descriptor: desc,
		CreatedAt:  now,
	}
	if optimisticID != "" {
		record.OptimisticUpdateID = &optimisticID
	}

	if err := h.store.CreateRequest(c.Context(), record); err != nil {
		h.logger.Error("failed to queue request", zap.String("queue", queue), zap.Error(err))
		if optimisticID != "" && h.pipeline.Optimistic() != nil {
			h.pipeline.Optimistic().Rollback(optimisticID)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to queue request"})
	}

	return c.Status(fiber.StatusAccepted).JSON(types.QueuedRequestResponse{
		ID:                 requestID,
		Queue:              queue,
		Status:             types.StatusQueued,
		OptimisticUpdateID: optimisticID,
		CreatedAt:          now.Format(time.RFC3339),
	})
}

func (h *Handler) GetRequest(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "ID is required"})
	}

	record, err := h.store.GetRequest(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to get request"})
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Request not found"})
	}

	return c.JSON(recordToRequest(record))
}

// CancelRequest handles DELETE /v1/requests/:id. Only queued requests can be
// cancelled; their optimistic update is rolled back.
func (h *Handler) CancelRequest(c *fiber.Ctx) error {
	id := c.Params("id")

	record, err := h.store.GetRequest(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to get request"})
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Request not found"})
	}
	cancelled, err := h.store.SwapRequestStatus(c.Context(), id, types.StatusQueued, types.StatusCancelled)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to cancel request"})
	}
	if !cancelled {
		if current, err := h.store.GetRequest(c.Context(), id); err == nil && current != nil {
			record = current
		}
		return c.Status(fiber.StatusConflict).JSON(types.ErrorResponse{Error: "Request is " + string(record.Status)})
	}

	if record.OptimisticUpdateID != nil && h.pipeline.Optimistic() != nil {
		h.pipeline.Optimistic().Rollback(*record.OptimisticUpdateID)
	}

	record.Status = types.StatusCancelled
	return c.JSON(recordToRequest(record))
}

func (h *Handler) ListRequests(c *fiber.Ctx) error {
	queue := c.Query("queue", storage.DefaultQueue)
	status := c.Query("status")
	cursor := c.Query("cursor")
	limit := c.QueryInt("limit", 100)

	filter := storage.RequestFilter{
		Queue: &queue,
		Limit: limit,
	}

	if status != "" {
		s := types.RequestStatus(status)
		if !validStatus(s) {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid status: " + status})
		}
		filter.Status = &s
	}
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid cursor format"})
		}
		filter.Cursor = &t
	}

	records, total, err := h.store.ListRequests(c.Context(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to list requests"})
	}

	requests := make([]types.Request, len(records))
	for i, record := range records {
		requests[i] = recordToRequest(record)
	}

	// Set next cursor from last item's created_at if we have results
	var nextCursor *string
	if len(records) == limit {
		lastCreatedAt := records[len(records)-1].CreatedAt.Format(time.RFC3339Nano)
		nextCursor = &lastCreatedAt
	}

	return c.JSON(types.ListRequestsResponse{
		Requests:   requests,
		Total:      total,
		Limit:      limit,
		NextCursor: nextCursor,
	})
}

func (h *Handler) TriggerDispatch(c *fiber.Ctx) error {
	var req types.DispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}

	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Queue is required"})
	}

	queuedRequests, err := h.store.GetQueuedRequests(c.Context(), req.Queue)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to get queued requests"})
	}

	if len(queuedRequests) == 0 {
		return c.Status(fiber.StatusOK).JSON(types.DispatchResponse{
			DispatchID:  "disp_" + uuid.New().String(),
			Queue:       req.Queue,
			QueuedCount: 0,
			Status:      "no_requests",
		})
	}

	dispatchID := "disp_" + uuid.New().String()
	h.dispatcher.Start(req.Queue, dispatchID)

	return c.Status(fiber.StatusAccepted).JSON(types.DispatchResponse{
		DispatchID:  dispatchID,
		Queue:       req.Queue,
		QueuedCount: len(queuedRequests),
		Status:      "dispatching",
	})
}

func (h *Handler) GetQueueStats(c *fiber.Ctx) error {
	name := c.Params("name")

	stats, err := h.store.GetQueueStats(c.Context(), name)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to get queue stats"})
	}

	return c.JSON(stats)
}

func (h *Handler) DeleteQueue(c *fiber.Ctx) error {
	name := c.Params("name")

	if h.dispatcher.IsActive(name) {
		return c.Status(fiber.StatusConflict).JSON(types.ErrorResponse{Error: "Queue is being dispatched"})
	}

	deletedRequests, err := h.store.DeleteQueue(c.Context(), name)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Queue not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to delete queue"})
	}

	return c.JSON(types.DeleteQueueResponse{
		Message:         "Queue '" + name + "' deleted successfully",
		DeletedRequests: deletedRequests,
	})
}

// ExecuteQuery handles POST /v1/query: the descriptor runs through the
// pipeline immediately and the upstream result is returned.
func (h *Handler) ExecuteQuery(c *fiber.Ctx) error {
	var desc types.Descriptor
	if err := c.BodyParser(&desc); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}
	if err := desc.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}

	result, err := h.pipeline.Execute(c.UserContext(), desc)
	if err != nil {
		return c.Status(queryErrorStatus(err)).JSON(types.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(result)
}

func (h *Handler) GetOptimistic(c *fiber.Ctx) error {
	registry := h.pipeline.Optimistic()
	if registry == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Optimistic updates are disabled"})
	}

	data, ok := registry.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Optimistic update not found"})
	}

	return c.JSON(fiber.Map{"id": c.Params("id"), "data": data})
}

func (h *Handler) ClearCache(c *fiber.Ctx) error {
	if d := h.pipeline.Deduplicator(); d != nil {
		d.ClearCache()
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) ClearPending(c *fiber.Ctx) error {
	if d := h.pipeline.Deduplicator(); d != nil {
		d.ClearPending()
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) GetCacheStats(c *fiber.Ctx) error {
	d := h.pipeline.Deduplicator()
	if d == nil {
		return c.JSON(types.CacheStats{})
	}
	return c.JSON(d.Stats())
}

func queryErrorStatus(err error) int {
	if errors.Is(err, pipeline.ErrTimeout) {
		return fiber.StatusGatewayTimeout
	}
	if _, ok := pipeline.StatusOf(err); ok {
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func validStatus(status types.RequestStatus) bool {
	for _, s := range types.AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func recordToRequest(record *storage.RequestRecord) types.Request {
	req := types.Request{
		ID:             record.ID,
		Queue:          record.Queue,
		Status:         record.Status,
		Request:        record.Descriptor,
		ResponseStatus: record.ResponseStatus,
		Response:       record.ResponsePayload,
		Error:          record.Error,
		CreatedAt:      record.CreatedAt.Format(time.RFC3339),
	}

	if record.OptimisticUpdateID != nil {
		req.OptimisticUpdateID = *record.OptimisticUpdateID
	}
	if record.DispatchedAt != nil {
		dispatchedAt := record.DispatchedAt.Format(time.RFC3339)
		req.DispatchedAt = &dispatchedAt
	}
	if record.CompletedAt != nil {
		completedAt := record.CompletedAt.Format(time.RFC3339)
		req.CompletedAt = &completedAt
	}

	return req
}
