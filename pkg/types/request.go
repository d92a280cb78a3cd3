package types

type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []RequestStatus{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

type Request struct {
	ID                 string        `json:"id"`
	Queue              string        `json:"queue"`
	Status             RequestStatus `json:"status"`
	Request            Descriptor    `json:"request"`
	OptimisticUpdateID string        `json:"optimistic_update_id,omitempty"`
	ResponseStatus     int           `json:"response_status,omitempty"`
	Response           interface{}   `json:"response,omitempty"`
	Error              *string       `json:"error,omitempty"`
	CreatedAt          string        `json:"created_at"`
	DispatchedAt       *string       `json:"dispatched_at,omitempty"`
	CompletedAt        *string       `json:"completed_at,omitempty"`
}

type EnqueueRequest struct {
	Queue          string      `json:"queue,omitempty" validate:"omitempty,max=128"`
	Request        Descriptor  `json:"request" validate:"required"`
	OptimisticData interface{} `json:"optimistic_data,omitempty"`
}

type QueuedRequestResponse struct {
	ID                 string        `json:"id"`
	Queue              string        `json:"queue"`
	Status             RequestStatus `json:"status"`
	OptimisticUpdateID string        `json:"optimistic_update_id,omitempty"`
	CreatedAt          string        `json:"created_at"`
}

type ListRequestsResponse struct {
	Requests   []Request `json:"requests"`
	Total      int       `json:"total"`
	Limit      int       `json:"limit"`
	NextCursor *string   `json:"next_cursor,omitempty"`
}

type QueueStats struct {
	TotalRequests int `json:"total_requests"`
	Queued        int `json:"queued"`
	Processing    int `json:"processing"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
}

type DeleteQueueResponse struct {
	Message         string `json:"message"`
	DeletedRequests int    `json:"deleted_requests"`
}

type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Shared  int64 `json:"shared"`
	Pending int   `json:"pending"`
	Cached  int   `json:"cached"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
