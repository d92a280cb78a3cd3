package types

type DispatchRequest struct {
	Queue string `json:"queue" validate:"required"`
}

type DispatchResponse struct {
	DispatchID  string `json:"dispatch_id"`
	Queue       string `json:"queue"`
	QueuedCount int    `json:"queued_count"`
	Status      string `json:"status"`
}
