package storage

import (
	"time"

	"github.com/georgeshao/lucent-query/pkg/types"
)

const DefaultQueue = "default"

type RequestRecord struct {
	ID                 string
	Queue              string
	Status             types.RequestStatus
	Descriptor         types.Descriptor
	OptimisticUpdateID *string
	ResponseStatus     int
	ResponsePayload    interface{}
	Error              *string
	CreatedAt          time.Time
	DispatchedAt       *time.Time
	CompletedAt        *time.Time
}

type RequestFilter struct {
	Queue  *string
	Status *types.RequestStatus
	Limit  int
	Cursor *time.Time // created_at cursor for pagination (get items after this time)
}

// StatsFromCounts folds per-status counts into QueueStats.
func StatsFromCounts(counts map[types.RequestStatus]int) *types.QueueStats {
	stats := &types.QueueStats{}
	for status, n := range counts {
		switch status {
		case types.StatusQueued:
			stats.Queued = n
		case types.StatusProcessing:
			stats.Processing = n
		case types.StatusCompleted:
			stats.Completed = n
		case types.StatusFailed:
			stats.Failed = n
		case types.StatusCancelled:
			stats.Cancelled = n
		}
		stats.TotalRequests += n
	}
	return stats
}
