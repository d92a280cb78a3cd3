package storage

import (
	"context"

	"github.com/georgeshao/lucent-query/pkg/types"
)

// Store persists the offline request queue.
type Store interface {
	CreateRequest(ctx context.Context, req *RequestRecord) error
	GetRequest(ctx context.Context, id string) (*RequestRecord, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*RequestRecord, int, error)
	UpdateRequestStatus(ctx context.Context, id string, status types.RequestStatus) error
	// SwapRequestStatus moves a request from one status to another only if it
	// is currently in from. It reports whether the swap happened.
	SwapRequestStatus(ctx context.Context, id string, from, to types.RequestStatus) (bool, error)
	UpdateRequestResponse(ctx context.Context, id string, status int, response interface{}) error
	UpdateRequestError(ctx context.Context, id string, errMsg string) error
	GetQueuedRequests(ctx context.Context, queue string) ([]*RequestRecord, error)
	GetQueueStats(ctx context.Context, queue string) (*types.QueueStats, error)
	DeleteQueue(ctx context.Context, queue string) (deletedRequests int, err error)

	Close() error
}
