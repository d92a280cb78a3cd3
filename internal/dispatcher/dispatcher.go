package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/georgeshao/lucent-query/internal/metrics"
	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/pkg/types"
)

type Config struct {
	MaxWorkers        int
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:        10,
		RequestTimeout:    300 * time.Second,
		RequestsPerSecond: 10,
	}
}

// Executor runs one descriptor. *pipeline.Pipeline satisfies it.
type Executor interface {
	Execute(ctx context.Context, desc types.Descriptor) (*types.Result, error)
}

// Updates settles optimistic updates once the replayed request finishes.
type Updates interface {
	Remove(id string)
	Rollback(id string) bool
}

// Dispatcher replays queued requests through an Executor.
type Dispatcher struct {
	store            storage.Store
	executor         Executor
	updates          Updates
	config           Config
	logger           *zap.Logger
	mu               sync.Mutex
	wg               sync.WaitGroup
	activeDispatches map[string]bool
	rateLimiters     map[string]*rate.Limiter
}

// New creates a dispatcher. updates may be nil when optimistic updates are
// disabled.
func New(store storage.Store, executor Executor, updates Updates, config Config, logger *zap.Logger) *Dispatcher {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:            store,
		executor:         executor,
		updates:          updates,
		config:           config,
		logger:           logger,
		activeDispatches: make(map[string]bool),
		rateLimiters:     make(map[string]*rate.Limiter),
	}
}

// Start runs Dispatch in the background. Wait blocks until it returns.
func (d *Dispatcher) Start(queue string, dispatchID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(queue, dispatchID)
	}()
}

// Wait blocks until every dispatch started with Start has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch processes every queued request of queue. A second call for a
// queue that is already being dispatched returns immediately.
func (d *Dispatcher) Dispatch(queue string, dispatchID string) {
	ctx := context.Background()
	log := d.logger.With(zap.String("dispatch_id", dispatchID), zap.String("queue", queue))

	d.mu.Lock()
	if d.activeDispatches[queue] {
		d.mu.Unlock()
		log.Info("dispatch already in progress")
		return
	}
	d.activeDispatches[queue] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.activeDispatches, queue)
		d.mu.Unlock()
	}()

	requests, err := d.store.GetQueuedRequests(ctx, queue)
	if err != nil {
		log.Error("failed to get queued requests", zap.Error(err))
		return
	}

	if len(requests) == 0 {
		log.Info("no queued requests")
		return
	}

	log.Info("starting dispatch", zap.Int("requests", len(requests)))

	limiter := d.getRateLimiter(queue)

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.config.MaxWorkers)

	for _, req := range requests {
		req := req // Capture loop var
		g.Go(func() error {
			// Wait for rate limiter
			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			sem <- struct{}{}        // Acquire semaphore
			defer func() { <-sem }() // Release semaphore

			d.processRequest(ctx, req, log)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Warn("dispatch completed with errors", zap.Error(err))
	} else {
		log.Info("dispatch completed")
	}
}

// IsActive reports whether queue is being dispatched.
func (d *Dispatcher) IsActive(queue string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeDispatches[queue]
}

func (d *Dispatcher) processRequest(ctx context.Context, req *storage.RequestRecord, log *zap.Logger) {
	log = log.With(zap.String("request_id", req.ID))

	// Cancelled between listing and now
	claimed, err := d.store.SwapRequestStatus(ctx, req.ID, types.StatusQueued, types.StatusProcessing)
	if err != nil {
		log.Error("failed to claim request", zap.Error(err))
		return
	}
	if !claimed {
		log.Debug("request no longer queued, skipping")
		return
	}

	execCtx := ctx
	if d.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.config.RequestTimeout)
		defer cancel()
	}

	// Every queued record is its own write: no optimistic short-circuit, no
	// cached or shared result.
	desc := req.Descriptor
	desc.OptimisticUpdateID = ""
	desc.NoDedup = true

	result, err := d.executor.Execute(execCtx, desc)
	if err != nil {
		log.Warn("request failed", zap.Error(err))
		if updateErr := d.store.UpdateRequestError(ctx, req.ID, err.Error()); updateErr != nil {
			log.Error("failed to update request error", zap.Error(updateErr))
		}
		d.settle(req, false)
		metrics.QueueDispatched.WithLabelValues(req.Queue, string(types.StatusFailed)).Inc()
		return
	}

	if err := d.store.UpdateRequestResponse(ctx, req.ID, result.Status, result.Data); err != nil {
		log.Error("failed to update request response", zap.Error(err))
		return
	}
	d.settle(req, true)
	metrics.QueueDispatched.WithLabelValues(req.Queue, string(types.StatusCompleted)).Inc()

	log.Info("request completed", zap.Int("status", result.Status))
}

// settle removes the optimistic record after a success and rolls it back
// after a failure.
func (d *Dispatcher) settle(req *storage.RequestRecord, ok bool) {
	if d.updates == nil || req.OptimisticUpdateID == nil {
		return
	}
	if ok {
		d.updates.Remove(*req.OptimisticUpdateID)
		return
	}
	d.updates.Rollback(*req.OptimisticUpdateID)
}

func (d *Dispatcher) getRateLimiter(queue string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limiter, ok := d.rateLimiters[queue]; ok {
		return limiter
	}

	limit := rate.Inf
	if d.config.RequestsPerSecond > 0 {
		limit = rate.Limit(d.config.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	d.rateLimiters[queue] = limiter
	return limiter
}
