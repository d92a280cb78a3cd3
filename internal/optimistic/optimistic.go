package optimistic

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/georgeshao/lucent-query/internal/metrics"
)

type Config struct {
	TTL time.Duration
	// RollbackExpired controls whether Rollback still invokes the callback of
	// a record whose TTL has passed. When false such a record is dropped
	// silently, the same way Get treats it as absent.
	RollbackExpired bool
}

func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		RollbackExpired: true,
	}
}

type record[T any] struct {
	data      T
	rollback  func()
	createdAt time.Time
}

// Registry holds values presented ahead of server confirmation, each with a
// callback that undoes its local application. Callers own an id from Add
// until they Remove it on success or Rollback it on failure.
type Registry[T any] struct {
	config  Config
	mu      sync.Mutex
	records map[string]*record[T]
	now     func() time.Time
}

func New[T any](config Config) *Registry[T] {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &Registry[T]{
		config:  config,
		records: make(map[string]*record[T]),
		now:     time.Now,
	}
}

// NewID returns a fresh correlation id for an optimistic update.
func NewID() string {
	return "opt_" + uuid.New().String()
}

// Add registers data for id, replacing any previous record, then evicts
// every expired record.
func (r *Registry[T]) Add(id string, data T, rollback func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[id] = &record[T]{
		data:      data,
		rollback:  rollback,
		createdAt: r.now(),
	}
	r.evictLocked()
}

// Get returns the data for id while its record is within TTL.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || r.expired(rec) {
		var zero T
		return zero, false
	}
	return rec.data, true
}

func (r *Registry[T]) Remove(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// Rollback invokes the rollback callback for id and removes the record. It
// reports whether a callback ran. Unknown ids are a no-op.
func (r *Registry[T]) Rollback(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.records, id)
	skip := !r.config.RollbackExpired && r.expired(rec)
	r.mu.Unlock()

	if skip || rec.rollback == nil {
		return false
	}

	// Called outside the lock so the callback may use the registry.
	rec.rollback()
	metrics.OptimisticRollbacks.Inc()
	return true
}

// Sweep evicts expired records and returns how many were dropped.
func (r *Registry[T]) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked()
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Registry[T]) evictLocked() int {
	removed := 0
	for id, rec := range r.records {
		if r.expired(rec) {
			delete(r.records, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.OptimisticEvictions.Add(float64(removed))
	}
	return removed
}

func (r *Registry[T]) expired(rec *record[T]) bool {
	return r.now().Sub(rec.createdAt) >= r.config.TTL
}
