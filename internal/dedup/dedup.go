// Package dedup shares in-flight work between callers that ask for the same
// key and keeps successful results for a short TTL.
//
// A round for a key starts when the first caller finds neither a fresh cache
// entry nor a pending operation. Every caller that arrives before the round
// ends joins it and observes the same value or error. A successful round
// leaves a cache entry behind; a failed one leaves nothing.
//
// ClearCache and ClearPending only drop bookkeeping. An operation that is
// already running keeps running, and on success it still writes its cache
// entry even if its pending record was cleared.
package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/georgeshao/lucent-query/internal/metrics"
	"github.com/georgeshao/lucent-query/pkg/types"
)

type Config struct {
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL: 5 * time.Minute,
	}
}

// Operation is the unit of work guarded by a Deduplicator. It receives the
// context of the caller that started the round.
type Operation[V any] func(ctx context.Context) (V, error)

type pendingOp struct {
	startedAt time.Time
}

type cacheEntry[V any] struct {
	data     V
	cachedAt time.Time
}

type Deduplicator[V any] struct {
	config  Config
	flight  singleflight.Group
	mu      sync.Mutex
	pending map[string]*pendingOp
	cache   map[string]cacheEntry[V]
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
}

func New[V any](config Config) *Deduplicator[V] {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &Deduplicator[V]{
		config:  config,
		pending: make(map[string]*pendingOp),
		cache:   make(map[string]cacheEntry[V]),
		now:     time.Now,
	}
}

// Deduplicate returns a fresh cached value for key when useCache is set,
// otherwise joins the pending operation for key or starts op.
func (d *Deduplicator[V]) Deduplicate(ctx context.Context, key string, op Operation[V], useCache bool) (V, error) {
	if useCache {
		if v, ok := d.lookup(key); ok {
			d.hits.Add(1)
			metrics.DedupLookups.WithLabelValues("hit").Inc()
			return v, nil
		}
		d.misses.Add(1)
		metrics.DedupLookups.WithLabelValues("miss").Inc()
	}

	res, err, shared := d.flight.Do(key, func() (interface{}, error) {
		// A round may have finished between the lookup above and this call.
		if useCache {
			if v, ok := d.lookup(key); ok {
				return v, nil
			}
		}
		return d.run(ctx, key, op)
	})
	if shared {
		d.shared.Add(1)
		metrics.DedupShared.Inc()
	}
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (d *Deduplicator[V]) run(ctx context.Context, key string, op Operation[V]) (V, error) {
	p := &pendingOp{startedAt: d.now()}

	d.mu.Lock()
	d.pending[key] = p
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending[key] == p {
			delete(d.pending, key)
		}
		d.mu.Unlock()
	}()

	v, err := op(ctx)
	if err != nil {
		return v, err
	}

	d.mu.Lock()
	d.cache[key] = cacheEntry[V]{data: v, cachedAt: d.now()}
	d.mu.Unlock()
	return v, nil
}

func (d *Deduplicator[V]) lookup(key string) (V, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.cache[key]
	if !ok {
		var zero V
		return zero, false
	}
	if d.expired(entry) {
		delete(d.cache, key)
		var zero V
		return zero, false
	}
	return entry.data, true
}

func (d *Deduplicator[V]) expired(entry cacheEntry[V]) bool {
	return d.now().Sub(entry.cachedAt) >= d.config.TTL
}

func (d *Deduplicator[V]) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]cacheEntry[V])
	d.mu.Unlock()
}

// ClearPending forgets every in-flight operation. Callers arriving afterwards
// start a new round instead of joining the old one.
func (d *Deduplicator[V]) ClearPending() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.pending {
		d.flight.Forget(key)
	}
	d.pending = make(map[string]*pendingOp)
}

// Invalidate drops the cache entry for key, if any.
func (d *Deduplicator[V]) Invalidate(key string) {
	d.mu.Lock()
	delete(d.cache, key)
	d.mu.Unlock()
}

// Sweep removes expired cache entries and returns how many were dropped.
func (d *Deduplicator[V]) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, entry := range d.cache {
		if d.expired(entry) {
			delete(d.cache, key)
			removed++
		}
	}
	return removed
}

// pendingSince reports when the in-flight operation for key started.
func (d *Deduplicator[V]) pendingSince(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return time.Time{}, false
	}
	return p.startedAt, true
}

func (d *Deduplicator[V]) Stats() types.CacheStats {
	d.mu.Lock()
	pending, cached := len(d.pending), len(d.cache)
	d.mu.Unlock()

	return types.CacheStats{
		Hits:    d.hits.Load(),
		Misses:  d.misses.Load(),
		Shared:  d.shared.Load(),
		Pending: pending,
		Cached:  cached,
	}
}
