package pebbledb

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

type BatchWriterConfig struct {
	MaxBatchSize      int           // Flush after this many ops (default: 1000)
	FlushInterval     time.Duration // Time-based flush (default: 1s)
	ChannelBufferSize int
	Logger            *zap.Logger
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		MaxBatchSize:      1000,
		FlushInterval:     time.Second,
		ChannelBufferSize: 100000,
	}
}

type writeOp struct {
	key    []byte
	value  []byte
	delete bool
	merge  bool
}

// BatchWriter coalesces writes into pebble batches committed by a single
// flusher goroutine.
type BatchWriter struct {
	db      *pebble.DB
	config  BatchWriterConfig
	logger  *zap.Logger
	opCh    chan writeOp
	flushCh chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
}

func NewBatchWriter(db *pebble.DB, config BatchWriterConfig) *BatchWriter {
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Second
	}
	if config.ChannelBufferSize == 0 {
		config.ChannelBufferSize = 100000
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bw := &BatchWriter{
		db:      db,
		config:  config,
		logger:  logger,
		opCh:    make(chan writeOp, config.ChannelBufferSize),
		flushCh: make(chan chan error),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go bw.flusher()

	return bw
}

// Set queues a Set operation (lock-free)
func (bw *BatchWriter) Set(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value}
}

func (bw *BatchWriter) Delete(key []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, delete: true}
}

func (bw *BatchWriter) Merge(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value, merge: true}
}

// Flush commits every operation queued before the call.
func (bw *BatchWriter) Flush() error {
	if bw.stopped.Load() {
		return nil
	}
	done := make(chan error, 1)
	select {
	case bw.flushCh <- done:
		return <-done
	case <-bw.doneCh:
		return nil
	}
}

func (bw *BatchWriter) Close() error {
	if bw.stopped.Swap(true) {
		return nil // Already stopped
	}
	close(bw.stopCh)
	<-bw.doneCh // Wait for flusher to finish
	return nil
}

func (bw *BatchWriter) flusher() {
	defer close(bw.doneCh)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	batch := bw.db.NewBatch()
	opCount := 0

	apply := func(op writeOp) {
		switch {
		case op.delete:
			batch.Delete(op.key, nil)
		case op.merge:
			batch.Merge(op.key, op.value, nil)
		default:
			batch.Set(op.key, op.value, nil)
		}
		opCount++
	}

	flush := func() error {
		if opCount == 0 {
			return nil
		}
		err := batch.Commit(pebble.Sync)
		if err != nil {
			bw.logger.Error("batch commit failed", zap.Int("ops", opCount), zap.Error(err))
		}
		batch.Close()
		batch = bw.db.NewBatch()
		opCount = 0
		return err
	}

	drain := func() {
		for {
			select {
			case op := <-bw.opCh:
				apply(op)
			default:
				return
			}
		}
	}

	for {
		select {
		case op := <-bw.opCh:
			apply(op)
			if opCount >= bw.config.MaxBatchSize {
				_ = flush()
			}

		case done := <-bw.flushCh:
			drain()
			done <- flush()

		case <-ticker.C:
			_ = flush()

		case <-bw.stopCh:
			drain()
			_ = flush()
			batch.Close()
			return
		}
	}
}
