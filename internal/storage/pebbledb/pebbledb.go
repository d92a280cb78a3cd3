package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/pkg/types"
)

// Key prefixes
const (
	prefixReq   = "req:"   // req:{id} → request JSON
	prefixQueue = "q:"     // q:{queue}:{ts}:{id} → empty
	prefixSt    = "st:"    // st:{queue}:{status}:{ts}:{id} → empty
	prefixCount = "count:" // count:{queue}:{status} → int64
)

var _ storage.Store = (*PebbleStore)(nil)

type PebbleStore struct {
	db          *pebble.DB
	batchWriter *BatchWriter
	useBatch    bool

	// mu serializes read-modify-write status transitions.
	mu sync.Mutex
}

type requestData struct {
	ID                 string           `json:"id"`
	Queue              string           `json:"queue"`
	Status             string           `json:"status"`
	Descriptor         types.Descriptor `json:"descriptor"`
	OptimisticUpdateID *string          `json:"optimistic_update_id,omitempty"`
	ResponseStatus     int              `json:"response_status,omitempty"`
	ResponsePayload    interface{}      `json:"response_payload,omitempty"`
	Error              *string          `json:"error,omitempty"`
	CreatedAt          int64            `json:"created_at"` // Unix nano
	DispatchedAt       *int64           `json:"dispatched_at,omitempty"`
	CompletedAt        *int64           `json:"completed_at,omitempty"`
}

// New opens a pebble database at dbPath. With useBatch, request creation is
// buffered through a BatchWriter and flushed before every read.
func New(dbPath string, useBatch bool, config BatchWriterConfig) (*PebbleStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "int64_add",
			Merge: func(key, value []byte) (pebble.ValueMerger, error) {
				return &int64Merger{sum: decodeInt64(value)}, nil
			},
		},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	store := &PebbleStore{
		db:       db,
		useBatch: useBatch,
	}

	if useBatch {
		store.batchWriter = NewBatchWriter(db, config)
	}

	return store, nil
}

func (s *PebbleStore) Close() error {
	// Close batch writer first to flush remaining writes
	if s.batchWriter != nil {
		if err := s.batchWriter.Close(); err != nil {
			return fmt.Errorf("failed to close batch writer: %w", err)
		}
	}
	return s.db.Close()
}

// sync makes buffered writes visible to readers.
func (s *PebbleStore) sync() error {
	if !s.useBatch {
		return nil
	}
	if err := s.batchWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush batch writer: %w", err)
	}
	return nil
}

func reqKey(id string) []byte {
	return []byte(prefixReq + id)
}

func queueKey(queue string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixQueue, queue, ts, id))
}

func queuePrefix(queue string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixQueue, queue))
}

func stKey(queue, status string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d:%s", prefixSt, queue, status, ts, id))
}

func stPrefix(queue, status string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixSt, queue, status))
}

func countKey(queue, status string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixCount, queue, status))
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

type int64Merger struct {
	sum int64
}

func (m *int64Merger) MergeNewer(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) MergeOlder(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return encodeInt64(m.sum), nil, nil
}

func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub
		}
		ub[i] = 0
	}
	return append(ub, 0)
}

func (s *PebbleStore) CreateRequest(ctx context.Context, req *storage.RequestRecord) error {
	if err := s.sync(); err != nil {
		return err
	}
	existing, err := s.getRequestData(req.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("failed to create request: duplicate id %s", req.ID)
	}

	data := requestData{
		ID:                 req.ID,
		Queue:              req.Queue,
		Status:             string(req.Status),
		Descriptor:         req.Descriptor,
		OptimisticUpdateID: req.OptimisticUpdateID,
		CreatedAt:          req.CreatedAt.UnixNano(),
	}

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if s.useBatch {
		// Queue writes to batch writer for batched commits
		s.batchWriter.Set(reqKey(req.ID), value)
		s.batchWriter.Set(queueKey(req.Queue, data.CreatedAt, req.ID), nil)
		s.batchWriter.Set(stKey(req.Queue, data.Status, data.CreatedAt, req.ID), nil)
		s.batchWriter.Merge(countKey(req.Queue, data.Status), encodeInt64(1))
		return nil
	}

	// Direct sync writes
	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Set(reqKey(req.ID), value, nil)
	batch.Set(queueKey(req.Queue, data.CreatedAt, req.ID), nil, nil)
	batch.Set(stKey(req.Queue, data.Status, data.CreatedAt, req.ID), nil, nil)
	batch.Merge(countKey(req.Queue, data.Status), encodeInt64(1), nil)
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetRequest(ctx context.Context, id string) (*storage.RequestRecord, error) {
	if err := s.sync(); err != nil {
		return nil, err
	}
	data, err := s.getRequestData(id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return toRequestRecord(data), nil
}

func (s *PebbleStore) getRequestData(id string) (*requestData, error) {
	value, closer, err := s.db.Get(reqKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	defer closer.Close()

	var data requestData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &data, nil
}

func (s *PebbleStore) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*storage.RequestRecord, int, error) {
	if filter.Queue == nil {
		return nil, 0, fmt.Errorf("queue is required")
	}
	if err := s.sync(); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}

	// Without a status filter the creation-order index covers every status.
	prefix := queuePrefix(*filter.Queue)
	keyAt := func(ts int64) []byte { return queueKey(*filter.Queue, ts, "") }
	if filter.Status != nil {
		status := string(*filter.Status)
		prefix = stPrefix(*filter.Queue, status)
		keyAt = func(ts int64) []byte { return stKey(*filter.Queue, status, ts, "") }
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	// Entries strictly after the cursor time sort at or above this key
	var cursorKey []byte
	if filter.Cursor != nil {
		cursorKey = keyAt(filter.Cursor.UnixNano() + 1)
	}

	var records []*storage.RequestRecord
	total := 0

	for iter.First(); iter.Valid(); iter.Next() {
		total++

		if cursorKey != nil && bytes.Compare(iter.Key(), cursorKey) < 0 {
			continue
		}
		if len(records) >= limit {
			continue
		}

		id := extractIDFromKey(iter.Key())
		if id == "" {
			continue
		}
		data, err := s.getRequestData(id)
		if err != nil {
			return nil, 0, err
		}
		if data != nil {
			records = append(records, toRequestRecord(data))
		}
	}

	return records, total, nil
}

// transition rewrites a request and moves its status index entry and
// counters in one batch. A mutate returning false leaves the request as is.
func (s *PebbleStore) transition(id string, mutate func(data *requestData, now int64) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(); err != nil {
		return false, err
	}
	data, err := s.getRequestData(id)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, fmt.Errorf("request not found: %s", id)
	}

	oldStatus := data.Status
	if !mutate(data, time.Now().UnixNano()) {
		return false, nil
	}

	value, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	batch.Set(reqKey(id), value, nil)
	if oldStatus != data.Status {
		batch.Delete(stKey(data.Queue, oldStatus, data.CreatedAt, id), nil)
		batch.Set(stKey(data.Queue, data.Status, data.CreatedAt, id), nil, nil)
		batch.Merge(countKey(data.Queue, oldStatus), encodeInt64(-1), nil)
		batch.Merge(countKey(data.Queue, data.Status), encodeInt64(1), nil)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func setStatus(data *requestData, status types.RequestStatus, now int64) {
	data.Status = string(status)
	switch status {
	case types.StatusProcessing:
		data.DispatchedAt = &now
	case types.StatusCancelled:
		data.CompletedAt = &now
	}
}

func (s *PebbleStore) UpdateRequestStatus(ctx context.Context, id string, status types.RequestStatus) error {
	_, err := s.transition(id, func(data *requestData, now int64) bool {
		setStatus(data, status, now)
		return true
	})
	return err
}

func (s *PebbleStore) SwapRequestStatus(ctx context.Context, id string, from, to types.RequestStatus) (bool, error) {
	return s.transition(id, func(data *requestData, now int64) bool {
		if data.Status != string(from) {
			return false
		}
		setStatus(data, to, now)
		return true
	})
}

func (s *PebbleStore) UpdateRequestResponse(ctx context.Context, id string, status int, response interface{}) error {
	_, err := s.transition(id, func(data *requestData, now int64) bool {
		data.Status = string(types.StatusCompleted)
		data.ResponseStatus = status
		data.ResponsePayload = response
		data.Error = nil
		data.CompletedAt = &now
		return true
	})
	return err
}

func (s *PebbleStore) UpdateRequestError(ctx context.Context, id string, errMsg string) error {
	_, err := s.transition(id, func(data *requestData, now int64) bool {
		data.Status = string(types.StatusFailed)
		data.Error = &errMsg
		data.CompletedAt = &now
		return true
	})
	return err
}

func (s *PebbleStore) GetQueuedRequests(ctx context.Context, queue string) ([]*storage.RequestRecord, error) {
	if err := s.sync(); err != nil {
		return nil, err
	}

	prefix := stPrefix(queue, string(types.StatusQueued))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*storage.RequestRecord

	for iter.First(); iter.Valid(); iter.Next() {
		id := extractIDFromKey(iter.Key())
		if id == "" {
			continue
		}
		data, err := s.getRequestData(id)
		if err != nil {
			return nil, err
		}
		if data != nil {
			records = append(records, toRequestRecord(data))
		}
	}

	return records, nil
}

func (s *PebbleStore) GetQueueStats(ctx context.Context, queue string) (*types.QueueStats, error) {
	if err := s.sync(); err != nil {
		return nil, err
	}

	counts := make(map[types.RequestStatus]int)
	for _, status := range types.AllStatuses {
		count, err := s.getCount(queue, string(status))
		if err != nil {
			return nil, err
		}
		counts[status] = int(count)
	}

	return storage.StatsFromCounts(counts), nil
}

func (s *PebbleStore) getCount(queue, status string) (int64, error) {
	value, closer, err := s.db.Get(countKey(queue, status))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get count: %w", err)
	}
	defer closer.Close()
	return decodeInt64(value), nil
}

func (s *PebbleStore) DeleteQueue(ctx context.Context, queue string) (int, error) {
	if err := s.sync(); err != nil {
		return 0, err
	}

	prefix := queuePrefix(queue)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	deletedCount := 0
	for iter.First(); iter.Valid(); iter.Next() {
		id := extractIDFromKey(iter.Key())
		if id == "" {
			continue
		}
		data, err := s.getRequestData(id)
		if err != nil {
			iter.Close()
			return 0, err
		}
		if data != nil {
			batch.Delete(stKey(queue, data.Status, data.CreatedAt, id), nil)
		}
		batch.Delete(reqKey(id), nil)
		batch.Delete(iter.Key(), nil)
		deletedCount++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to close iterator: %w", err)
	}

	if deletedCount == 0 {
		return 0, fmt.Errorf("queue not found: %s", queue)
	}

	for _, status := range types.AllStatuses {
		batch.Delete(countKey(queue, string(status)), nil)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	return deletedCount, nil
}

func toRequestRecord(data *requestData) *storage.RequestRecord {
	record := &storage.RequestRecord{
		ID:                 data.ID,
		Queue:              data.Queue,
		Status:             types.RequestStatus(data.Status),
		Descriptor:         data.Descriptor,
		OptimisticUpdateID: data.OptimisticUpdateID,
		ResponseStatus:     data.ResponseStatus,
		ResponsePayload:    data.ResponsePayload,
		Error:              data.Error,
		CreatedAt:          time.Unix(0, data.CreatedAt),
	}

	if data.DispatchedAt != nil {
		t := time.Unix(0, *data.DispatchedAt)
		record.DispatchedAt = &t
	}
	if data.CompletedAt != nil {
		t := time.Unix(0, *data.CompletedAt)
		record.CompletedAt = &t
	}

	return record
}

// extractIDFromKey returns the trailing id of an index key.
// Key formats: q:{queue}:{ts}:{id} and st:{queue}:{status}:{ts}:{id}
func extractIDFromKey(key []byte) string {
	i := bytes.LastIndexByte(key, ':')
	if i < 0 || i == len(key)-1 {
		return ""
	}
	return string(key[i+1:])
}
