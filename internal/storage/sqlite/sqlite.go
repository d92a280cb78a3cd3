package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const requestColumns = `id, queue, status, descriptor, optimistic_update_id, response_status,
	response_payload, error, created_at, dispatched_at, completed_at`

var _ storage.Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

func New(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite works best with single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *storage.RequestRecord) error {
	descriptor, err := json.Marshal(req.Descriptor)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (id, queue, status, descriptor, optimistic_update_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.Queue, string(req.Status), string(descriptor),
		toNullString(req.OptimisticUpdateID), req.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*storage.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	record, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return record, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*storage.RequestRecord, int, error) {
	if filter.Queue == nil {
		return nil, 0, fmt.Errorf("queue is required")
	}

	limit := filter.Limit
	if limit == 0 {
		limit = 100 // Default limit
	}

	where := []string{"queue = ?"}
	args := []interface{}{*filter.Queue}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM requests WHERE ` + strings.Join(where, " AND ")
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	if filter.Cursor != nil {
		where = append(where, "created_at > ?")
		args = append(args, filter.Cursor.UnixNano())
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	records, err := scanRequests(rows)
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id string, status types.RequestStatus) error {
	now := time.Now().UnixNano()

	var res sql.Result
	var err error
	switch status {
	case types.StatusProcessing:
		res, err = s.db.ExecContext(ctx, `UPDATE requests SET status = ?, dispatched_at = ? WHERE id = ?`, string(status), now, id)
	case types.StatusCancelled:
		res, err = s.db.ExecContext(ctx, `UPDATE requests SET status = ?, completed_at = ? WHERE id = ?`, string(status), now, id)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE requests SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	return requireAffected(res, id)
}

func (s *SQLiteStore) SwapRequestStatus(ctx context.Context, id string, from, to types.RequestStatus) (bool, error) {
	now := time.Now().UnixNano()

	var res sql.Result
	var err error
	switch to {
	case types.StatusProcessing:
		res, err = s.db.ExecContext(ctx, `UPDATE requests SET status = ?, dispatched_at = ? WHERE id = ? AND status = ?`, string(to), now, id, string(from))
	case types.StatusCancelled:
		res, err = s.db.ExecContext(ctx, `UPDATE requests SET status = ?, completed_at = ? WHERE id = ? AND status = ?`, string(to), now, id, string(from))
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE requests SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap request status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("request not found: %s", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get request: %w", err)
	}
	return false, nil
}

func (s *SQLiteStore) UpdateRequestResponse(ctx context.Context, id string, status int, response interface{}) error {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, response_status = ?, response_payload = ?, error = NULL, completed_at = ? WHERE id = ?`,
		string(types.StatusCompleted), status, string(responseJSON), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update request response: %w", err)
	}
	return requireAffected(res, id)
}

func (s *SQLiteStore) UpdateRequestError(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(types.StatusFailed), errMsg, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update request error: %w", err)
	}
	return requireAffected(res, id)
}

func (s *SQLiteStore) GetQueuedRequests(ctx context.Context, queue string) ([]*storage.RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE queue = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		queue, string(types.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to get queued requests: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

func (s *SQLiteStore) GetQueueStats(ctx context.Context, queue string) (*types.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM requests WHERE queue = ? GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.RequestStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		counts[types.RequestStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return storage.StatsFromCounts(counts), nil
}

func (s *SQLiteStore) DeleteQueue(ctx context.Context, queue string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE queue = ?`, queue)
	if err != nil {
		return 0, fmt.Errorf("failed to delete requests: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete requests: %w", err)
	}
	if deleted == 0 {
		return 0, fmt.Errorf("queue not found: %s", queue)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return int(deleted), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*storage.RequestRecord, error) {
	var (
		record          storage.RequestRecord
		status          string
		descriptor      string
		optimisticID    sql.NullString
		responsePayload sql.NullString
		errMsg          sql.NullString
		createdAt       int64
		dispatchedAt    sql.NullInt64
		completedAt     sql.NullInt64
	)

	if err := row.Scan(&record.ID, &record.Queue, &status, &descriptor, &optimisticID,
		&record.ResponseStatus, &responsePayload, &errMsg, &createdAt, &dispatchedAt, &completedAt); err != nil {
		return nil, err
	}

	record.Status = types.RequestStatus(status)
	record.OptimisticUpdateID = fromNullString(optimisticID)
	record.Error = fromNullString(errMsg)
	record.CreatedAt = time.Unix(0, createdAt)
	record.DispatchedAt = fromNullTime(dispatchedAt)
	record.CompletedAt = fromNullTime(completedAt)

	if err := json.Unmarshal([]byte(descriptor), &record.Descriptor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}

	if responsePayload.Valid && responsePayload.String != "" {
		if err := json.Unmarshal([]byte(responsePayload.String), &record.ResponsePayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response payload: %w", err)
		}
	}

	return &record, nil
}

func scanRequests(rows *sql.Rows) ([]*storage.RequestRecord, error) {
	var records []*storage.RequestRecord
	for rows.Next() {
		record, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requests: %w", err)
	}
	return records, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("request not found: %s", id)
	}
	return nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
