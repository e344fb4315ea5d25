package offlinequeue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable on-device backing for the queue. The pure-Go
// sqlite driver keeps the mobile/edge build free of cgo.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a queue database at the given path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// One writer at a time keeps sqlite's locking simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_operation (
			id TEXT PRIMARY KEY,
			op_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_attempt INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS queued_operation_due
			ON queued_operation (status, next_attempt, priority DESC, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, op *QueuedOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_operation
			(id, op_type, payload, priority, status, retry_count, next_attempt, last_error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		op.ID.String(), string(op.Type), []byte(op.Payload), op.Priority, string(op.Status),
		op.RetryCount, op.NextAttempt.UnixNano(), op.LastError,
		op.CreatedAt.UnixNano(), op.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, op *QueuedOperation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_operation
		SET status = ?, retry_count = ?, next_attempt = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(op.Status), op.RetryCount, op.NextAttempt.UnixNano(), op.LastError,
		op.UpdatedAt.UnixNano(), op.ID.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("operation %s not found", op.ID)
	}
	return nil
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]*QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, payload, priority, status, retry_count, next_attempt, last_error, created_at, updated_at
		FROM queued_operation
		WHERE status = ? AND next_attempt <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		string(StatusPending), now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueuedOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*QueuedOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, op_type, payload, priority, status, retry_count, next_attempt, last_error, created_at, updated_at
		FROM queued_operation WHERE id = ?`, id.String())
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s not found", id)
	}
	return op, err
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, status OpStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_operation WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queued_operation
		WHERE status = ? AND updated_at < ?`,
		string(StatusCompleted), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOp(row rowScanner) (*QueuedOperation, error) {
	var (
		op                             QueuedOperation
		id, opType, status             string
		nextAttempt, created, updated  int64
		payload                        []byte
	)
	if err := row.Scan(&id, &opType, &payload, &op.Priority, &status,
		&op.RetryCount, &nextAttempt, &op.LastError, &created, &updated); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad operation id %q: %w", id, err)
	}
	op.ID = parsed
	op.Type = OpType(opType)
	op.Status = OpStatus(status)
	op.Payload = payload
	op.NextAttempt = time.Unix(0, nextAttempt).UTC()
	op.CreatedAt = time.Unix(0, created).UTC()
	op.UpdatedAt = time.Unix(0, updated).UTC()
	return &op, nil
}
