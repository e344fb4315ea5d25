// Package offlinequeue is a durable store-and-forward queue for EVV
// operations captured while a device has no connectivity. Operations are
// prioritized so clock events sync before bulk data, retried with
// exponential backoff, and never silently dropped.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OpType is the kind of operation queued for sync.
type OpType string

const (
	OpClockIn         OpType = "CLOCK_IN"
	OpClockOut        OpType = "CLOCK_OUT"
	OpUpdateEntry     OpType = "UPDATE_ENTRY"
	OpUploadSignature OpType = "UPLOAD_SIGNATURE"
	OpUploadMedia     OpType = "UPLOAD_MEDIA"
	OpSyncVisit       OpType = "SYNC_VISIT"
)

// OpStatus is a queued operation's lifecycle state.
type OpStatus string

const (
	StatusPending    OpStatus = "PENDING"
	StatusInProgress OpStatus = "IN_PROGRESS"
	StatusCompleted  OpStatus = "COMPLETED"
	StatusFailed     OpStatus = "FAILED"
)

// opPriorities orders sync so the compliance-critical events go first.
// Clock events outrank everything; bulk visit sync goes last.
var opPriorities = map[OpType]int{
	OpClockIn:         100,
	OpClockOut:        90,
	OpUpdateEntry:     70,
	OpUploadSignature: 50,
	OpUploadMedia:     40,
	OpSyncVisit:       10,
}

// QueuedOperation is one durable unit of offline work.
type QueuedOperation struct {
	ID          uuid.UUID       `json:"id"`
	Type        OpType          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      OpStatus        `json:"status"`
	RetryCount  int             `json:"retry_count"`
	NextAttempt time.Time       `json:"next_attempt"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store is the durable backing for the queue.
type Store interface {
	Insert(ctx context.Context, op *QueuedOperation) error
	Update(ctx context.Context, op *QueuedOperation) error
	// Due returns PENDING operations whose next attempt time has passed,
	// ordered by priority descending then enqueue time ascending.
	Due(ctx context.Context, now time.Time, limit int) ([]*QueuedOperation, error)
	Get(ctx context.Context, id uuid.UUID) (*QueuedOperation, error)
	CountByStatus(ctx context.Context, status OpStatus) (int, error)
	// DeleteCompletedBefore prunes COMPLETED rows older than the cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Sender delivers one operation to the server. A nil error marks the
// operation completed; ErrFatal marks it failed immediately; any other
// error schedules a retry.
type Sender interface {
	Send(ctx context.Context, op *QueuedOperation) error
}

// FatalError marks a delivery failure that retrying cannot fix, such as a
// payload the server rejects as invalid.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "fatal sync error: " + e.Reason }

// Retry policy.
const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 15 * time.Second
	DefaultBackoffCap  = 30 * time.Minute
	defaultBatchSize   = 50
)

// Queue coordinates durable offline operations and their sync to the
// server.
type Queue struct {
	store  Store
	sender Sender
	log    zerolog.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time

	// processing enforces single-flight: one ProcessQueue pass at a
	// time, concurrent callers return immediately.
	processing atomic.Bool

	nudged chan struct{}
}

// Option tunes queue construction.
type Option func(*Queue)

// WithMaxRetries overrides the retry ceiling.
func WithMaxRetries(n int) Option { return func(q *Queue) { q.maxRetries = n } }

// WithBackoff overrides the retry backoff curve.
func WithBackoff(base, cap time.Duration) Option {
	return func(q *Queue) {
		q.backoffBase = base
		q.backoffCap = cap
	}
}

// New builds a queue over a durable store and a delivery sender.
func New(store Store, sender Sender, log zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		sender:      sender,
		log:         log,
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		now:         func() time.Time { return time.Now().UTC() },
		nudged:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores an operation durably and nudges the sync loop. The write
// succeeds whether or not the device is online; delivery happens whenever
// ProcessQueue next runs.
func (q *Queue) Enqueue(ctx context.Context, opType OpType, payload interface{}) (*QueuedOperation, error) {
	priority, ok := opPriorities[opType]
	if !ok {
		return nil, fmt.Errorf("unknown operation type %q", opType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := q.now()
	op := &QueuedOperation{
		ID:          uuid.New(),
		Type:        opType,
		Payload:     raw,
		Priority:    priority,
		Status:      StatusPending,
		NextAttempt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Insert(ctx, op); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", opType, err)
	}

	// Opportunistic nudge; never blocks the caller.
	select {
	case q.nudged <- struct{}{}:
	default:
	}
	return op, nil
}

// Nudges returns the channel the sync loop selects on to pick up new work
// between timer ticks.
func (q *Queue) Nudges() <-chan struct{} { return q.nudged }

// Run drives delivery until the context is canceled: one ProcessQueue pass
// per interval tick, plus an immediate pass whenever Enqueue signals new
// work. Callers run it in its own goroutine alongside the HTTP server.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.nudged:
		}
		n, err := q.ProcessQueue(ctx)
		if err != nil {
			q.log.Error().Err(err).Msg("sync pass failed")
			continue
		}
		if n > 0 {
			q.log.Debug().Int("processed", n).Msg("sync pass complete")
		}
	}
}

// ProcessQueue drains due operations in priority order. Only one pass runs
// at a time; a call that finds a pass already running returns (0, nil)
// immediately.
func (q *Queue) ProcessQueue(ctx context.Context) (int, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.processing.Store(false)

	processed := 0
	for {
		due, err := q.store.Due(ctx, q.now(), defaultBatchSize)
		if err != nil {
			return processed, fmt.Errorf("list due operations: %w", err)
		}
		if len(due) == 0 {
			return processed, nil
		}
		for _, op := range due {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			q.processOne(ctx, op)
			processed++
		}
		if len(due) < defaultBatchSize {
			return processed, nil
		}
	}
}

func (q *Queue) processOne(ctx context.Context, op *QueuedOperation) {
	// The in-flight state is persisted before delivery so a sync-state
	// screen can tell a waiting operation from one mid-transmission.
	op.Status = StatusInProgress
	op.UpdatedAt = q.now()
	if uerr := q.store.Update(ctx, op); uerr != nil {
		// Leave it PENDING in the store; the next pass retries.
		q.log.Error().Err(uerr).Str("op_id", op.ID.String()).Msg("mark operation in progress")
		return
	}

	err := q.sender.Send(ctx, op)
	now := q.now()
	op.UpdatedAt = now

	switch {
	case err == nil:
		op.Status = StatusCompleted
		op.LastError = ""
	case isFatal(err):
		op.Status = StatusFailed
		op.LastError = err.Error()
		q.log.Error().Err(err).
			Str("op_id", op.ID.String()).
			Str("op_type", string(op.Type)).
			Msg("offline operation failed permanently")
	default:
		op.RetryCount++
		op.LastError = err.Error()
		if op.RetryCount >= q.maxRetries {
			op.Status = StatusFailed
			q.log.Error().Err(err).
				Str("op_id", op.ID.String()).
				Int("retries", op.RetryCount).
				Msg("offline operation exhausted retries")
		} else {
			op.Status = StatusPending
			op.NextAttempt = now.Add(q.backoff(op.RetryCount))
			q.log.Warn().Err(err).
				Str("op_id", op.ID.String()).
				Int("retry", op.RetryCount).
				Time("next_attempt", op.NextAttempt).
				Msg("offline operation retry scheduled")
		}
	}

	if uerr := q.store.Update(ctx, op); uerr != nil {
		q.log.Error().Err(uerr).Str("op_id", op.ID.String()).Msg("persist operation state")
	}
}

// backoff is base*2^(retry-1) capped.
func (q *Queue) backoff(retry int) time.Duration {
	d := q.backoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.backoffCap {
			return q.backoffCap
		}
	}
	if d > q.backoffCap {
		return q.backoffCap
	}
	return d
}

// PendingCount reports how many operations still await delivery.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.CountByStatus(ctx, StatusPending)
}

// Stats summarizes the queue by operation status, for sync-state screens.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Pending, err = q.store.CountByStatus(ctx, StatusPending); err != nil {
		return st, err
	}
	if st.InProgress, err = q.store.CountByStatus(ctx, StatusInProgress); err != nil {
		return st, err
	}
	if st.Completed, err = q.store.CountByStatus(ctx, StatusCompleted); err != nil {
		return st, err
	}
	if st.Failed, err = q.store.CountByStatus(ctx, StatusFailed); err != nil {
		return st, err
	}
	return st, nil
}

// ClearCompleted prunes completed operations older than the given number
// of days.
func (q *Queue) ClearCompleted(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := q.now().AddDate(0, 0, -olderThanDays)
	return q.store.DeleteCompletedBefore(ctx, cutoff)
}

func isFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
