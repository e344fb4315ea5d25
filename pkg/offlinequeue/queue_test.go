package offlinequeue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// memStore is an in-memory Store for queue-logic tests.
type memStore struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*QueuedOperation
}

func newMemStore() *memStore {
	return &memStore{ops: make(map[uuid.UUID]*QueuedOperation)}
}

func (m *memStore) Insert(_ context.Context, op *QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *memStore) Update(_ context.Context, op *QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *memStore) Due(_ context.Context, now time.Time, limit int) ([]*QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueuedOperation
	for _, op := range m.ops {
		if op.Status == StatusPending && !op.NextAttempt.After(now) {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *op
	return &cp, nil
}

func (m *memStore) CountByStatus(_ context.Context, status OpStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.ops {
		if op.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, op := range m.ops {
		if op.Status == StatusCompleted && op.UpdatedAt.Before(cutoff) {
			delete(m.ops, id)
			n++
		}
	}
	return n, nil
}

// scriptedSender returns canned errors and records delivery order.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error // popped per call; empty means success
	sent  []OpType
	block chan struct{} // when set, Send waits until closed
}

func (s *scriptedSender) Send(_ context.Context, op *QueuedOperation) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, op.Type)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func newTestQueue(sender Sender, opts ...Option) (*Queue, *memStore) {
	store := newMemStore()
	return New(store, sender, zerolog.Nop(), opts...), store
}

func TestEnqueue_AssignsPriorityByType(t *testing.T) {
	q, _ := newTestQueue(&scriptedSender{})
	ctx := context.Background()

	clockIn, err := q.Enqueue(ctx, OpClockIn, map[string]string{"visit": "v1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sync, _ := q.Enqueue(ctx, OpSyncVisit, nil)

	if clockIn.Priority <= sync.Priority {
		t.Fatalf("clock-in priority %d must exceed visit-sync priority %d", clockIn.Priority, sync.Priority)
	}

	if _, err := q.Enqueue(ctx, OpType("BOGUS"), nil); err == nil {
		t.Fatal("unknown operation type must be rejected at enqueue")
	}
}

func TestProcessQueue_PriorityOrder(t *testing.T) {
	sender := &scriptedSender{}
	q, _ := newTestQueue(sender)
	ctx := context.Background()

	// Enqueued in reverse priority order on purpose.
	q.Enqueue(ctx, OpSyncVisit, nil)
	q.Enqueue(ctx, OpUploadSignature, nil)
	q.Enqueue(ctx, OpClockOut, nil)
	q.Enqueue(ctx, OpClockIn, nil)

	n, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if n != 4 {
		t.Fatalf("processed %d, want 4", n)
	}
	want := []OpType{OpClockIn, OpClockOut, OpUploadSignature, OpSyncVisit}
	for i, typ := range want {
		if sender.sent[i] != typ {
			t.Fatalf("delivery order = %v, want %v", sender.sent, want)
		}
	}
}

func TestProcessQueue_RetryThenFailAtMaxExactly(t *testing.T) {
	sendErr := errors.New("network down")
	sender := &scriptedSender{errs: []error{sendErr, sendErr, sendErr}}
	q, store := newTestQueue(sender, WithMaxRetries(3), WithBackoff(time.Second, time.Minute))

	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	ctx := context.Background()
	op, _ := q.Enqueue(ctx, OpClockIn, nil)

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := q.ProcessQueue(ctx); err != nil {
			t.Fatalf("ProcessQueue: %v", err)
		}
		got, _ := store.Get(ctx, op.ID)
		if got.RetryCount != attempt {
			t.Fatalf("after attempt %d retry count = %d", attempt, got.RetryCount)
		}
		if attempt < 3 {
			if got.Status != StatusPending {
				t.Fatalf("after attempt %d status = %s, want PENDING", attempt, got.Status)
			}
			now = got.NextAttempt.Add(time.Millisecond)
		} else if got.Status != StatusFailed {
			t.Fatalf("after final attempt status = %s, want FAILED", got.Status)
		}
	}

	// A failed operation never re-enters the due set.
	if n, _ := q.ProcessQueue(ctx); n != 0 {
		t.Fatalf("failed operation was retried again")
	}
}

func TestProcessQueue_BackoffGrowsMonotonically(t *testing.T) {
	q, _ := newTestQueue(&scriptedSender{}, WithBackoff(10*time.Second, 5*time.Minute))

	prev := time.Duration(0)
	for retry := 1; retry <= 12; retry++ {
		d := q.backoff(retry)
		if d < prev {
			t.Fatalf("backoff shrank at retry %d", retry)
		}
		if d > 5*time.Minute {
			t.Fatalf("backoff exceeds cap at retry %d: %s", retry, d)
		}
		prev = d
	}
	if q.backoff(1) != 10*time.Second {
		t.Errorf("first backoff = %s, want base", q.backoff(1))
	}
	if q.backoff(12) != 5*time.Minute {
		t.Errorf("late backoff = %s, want cap", q.backoff(12))
	}
}

func TestProcessQueue_FatalErrorFailsImmediately(t *testing.T) {
	sender := &scriptedSender{errs: []error{&FatalError{Reason: "payload rejected"}}}
	q, store := newTestQueue(sender)
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, OpClockIn, nil)
	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	got, _ := store.Get(ctx, op.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED without retries", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for a fatal error", got.RetryCount)
	}
}

func TestProcessQueue_SingleFlight(t *testing.T) {
	block := make(chan struct{})
	sender := &scriptedSender{block: block}
	q, _ := newTestQueue(sender)
	ctx := context.Background()
	q.Enqueue(ctx, OpClockIn, nil)

	done := make(chan int)
	go func() {
		n, _ := q.ProcessQueue(ctx)
		done <- n
	}()

	// Wait for the first pass to take the flag, then race a second call.
	for !q.processing.Load() {
		time.Sleep(time.Millisecond)
	}
	if n, err := q.ProcessQueue(ctx); err != nil || n != 0 {
		t.Fatalf("concurrent pass: n=%d err=%v, want immediate (0, nil)", n, err)
	}

	close(block)
	if n := <-done; n != 1 {
		t.Fatalf("first pass processed %d, want 1", n)
	}
}

func TestClearCompleted(t *testing.T) {
	q, store := newTestQueue(&scriptedSender{})
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	old, _ := q.Enqueue(ctx, OpSyncVisit, nil)
	q.ProcessQueue(ctx)

	// Age the completed row past the retention window.
	aged, _ := store.Get(ctx, old.ID)
	aged.UpdatedAt = now.AddDate(0, 0, -10)
	store.Update(ctx, aged)

	fresh, _ := q.Enqueue(ctx, OpSyncVisit, nil)
	q.ProcessQueue(ctx)

	n, err := q.ClearCompleted(ctx, 7)
	if err != nil {
		t.Fatalf("ClearCompleted: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := store.Get(ctx, fresh.ID); err != nil {
		t.Fatal("recent completed operation must survive pruning")
	}
}

func TestSQLiteStore_RoundTripAndOrdering(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	q := New(store, &scriptedSender{}, zerolog.Nop())
	ctx := context.Background()

	q.Enqueue(ctx, OpSyncVisit, map[string]string{"visit": "v1"})
	q.Enqueue(ctx, OpClockIn, map[string]string{"visit": "v1"})

	due, err := store.Due(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 || due[0].Type != OpClockIn {
		t.Fatalf("due = %+v, want clock-in first", due)
	}

	n, err := q.ProcessQueue(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ProcessQueue: n=%d err=%v", n, err)
	}
	count, _ := store.CountByStatus(ctx, StatusCompleted)
	if count != 2 {
		t.Fatalf("completed = %d, want 2", count)
	}
}

func TestHTTPSender(t *testing.T) {
	var gotAuth string
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.URL, "tok-1")
	op := &QueuedOperation{ID: uuid.New(), Type: OpClockIn, Payload: []byte(`{}`)}

	status = http.StatusCreated
	if err := sender.Send(context.Background(), op); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("auth header = %q", gotAuth)
	}

	// A duplicate replay is success, not an error.
	status = http.StatusConflict
	if err := sender.Send(context.Background(), op); err != nil {
		t.Errorf("409 should be treated as delivered: %v", err)
	}

	// A 4xx rejection is fatal.
	status = http.StatusUnprocessableEntity
	err := sender.Send(context.Background(), op)
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("422 should be fatal, got %v", err)
	}

	// A 5xx is retryable.
	status = http.StatusBadGateway
	err = sender.Send(context.Background(), op)
	if err == nil || errors.As(err, &fe) {
		t.Fatalf("502 should be retryable, got %v", err)
	}

	// Unknown types never reach the wire.
	bad := &QueuedOperation{ID: uuid.New(), Type: OpType("BOGUS")}
	if err := sender.Send(context.Background(), bad); !errors.As(err, &fe) {
		t.Fatalf("unknown type should be fatal, got %v", err)
	}
}

// statusPeekSender records, at delivery time, the status the store holds
// for each operation it is handed.
type statusPeekSender struct {
	store *memStore
	seen  []OpStatus
}

func (s *statusPeekSender) Send(ctx context.Context, op *QueuedOperation) error {
	stored, err := s.store.Get(ctx, op.ID)
	if err != nil {
		return err
	}
	s.seen = append(s.seen, stored.Status)
	return nil
}

func TestProcessQueue_PersistsInProgressAroundSend(t *testing.T) {
	store := newMemStore()
	sender := &statusPeekSender{store: store}
	q := New(store, sender, zerolog.Nop())
	ctx := context.Background()

	op, _ := q.Enqueue(ctx, OpClockIn, nil)
	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	if len(sender.seen) != 1 || sender.seen[0] != StatusInProgress {
		t.Fatalf("stored status during send = %v, want IN_PROGRESS", sender.seen)
	}
	got, _ := store.Get(ctx, op.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("final status = %s, want COMPLETED", got.Status)
	}
}

func TestRun_ProcessesOnEnqueueNudge(t *testing.T) {
	sender := &scriptedSender{}
	q, store := newTestQueue(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, time.Hour) }()

	// The hour-long tick interval means only the enqueue nudge can
	// trigger delivery within the test deadline.
	op, _ := q.Enqueue(ctx, OpClockIn, nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := store.Get(ctx, op.ID)
		if got.Status == StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation not delivered, status = %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestStats_CountsByStatus(t *testing.T) {
	sendErr := &FatalError{Reason: "rejected"}
	sender := &scriptedSender{errs: []error{nil, sendErr}}
	q, _ := newTestQueue(sender)
	ctx := context.Background()

	q.Enqueue(ctx, OpClockIn, nil)
	q.Enqueue(ctx, OpClockOut, nil)
	q.Enqueue(ctx, OpSyncVisit, nil)

	// First op succeeds, second fails fatally, third succeeds.
	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Completed != 2 || st.Failed != 1 || st.Pending != 0 {
		t.Fatalf("stats = %+v, want 2 completed, 1 failed, 0 pending", st)
	}
}
