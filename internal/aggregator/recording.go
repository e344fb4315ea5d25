package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
)

// RecordingClient is an in-memory Client used by adapter and service tests.
// It records every submission and returns a scripted result.
type RecordingClient struct {
	AggType staterules.AggregatorType

	mu          sync.Mutex
	Submissions []Submission
	NextResult  *Result
	NextErr     error
	token       string
}

// NewRecordingClient builds a recording client that accepts everything.
func NewRecordingClient(aggType staterules.AggregatorType) *RecordingClient {
	return &RecordingClient{AggType: aggType}
}

func (c *RecordingClient) Submit(_ context.Context, sub Submission) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Submissions = append(c.Submissions, sub)
	if c.NextErr != nil {
		return nil, c.NextErr
	}
	if c.NextResult != nil {
		return c.NextResult, nil
	}
	return &Result{Status: StatusAccepted, TransactionID: "rec-1", SubmittedAt: time.Now().UTC()}, nil
}

func (c *RecordingClient) Type() staterules.AggregatorType { return c.AggType }

func (c *RecordingClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the last token set, for transport tests.
func (c *RecordingClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Count returns how many submissions the client has seen.
func (c *RecordingClient) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Submissions)
}
