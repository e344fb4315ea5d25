// Package aggregator holds the outbound clients for the state-designated EVV
// aggregator backends (Sandata, Tellus, HHAeXchange). Clients are stateless
// across calls and safe for concurrent reuse, which is what lets one client
// instance serve every state assigned to its backend.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neighborhood-lab/care-commons/internal/domain/staterules"
	"github.com/neighborhood-lab/care-commons/internal/platform/apperr"
)

// SubmissionStatus is the aggregator's verdict on one transmission.
type SubmissionStatus string

const (
	StatusAccepted SubmissionStatus = "ACCEPTED"
	StatusRejected SubmissionStatus = "REJECTED"
	StatusPartial  SubmissionStatus = "PARTIAL"
)

// Submission is the aggregator-bound envelope a state adapter builds from a
// completed EVV record. Payload stays an open map on the wire for forward
// compatibility; adapters narrow state-specific fields on read.
type Submission struct {
	RecordID  uuid.UUID              `json:"record_id"`
	State     staterules.StateCode   `json:"state"`
	Format    string                 `json:"format"`
	Payload   map[string]interface{} `json:"payload"`
	Telephony bool                   `json:"telephony,omitempty"`
}

// Result is the per-aggregator outcome of one submission attempt.
type Result struct {
	Status        SubmissionStatus `json:"status"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Errors        []string         `json:"errors,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
}

// Client is the shared contract every aggregator backend implements.
type Client interface {
	// Submit transmits one payload. Transport failures come back as
	// apperr.KindTransient so the retry machinery can distinguish them
	// from aggregator rejections, which are a Result with StatusRejected.
	Submit(ctx context.Context, sub Submission) (*Result, error)
	Type() staterules.AggregatorType
	// SetToken swaps the bearer token applied to outgoing requests.
	SetToken(token string)
}

// httpClient is the transport shared by the concrete backends.
type httpClient struct {
	aggType staterules.AggregatorType
	baseURL string
	path    string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

func newHTTPClient(aggType staterules.AggregatorType, baseURL, path, token string) *httpClient {
	return &httpClient{
		aggType: aggType,
		baseURL: baseURL,
		path:    path,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *httpClient) Type() staterules.AggregatorType { return c.aggType }

func (c *httpClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *httpClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// wireResponse is the JSON body all three backends return in our integration
// profile.
type wireResponse struct {
	Status        string   `json:"status"`
	TransactionID string   `json:"transaction_id"`
	Errors        []string `json:"errors"`
}

func (c *httpClient) Submit(ctx context.Context, sub Submission) (*Result, error) {
	body, err := json.Marshal(sub.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", c.aggType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.aggType, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient,
			fmt.Sprintf("submit to %s", c.aggType), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient,
			fmt.Sprintf("read %s response", c.aggType), err)
	}

	if resp.StatusCode >= 500 {
		return nil, apperr.Newf(apperr.KindTransient,
			"%s returned %d: %s", c.aggType, resp.StatusCode, truncate(raw, 256))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.aggType, err)
	}

	res := &Result{
		TransactionID: wire.TransactionID,
		Errors:        wire.Errors,
		SubmittedAt:   time.Now().UTC(),
	}
	switch {
	case resp.StatusCode >= 400:
		res.Status = StatusRejected
	case wire.Status == "partial":
		res.Status = StatusPartial
	case wire.Status == "rejected":
		res.Status = StatusRejected
	default:
		res.Status = StatusAccepted
	}
	return res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
