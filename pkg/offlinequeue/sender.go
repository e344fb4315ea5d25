package offlinequeue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// opPaths maps each operation type to its server endpoint.
var opPaths = map[OpType]string{
	OpClockIn:         "/evv/clock-in",
	OpClockOut:        "/evv/clock-out",
	OpUpdateEntry:     "/evv/update",
	OpUploadSignature: "/evv/signature",
	OpUploadMedia:     "/evv/media",
	OpSyncVisit:       "/visits/sync",
}

// HTTPSender delivers queued operations to the care-commons server.
type HTTPSender struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

// NewHTTPSender builds a sender against the server base URL.
func NewHTTPSender(baseURL, token string) *HTTPSender {
	return &HTTPSender{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken swaps the bearer token after a re-authentication.
func (s *HTTPSender) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Send posts one operation. Connectivity and server errors are retryable;
// a payload the server rejects as invalid is fatal, as is an operation
// type this sender does not know.
func (s *HTTPSender) Send(ctx context.Context, op *QueuedOperation) error {
	path, ok := opPaths[op.Type]
	if !ok {
		return &FatalError{Reason: fmt.Sprintf("no endpoint for operation type %q", op.Type)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(op.Payload))
	if err != nil {
		return &FatalError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Entry-ID", op.ID.String())
	s.mu.RLock()
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	s.mu.RUnlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", op.Type, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// The server already has this entry; the offline replay is a
		// duplicate and the operation is done.
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FatalError{Reason: fmt.Sprintf("server rejected %s: %d %s", op.Type, resp.StatusCode, body)}
	default:
		return fmt.Errorf("send %s: server status %d", op.Type, resp.StatusCode)
	}
}
