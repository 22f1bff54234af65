// Package reporter delivers accepted violations to the ingestion endpoint
// without blocking the caller.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/internal/metrics"
	"github.com/formsuite/proctoring/pkg/types"
)

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 5 * time.Second

// Payload is the request body accepted by POST /api/proctoring.
type Payload struct {
	FormID    string          `json:"formId"`
	Violation types.Violation `json:"violation"`
}

// HTTPReporter posts violations in the background. Failed deliveries are
// logged and counted but never retried.
type HTTPReporter struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	metrics  *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHTTPReporter creates a reporter for endpoint. A zero timeout selects
// DefaultTimeout.
func NewHTTPReporter(endpoint string, timeout time.Duration, m *metrics.Metrics) *HTTPReporter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &HTTPReporter{
		endpoint: endpoint,
		client:   &http.Client{},
		timeout:  timeout,
		metrics:  m,
	}
}

// Report schedules delivery of v and returns immediately.
func (r *HTTPReporter) Report(formID string, v types.Violation) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		logger.Debug("Reporter", "Dropping %s violation after close", v.Kind)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.deliver(formID, v); err != nil {
			r.metrics.ReportsFailed.Add(1)
			logger.Warn("Reporter", "Failed to report %s violation: %v", v.Kind, err)
			return
		}
		r.metrics.ReportsSent.Add(1)
	}()
}

func (r *HTTPReporter) deliver(formID string, v types.Violation) error {
	body, err := json.Marshal(Payload{FormID: formID, Violation: v})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting reports and waits for in-flight deliveries until
// ctx is done.
func (r *HTTPReporter) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
