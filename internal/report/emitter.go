package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SecretHeader carries the shared secret on the report callback
const SecretHeader = "X-Bridge-Secret"

// DeliveryStatus is the outcome of one report delivery attempt
type DeliveryStatus string

const (
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliverySucceeded DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryResult describes what happened to one report. It is logged and
// discarded; a dropped report is acceptable, this is a monitoring signal.
type DeliveryResult struct {
	Status     DeliveryStatus
	StatusCode int
	Body       string
	Err        error
}

// Emitter delivers call reports to an external collector, best-effort:
// one attempt, bounded by the client timeout, no retry. Errors never
// propagate past Emit.
type Emitter struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewEmitter creates a report emitter. An empty url or secret disables
// delivery; Emit then returns a skipped result without failing the session.
func NewEmitter(url, secret string, timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Emitter{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Emit performs one delivery attempt for the report
func (e *Emitter) Emit(ctx context.Context, r *CallReport) DeliveryResult {
	if e.url == "" || e.secret == "" {
		return DeliveryResult{Status: DeliverySkipped}
	}

	body, err := json.Marshal(r)
	if err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: fmt.Errorf("failed to marshal report: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, e.secret)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: fmt.Errorf("report delivery failed: %w", err)}
	}
	defer resp.Body.Close()

	// The collector's body is only kept for logging; cap the read so a
	// misbehaving endpoint cannot balloon memory
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	result := DeliveryResult{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = DeliverySucceeded
	} else {
		result.Status = DeliveryFailed
		result.Err = fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return result
}
