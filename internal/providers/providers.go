// Package providers holds the HTTP adapters for the generation pipeline.
// Each adapter speaks to one upstream service: reference image, script
// planning, scene clips, and final assembly.
package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promoforge/promoforge/pkg/models"
)

// State tags an adapter result.
type State int

const (
	// StateOk means the output is ready now.
	StateOk State = iota
	// StatePending means the upstream accepted the work and will report
	// completion through a callback.
	StatePending
)

// GenResult is the outcome of a successful adapter call. Failures are
// returned as errors; transient ones carry models.UpstreamError with
// Transient set.
type GenResult struct {
	State     State
	OutputURL string
	TaskID    string
}

// RetryPolicy bounds retries of a single stage call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultRetryPolicy is used when config leaves the policy zero-valued.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        60 * time.Second,
}

func (p RetryPolicy) orDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy.Timeout
	}
	return p
}

// Do runs fn with per-attempt timeouts, retrying transient failures with
// exponential backoff. Terminal failures and context cancellation stop the
// loop immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.orDefaults()

	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			backoff *= 2
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !models.IsTransient(err) {
			return err
		}
	}

	return lastErr
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// statusError maps an upstream HTTP status to a stage error. 429 and 5xx are
// transient; other non-2xx statuses are terminal.
func statusError(stage string, status int, body []byte) error {
	transient := status == http.StatusTooManyRequests || status >= 500
	reason := fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
	return &models.UpstreamError{Stage: stage, Transient: transient, Reason: reason}
}

// wrapTransportError classifies connection and timeout failures as transient.
func wrapTransportError(stage string, err error) error {
	return &models.UpstreamError{Stage: stage, Transient: true, Reason: err.Error()}
}

func readBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return body
}
