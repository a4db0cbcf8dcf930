package osm

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/quickosm/pkg/tracing"
)

// RetryOptions configures the backoff of WithRetryFactory.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions retries twice, starting at half a second.
var DefaultRetryOptions = RetryOptions{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

// RequestFactory creates a fresh request for every attempt.
type RequestFactory func(ctx context.Context) (*http.Request, error)

// retryable reports whether a response status is worth another attempt.
// Overpass mirrors answer 429 and 504 when their slots are busy.
func retryable(code int) bool {
	switch classifyStatus(code) {
	case ErrorTypeRateLimited, ErrorTypeServerTimeout, ErrorTypeServer:
		return true
	}
	return false
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// WithRetryFactory sends requests built by factory through MonitoredDoRequest
// until one succeeds, the status is not retryable, or the attempts run out.
// Transport errors and 429, 504 and 5xx answers are retried with exponential
// backoff. After the last attempt the final response is returned unchanged,
// so callers still see the server's status and body.
func WithRetryFactory(ctx context.Context, factory RequestFactory, operation string, options RetryOptions) (*http.Response, error) {
	if options.MaxAttempts < 1 {
		options.MaxAttempts = 1
	}
	logger := slog.Default().With("operation", operation)
	delay := options.InitialDelay

	for attempt := 1; ; attempt++ {
		req, err := factory(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := MonitoredDoRequest(ctx, req, operation)
		last := attempt >= options.MaxAttempts
		switch {
		case err != nil:
			if last || ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("request failed, retrying", "host", req.URL.Host, "attempt", attempt, "error", err)
		case !retryable(resp.StatusCode) || last:
			return resp, nil
		default:
			wait := delay
			if d, ok := retryAfter(resp); ok && d > wait {
				wait = d
			}
			if options.MaxDelay > 0 && wait > options.MaxDelay {
				wait = options.MaxDelay
			}
			delay = wait
			logger.Warn("request returned retryable status",
				"host", req.URL.Host,
				"status", resp.StatusCode,
				"attempt", attempt,
				"delay", wait)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}

		tracing.AddEvent(ctx, "retry_attempt",
			trace.WithAttributes(
				attribute.Int("attempt", attempt+1),
				attribute.Int64("delay_ms", delay.Milliseconds()),
			),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * options.Multiplier)
		if options.MaxDelay > 0 && delay > options.MaxDelay {
			delay = options.MaxDelay
		}
	}
}
