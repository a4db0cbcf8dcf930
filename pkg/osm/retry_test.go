package osm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryOptions{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	Multiplier:   2,
}

func getFactory(rawURL string) RequestFactory {
	return func(ctx context.Context) (*http.Request, error) {
		return NewRequestWithUserAgent(ctx, http.MethodGet, rawURL, nil)
	}
}

// statusSequence answers with codes in order and 200 afterwards.
func statusSequence(t *testing.T, calls *int32, codes ...int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(calls, 1))
		if n <= len(codes) {
			w.WriteHeader(codes[n-1])
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRetryable(t *testing.T) {
	tests := map[int]bool{
		http.StatusOK:                  false,
		http.StatusBadRequest:          false,
		http.StatusNotFound:            false,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusGatewayTimeout:      true,
	}
	for code, want := range tests {
		assert.Equal(t, want, retryable(code), "status %d", code)
	}
}

func TestWithRetryFactory_RecoversAfterBusyStatus(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusGatewayTimeout, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			var calls int32
			server := statusSequence(t, &calls, code)

			resp, err := WithRetryFactory(context.Background(), getFactory(server.URL), "download", fastRetry)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		})
	}
}

func TestWithRetryFactory_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := statusSequence(t, &calls, http.StatusBadRequest)

	resp, err := WithRetryFactory(context.Background(), getFactory(server.URL), "download", fastRetry)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWithRetryFactory_ReturnsLastResponse(t *testing.T) {
	var calls int32
	server := statusSequence(t, &calls,
		http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests)

	resp, err := WithRetryFactory(context.Background(), getFactory(server.URL), "download", fastRetry)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int32(fastRetry.MaxAttempts), atomic.LoadInt32(&calls))
}

func TestWithRetryFactory_NetworkError(t *testing.T) {
	var built int
	factory := func(ctx context.Context) (*http.Request, error) {
		built++
		return NewRequestWithUserAgent(ctx, http.MethodGet, "http://127.0.0.1:1", nil)
	}

	_, err := WithRetryFactory(context.Background(), factory, "download", fastRetry)
	require.Error(t, err)
	assert.Equal(t, fastRetry.MaxAttempts, built)
}

func TestWithRetryFactory_CancelledDuringBackoff(t *testing.T) {
	var calls int32
	server := statusSequence(t, &calls, http.StatusTooManyRequests, http.StatusTooManyRequests)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	slow := RetryOptions{MaxAttempts: 3, InitialDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2}
	start := time.Now()
	_, err := WithRetryFactory(ctx, getFactory(server.URL), "download", slow)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	_, ok := retryAfter(resp)
	assert.False(t, ok)

	resp.Header.Set("Retry-After", "3")
	d, ok := retryAfter(resp)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	resp.Header.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	_, ok = retryAfter(resp)
	assert.False(t, ok)
}
