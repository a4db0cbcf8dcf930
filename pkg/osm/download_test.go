package osm

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `<?xml version="1.0" encoding="UTF-8"?><osm version="0.6"><node id="1" lat="1" lon="2"/></osm>`

func TestDownloader_Download(t *testing.T) {
	var gotData, gotInfo, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotData = r.URL.Query().Get("data")
		gotInfo = r.URL.Query().Get("info")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	var started, completed string
	var lastReceived, received int64
	var progressCalls int
	d := NewDownloader(nil, DownloadEvents{
		OnStart: func(sessionID string) { started = sessionID },
		OnProgress: func(r, total int64) {
			progressCalls++
			lastReceived = r
		},
		OnComplete: func(sessionID string, n int64) {
			completed = sessionID
			received = n
		},
		OnError: func(errs []string) { t.Errorf("unexpected error event: %v", errs) },
	})

	var buf bytes.Buffer
	err := d.Download(context.Background(), server.URL+"/api/interpreter?data=node(1)%3Bout%3B&info=QuickOSMGo", &buf)
	require.NoError(t, err)

	assert.Equal(t, sampleResponse, buf.String())
	assert.Equal(t, "node(1);out;", gotData)
	assert.Equal(t, "QuickOSMGo", gotInfo)
	assert.Equal(t, GetUserAgent(), gotUA)

	assert.NotEmpty(t, started)
	assert.Equal(t, started, completed)
	assert.Equal(t, int64(len(sampleResponse)), received)
	assert.Equal(t, received, lastReceived)
	assert.Positive(t, progressCalls)
}

func TestDownloader_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate_limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	var events []string
	completed := false
	d := NewDownloader(nil, DownloadEvents{
		OnError:    func(errs []string) { events = append(events, errs...) },
		OnComplete: func(string, int64) { completed = true },
	})
	d.Retry = fastRetry

	var buf bytes.Buffer
	err := d.Download(context.Background(), server.URL, &buf)
	require.Error(t, err)

	var downloadErr *DownloadError
	require.True(t, errors.As(err, &downloadErr))
	assert.Equal(t, http.StatusTooManyRequests, downloadErr.StatusCode)
	assert.Contains(t, downloadErr.Body, "rate_limited")

	require.Len(t, events, 1)
	assert.Equal(t, err.Error(), events[0])
	assert.False(t, completed)
	assert.Zero(t, buf.Len())
}

func TestDownloader_RetriesRateLimitedMirror(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "rate_limited", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	d := NewDownloader(nil, DownloadEvents{
		OnError: func(errs []string) { t.Errorf("unexpected error event: %v", errs) },
	})
	d.Retry = fastRetry

	var buf bytes.Buffer
	require.NoError(t, d.Download(context.Background(), server.URL, &buf))
	assert.Equal(t, sampleResponse, buf.String())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDownloader_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	var errored bool
	d := NewDownloader(nil, DownloadEvents{OnError: func([]string) { errored = true }})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Download(ctx, server.URL, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errored)
}

func TestDownloader_DownloadToFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "result.osm")

	d := NewDownloader(nil, DownloadEvents{})
	require.NoError(t, d.DownloadToFile(context.Background(), server.URL, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleResponse, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestDownloader_DownloadToFileFailureLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "result.osm")

	d := NewDownloader(nil, DownloadEvents{})
	err := d.DownloadToFile(context.Background(), server.URL, path)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTimeoutContext(t *testing.T) {
	ctx, cancel := TimeoutContext(context.Background(), 25)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	remaining := time.Until(deadline)
	assert.True(t, remaining > 34*time.Second && remaining <= 35*time.Second, "remaining %s", remaining)
}

func TestDownloadError_Error(t *testing.T) {
	err := &DownloadError{StatusCode: 504, Status: "504 Gateway Timeout"}
	assert.Equal(t, "download failed: 504 Gateway Timeout", err.Error())

	err.Body = "busy"
	assert.True(t, strings.HasSuffix(err.Error(), ": busy"))
}
