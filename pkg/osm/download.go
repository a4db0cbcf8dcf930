package osm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/quickosm/pkg/tracing"
)

const (
	// DownloadGracePeriod is added to the query timeout so the server can
	// report its own timeout before the client gives up.
	DownloadGracePeriod = 10 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// DownloadError is returned when the server answers with a non-200 status.
type DownloadError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *DownloadError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("download failed: %s", e.Status)
	}
	return fmt.Sprintf("download failed: %s: %s", e.Status, e.Body)
}

// DownloadEvents receives the lifecycle of a download. Every callback is
// optional and is invoked on the downloading goroutine.
type DownloadEvents struct {
	OnStart func(sessionID string)
	// OnProgress reports the bytes received so far. total is -1 when the
	// server did not announce a length.
	OnProgress func(received, total int64)
	OnComplete func(sessionID string, received int64)
	OnError    func(errs []string)
}

// Downloader fetches prepared request URLs.
type Downloader struct {
	logger *slog.Logger
	events DownloadEvents

	// Retry controls how busy or failing mirrors are retried.
	Retry RetryOptions
}

// NewDownloader creates a downloader. A nil logger uses slog.Default().
func NewDownloader(logger *slog.Logger, events DownloadEvents) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		logger: logger,
		events: events,
		Retry:  DefaultRetryOptions,
	}
}

// TimeoutContext bounds ctx by a query's server-side timeout in seconds plus
// DownloadGracePeriod.
func TimeoutContext(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second+DownloadGracePeriod)
}

// Download streams the response of rawURL into dst.
func (d *Downloader) Download(ctx context.Context, rawURL string, dst io.Writer) error {
	sessionID := uuid.NewString()
	logger := d.logger.With("session", sessionID)

	ctx, span := tracing.StartSpan(ctx, "osm.download",
		trace.WithAttributes(
			attribute.String(tracing.AttrDownloadSession, sessionID),
			attribute.String(tracing.AttrServiceURL, rawURL),
		),
	)
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("download failed", "error", err)
		if d.events.OnError != nil {
			d.events.OnError([]string{err.Error()})
		}
		return err
	}

	if _, err := url.Parse(rawURL); err != nil {
		return fail(err)
	}

	logger.Debug("starting download", "url", rawURL)
	if d.events.OnStart != nil {
		d.events.OnStart(sessionID)
	}

	resp, err := WithRetryFactory(ctx, func(ctx context.Context) (*http.Request, error) {
		return NewRequestWithUserAgent(ctx, http.MethodGet, rawURL, nil)
	}, "download", d.Retry)
	if err != nil {
		return fail(fmt.Errorf("requesting %s: %w", hostFromURL(rawURL), err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int(tracing.AttrServiceStatus, resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fail(&DownloadError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		})
	}

	pw := &progressWriter{
		total:    resp.ContentLength,
		progress: d.events.OnProgress,
	}
	received, err := io.Copy(io.MultiWriter(dst, pw), resp.Body)
	if err != nil {
		return fail(fmt.Errorf("reading response: %w", err))
	}

	span.SetAttributes(tracing.DownloadAttributes(sessionID, received)...)
	logger.Info("download complete", "bytes", received)
	if d.events.OnComplete != nil {
		d.events.OnComplete(sessionID, received)
	}
	return nil
}

// DownloadToFile downloads rawURL into path. The file is written next to its
// destination and renamed into place, so path is never left half written.
func (d *Downloader) DownloadToFile(ctx context.Context, rawURL, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := d.Download(ctx, rawURL, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving download to %s: %w", path, err)
	}
	return nil
}

// progressWriter counts bytes and reports them.
type progressWriter struct {
	received int64
	total    int64
	progress func(received, total int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.received += int64(len(p))
	if w.progress != nil {
		w.progress(w.received, w.total)
	}
	return len(p), nil
}
