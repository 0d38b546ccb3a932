// Package upload performs direct, progress-observable uploads of local
// archives to pre-authorized storage locations (presigned PUT URLs).
//
// The transport streams the file body; it never buffers the whole archive
// in memory. Cancellation goes through the request context and aborting
// twice is a no-op.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/internal/httpclient"
)

// Transport uploads bytes to a storage destination, reporting progress.
// Implementations may swap between chunked HTTP, multipart, or an SDK
// without touching the orchestrator.
type Transport interface {
	// Upload PUTs size bytes from body to destinationURL. onProgress, if
	// non-nil, observes monotonically non-decreasing Loaded values and a
	// final call with Loaded == Total on success. Cancel via ctx; the
	// resulting error classifies as aborted, not as a retryable failure.
	Upload(ctx context.Context, destinationURL string, body io.Reader, size int64, onProgress func(Progress)) error
}

// TransportError is a storage-side upload failure. Status is zero when
// the network itself failed before any HTTP response (unreachable host,
// reset connection); non-zero means the storage endpoint rejected the
// request (signature mismatch, CORS, bucket policy).
type TransportError struct {
	Status      int
	BodySnippet string
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return "storage upload failed: network error"
	}
	if e.BodySnippet != "" {
		return fmt.Sprintf("storage upload failed: HTTP %d: %s", e.Status, e.BodySnippet)
	}
	return fmt.Sprintf("storage upload failed: HTTP %d", e.Status)
}

// HTTPTransport is the default Transport: a streaming PUT through the
// shared validated HTTP client.
type HTTPTransport struct {
	client *httpclient.SaferClient
	logger *zap.SugaredLogger
}

// NewHTTPTransport creates the default transport. A zero timeout leaves
// the upload unbounded; large archives on slow links cancel via context
// instead.
func NewHTTPTransport(timeout time.Duration, logger *zap.SugaredLogger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPTransport{
		client: httpclient.NewSaferClient(timeout),
		logger: logger,
	}
}

// Upload implements Transport.
func (t *HTTPTransport) Upload(ctx context.Context, destinationURL string, body io.Reader, size int64, onProgress func(Progress)) error {
	tracker := newTracker(size, onProgress)
	reader := &progressReader{r: body, tracker: tracker}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, destinationURL, reader)
	if err != nil {
		return errors.Wrap(err, "build upload request")
	}
	req.ContentLength = size
	// Presigned URLs are not bound to a Content-Type: the backend leaves
	// it unsigned so a mismatched header cannot break the signature.

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrAborted, "upload aborted")
		}
		return errors.Wrap(&TransportError{}, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.WithStack(&TransportError{
			Status:      resp.StatusCode,
			BodySnippet: strings.TrimSpace(string(snippet)),
		})
	}

	tracker.finish()

	t.logger.Debugw("Upload complete",
		"bytes", size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// progressReader reports bytes as the HTTP client consumes them.
type progressReader struct {
	r       io.Reader
	tracker *tracker
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.tracker.advance(int64(n))
	}
	return n, err
}
