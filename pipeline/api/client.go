package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/internal/httpclient"
)

// Client is the thin request layer for the backend job API. All
// operations may fail with a transport error (network) or an application
// error decoded from a non-2xx body; callers distinguish the two via
// errors.As with *APIError, because only application errors carry
// code/hint text worth surfacing verbatim.
type Client struct {
	baseURL    string
	token      string
	httpClient *httpclient.SaferClient
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// Config holds job API client configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// MaxRequestsPerMinute is a hard client-side cap shared by every
	// poller and coordinator using this client. Zero disables the cap.
	MaxRequestsPerMinute int
	Logger               *zap.SugaredLogger // nil = nop logger
}

// NewClient creates a job API client.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var limiter *rate.Limiter
	if cfg.MaxRequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxRequestsPerMinute)/60.0), 5)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpclient.NewSaferClient(cfg.Timeout),
		limiter:    limiter,
		logger:     logger,
	}
}

// APIError is a structured application error decoded from a non-2xx
// response body. Hint and Code are backend-authored, user-appropriate
// text and are surfaced verbatim.
type APIError struct {
	StatusCode int
	Code       string
	Hint       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (HTTP %d)", e.StatusCode)
}

// Info converts the error into the display triple.
func (e *APIError) Info() ErrorInfo {
	return ErrorInfo{Code: e.Code, Hint: e.Hint, Message: e.Message}
}

// PresignRequest asks for a time-limited direct upload authorization.
// SizeBytes and LastModifiedMS feed the backend's dedupe fingerprint so a
// re-submitted archive can reuse the already-uploaded object.
type PresignRequest struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type,omitempty"`
	SizeBytes      *int64 `json:"size_bytes,omitempty"`
	LastModifiedMS *int64 `json:"last_modified_ms,omitempty"`
}

// PresignResponse carries the storage destination. UploadURL is null when
// Reused is set: the object is already in storage and the upload sub-step
// is skipped entirely.
type PresignResponse struct {
	OK        bool    `json:"ok"`
	ObjectKey string  `json:"object_key"`
	UploadURL *string `json:"upload_url"`
	Reused    bool    `json:"reused"`
}

// EnqueueRequest enqueues a server-side import job for an uploaded object.
type EnqueueRequest struct {
	ObjectKey      string `json:"object_key"`
	Title          string `json:"title,omitempty"`
	SourceFilename string `json:"source_filename,omitempty"`
}

// EnqueueResponse is returned by both the enqueue and legacy import paths.
type EnqueueResponse struct {
	OK        bool   `json:"ok"`
	JobID     string `json:"job_id"`
	ObjectKey string `json:"object_key,omitempty"`
	ModuleID  string `json:"module_id,omitempty"`
}

// CancelResponse reports the outcome of a cancel request. Missing means
// the backend no longer knew the job; that still counts as ok.
type CancelResponse struct {
	OK      bool      `json:"ok"`
	Missing bool      `json:"missing,omitempty"`
	Status  JobStatus `json:"status,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
}

// RetryResponse carries the fresh job id minted for a retried import.
type RetryResponse struct {
	JobID    string `json:"job_id"`
	ModuleID string `json:"module_id,omitempty"`
}

// ListImportJobsResponse is the import-jobs history listing.
type ListImportJobsResponse struct {
	Items   []ImportJobMeta `json:"items"`
	History []ImportJobMeta `json:"history,omitempty"`
}

// PresignUpload obtains a presigned PUT destination for a local archive.
func (c *Client) PresignUpload(ctx context.Context, req PresignRequest) (*PresignResponse, error) {
	var resp PresignResponse
	if err := c.doJSON(ctx, http.MethodPost, "modules/presign-import-zip", req, &resp); err != nil {
		return nil, errors.Wrap(err, "presign upload")
	}
	if resp.ObjectKey == "" {
		return nil, errors.New("presign response missing object_key")
	}
	return &resp, nil
}

// EnqueueImport enqueues a server-side import job. A 409 conflict is
// wrapped as errors.ErrConflict; when the backend names the job id that
// already owns the archive, ConflictJobID recovers it.
func (c *Client) EnqueueImport(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	if err := c.doJSON(ctx, http.MethodPost, "modules/enqueue-import-zip", req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return nil, errors.WithDetail(
				errors.Wrap(errors.ErrConflict, apiErr.Message),
				apiErr.Message)
		}
		return nil, errors.Wrap(err, "enqueue import")
	}
	if resp.JobID == "" {
		return nil, errors.New("enqueue response missing job_id")
	}
	return &resp, nil
}

// GetStatus fetches the current status of one job. A job the backend no
// longer knows comes back with StatusMissing; that is a valid record, not
// an error.
func (c *Client) GetStatus(ctx context.Context, jobID string) (*JobRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("empty job id")
	}
	var rec JobRecord
	if err := c.doJSON(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, &rec); err != nil {
		return nil, errors.Wrapf(err, "get status of %s", jobID)
	}
	if rec.ID == "" {
		rec.ID = jobID
	}
	return &rec, nil
}

// Cancel requests cancellation of a job. Cancelling a job that is merely
// queued or deferred takes effect immediately; one already started may
// race with completion and the next poll reconciles.
func (c *Client) Cancel(ctx context.Context, jobID string) (*CancelResponse, error) {
	var resp CancelResponse
	err := c.doJSON(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/cancel", nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return nil, errors.Wrap(errors.ErrNotCancellable, apiErr.Message)
		}
		return nil, errors.Wrapf(err, "cancel %s", jobID)
	}
	return &resp, nil
}

// Retry re-enqueues a previously tracked import job from its stored
// metadata. The response carries a fresh job id which replaces the old
// one in the tracked set.
func (c *Client) Retry(ctx context.Context, jobID string) (*RetryResponse, error) {
	var resp RetryResponse
	if err := c.doJSON(ctx, http.MethodPost, "import-jobs/"+url.PathEscape(jobID)+"/retry", nil, &resp); err != nil {
		return nil, errors.Wrapf(err, "retry %s", jobID)
	}
	if resp.JobID == "" {
		return nil, errors.New("retry response missing job_id")
	}
	return &resp, nil
}

// ListImportJobs fetches recent import job metadata from the backend
// history.
func (c *Client) ListImportJobs(ctx context.Context, limit int, includeTerminal bool) (*ListImportJobsResponse, error) {
	path := fmt.Sprintf("import-jobs?limit=%d&include_terminal=%t", limit, includeTerminal)
	var resp ListImportJobsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "list import jobs")
	}
	return &resp, nil
}

// ImportZipLegacy is the buffered single-request import path: the whole
// archive travels through the API server instead of going directly to
// storage. Used only as a small-file fallback when the direct upload
// fails; for large archives the proxy timeout here is a worse failure
// than the one being retried.
func (c *Client) ImportZipLegacy(ctx context.Context, filename string, content io.Reader, title string) (*EnqueueResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, errors.Wrap(err, "create multipart file")
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, errors.Wrap(err, "buffer archive")
	}
	if title != "" {
		if err := w.WriteField("title", title); err != nil {
			return nil, errors.Wrap(err, "write title field")
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "finalize multipart body")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "modules/import-zip", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp EnqueueResponse
	if err := c.send(req, &resp); err != nil {
		return nil, errors.Wrap(err, "legacy import")
	}
	if resp.JobID == "" {
		return nil, errors.New("legacy import response missing job_id")
	}
	return &resp, nil
}

// ConflictJobID extracts the already-enqueued job id from a conflict
// error detail of the form "zip already enqueued: <job_id>". Empty when
// the conflict names no job.
func ConflictJobID(err error) string {
	for _, detail := range errors.GetAllDetails(err) {
		if idx := strings.LastIndex(detail, "already enqueued"); idx >= 0 {
			rest := detail[idx:]
			if c := strings.LastIndex(rest, ":"); c >= 0 {
				if id := strings.TrimSpace(rest[c+1:]); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

// send applies the client-wide rate cap, performs the request, and
// decodes either the success body or a structured application error.
func (c *Client) send(req *http.Request, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return errors.Wrap(err, "rate limiter")
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	c.logger.Debugw("API request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode response (HTTP %d)", resp.StatusCode)
	}
	return nil
}

// decodeAPIError builds an *APIError from a non-2xx body. The backend
// reports either {"detail": "text"} or a structured object carrying
// error_code/error_hint/error_message. Undecodable bodies keep a snippet
// as the message.
func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Detail) > 0 {
		var text string
		if json.Unmarshal(envelope.Detail, &text) == nil {
			apiErr.Message = text
		} else {
			var structured struct {
				ErrorCode    string `json:"error_code"`
				ErrorHint    string `json:"error_hint"`
				ErrorMessage string `json:"error_message"`
			}
			if json.Unmarshal(envelope.Detail, &structured) == nil {
				apiErr.Code = structured.ErrorCode
				apiErr.Hint = structured.ErrorHint
				apiErr.Message = structured.ErrorMessage
			}
		}
	}
	if apiErr.Message == "" && apiErr.Code == "" && apiErr.Hint == "" {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		apiErr.Message = snippet
	}
	return apiErr
}
