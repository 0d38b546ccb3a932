// Package api provides the thin request layer for the backend job API:
// presign, enqueue, status, cancel, retry. It also defines the wire types
// shared by the poller, batch coordinator, and tracker.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the backend-reported state of a job
type JobStatus string

const (
	StatusQueued   JobStatus = "queued"
	StatusDeferred JobStatus = "deferred"
	StatusStarted  JobStatus = "started"
	StatusFinished JobStatus = "finished"
	StatusFailed   JobStatus = "failed"
	// StatusMissing denotes a job id recognized locally but unknown to the
	// backend (expired from the queue, evicted history).
	StatusMissing JobStatus = "missing"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusQueued, StatusDeferred, StatusStarted,
		StatusFinished, StatusFailed, StatusMissing:
		return true
	default:
		return false
	}
}

// JobKind distinguishes import jobs from their chained regeneration jobs
type JobKind string

const (
	KindImport       JobKind = "import"
	KindRegeneration JobKind = "regen"
)

// ErrorInfo is the structured error triple reported by the backend.
// Hint and Code are assumed to already be user-appropriate text.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Message string `json:"message,omitempty"`
}

// Display renders the triple in surfacing priority: hint, then code, then
// message.
func (e ErrorInfo) Display() string {
	if s := strings.TrimSpace(e.Hint); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Code); s != "" {
		return s
	}
	return strings.TrimSpace(e.Message)
}

// Empty reports whether no part of the triple is populated.
func (e ErrorInfo) Empty() bool {
	return strings.TrimSpace(e.Code) == "" &&
		strings.TrimSpace(e.Hint) == "" &&
		strings.TrimSpace(e.Message) == ""
}

// JobRecord is one tracked backend job as returned by the status endpoint.
// Fields are decoded defensively: unknown or missing fields stay zero,
// never fail the decode.
type JobRecord struct {
	ID              string             `json:"id"`
	Status          JobStatus          `json:"status"`
	JobKind         JobKind            `json:"job_kind,omitempty"`
	ModuleID        string             `json:"module_id,omitempty"`
	ModuleTitle     string             `json:"module_title,omitempty"`
	TargetQuestions *int               `json:"target_questions,omitempty"`
	Stage           string             `json:"stage,omitempty"`
	StageAt         string             `json:"stage_at,omitempty"`
	StageStartedAt  string             `json:"stage_started_at,omitempty"`
	JobStartedAt    string             `json:"job_started_at,omitempty"`
	StageDurations  map[string]float64 `json:"stage_durations_s,omitempty"`
	Detail          string             `json:"detail,omitempty"`
	ErrorCode       string             `json:"error_code,omitempty"`
	ErrorHint       string             `json:"error_hint,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	ErrorSummary    string             `json:"error,omitempty"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
	EnqueuedAt      string             `json:"enqueued_at,omitempty"`
	StartedAt       string             `json:"started_at,omitempty"`
	EndedAt         string             `json:"ended_at,omitempty"`
	// Result is the opaque payload returned only when Status is finished.
	Result json.RawMessage `json:"result,omitempty"`
}

// Terminal reports whether no further progress is expected for this job:
// status finished/failed, a canceled stage, or a job id the backend no
// longer knows.
func (j *JobRecord) Terminal() bool {
	switch j.Status {
	case StatusFinished, StatusFailed, StatusMissing:
		return true
	}
	return strings.EqualFold(j.Stage, StageCanceled)
}

// ErrorDetails assembles the structured error triple, preferring the
// dedicated fields and falling back to the flat summary string.
func (j *JobRecord) ErrorDetails() ErrorInfo {
	info := ErrorInfo{
		Code:    j.ErrorCode,
		Hint:    j.ErrorHint,
		Message: j.ErrorMessage,
	}
	if info.Empty() && j.ErrorSummary != "" {
		info.Message = j.ErrorSummary
	}
	return info
}

// Signature is the job's contribution to a batch aggregate signature:
// the poller resets its backoff when the sorted set of these changes.
func (j *JobRecord) Signature() string {
	return fmt.Sprintf("%s:%s:%s", j.ID, j.Status, strings.ToLower(j.Stage))
}

// ImportResult is the kind-specific result payload of a finished import
// job. RegenJobID, when present and distinct from the import job's own id,
// is the chaining signal.
type ImportResult struct {
	OK         bool            `json:"ok"`
	ModuleID   string          `json:"module_id"`
	RegenJobID string          `json:"regen_job_id"`
	Report     json.RawMessage `json:"report"`
}

// ImportResult decodes the result payload of a finished import job.
// Returns false when there is no payload or it does not decode; a
// malformed payload is treated as absent, never as an error.
func (j *JobRecord) ImportResult() (*ImportResult, bool) {
	if len(j.Result) == 0 || j.Status != StatusFinished {
		return nil, false
	}
	var res ImportResult
	if err := json.Unmarshal(j.Result, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// ImportJobMeta is one entry from the import-jobs history listing.
type ImportJobMeta struct {
	JobID          string    `json:"job_id"`
	ObjectKey      string    `json:"object_key,omitempty"`
	Title          string    `json:"title,omitempty"`
	SourceFilename string    `json:"source_filename,omitempty"`
	CreatedAt      string    `json:"created_at,omitempty"`
	Source         string    `json:"source,omitempty"`
	ModuleID       string    `json:"module_id,omitempty"`
	ModuleTitle    string    `json:"module_title,omitempty"`
	Status         JobStatus `json:"status,omitempty"`
	Stage          string    `json:"stage,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ErrorHint      string    `json:"error_hint,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// timestampLayouts covers the backend's naive-UTC isoformat alongside
// RFC3339. Timestamps are display-only, never control flow.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseTime leniently parses a backend timestamp string. Returns the zero
// time when the value is empty or unrecognized.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
