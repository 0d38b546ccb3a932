package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalDetection(t *testing.T) {
	cases := []struct {
		name     string
		rec      JobRecord
		terminal bool
	}{
		{"queued", JobRecord{Status: StatusQueued}, false},
		{"deferred", JobRecord{Status: StatusDeferred}, false},
		{"started mid-stage", JobRecord{Status: StatusStarted, Stage: StageAI}, false},
		{"finished", JobRecord{Status: StatusFinished, Stage: StageDone}, true},
		{"failed", JobRecord{Status: StatusFailed}, true},
		{"missing", JobRecord{Status: StatusMissing}, true},
		{"canceled stage wins", JobRecord{Status: StatusStarted, Stage: StageCanceled}, true},
		{"canceled stage case-insensitive", JobRecord{Status: StatusStarted, Stage: "Canceled"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.rec.Terminal())
		})
	}
}

func TestImportResultDecoding(t *testing.T) {
	rec := JobRecord{
		ID:     "J_import",
		Status: StatusFinished,
		Result: json.RawMessage(`{"ok": true, "module_id": "m-1", "report": {"module_title": "Orientation"}, "regen_job_id": "J_regen"}`),
	}

	res, ok := rec.ImportResult()
	require.True(t, ok)
	assert.Equal(t, "m-1", res.ModuleID)
	assert.Equal(t, "J_regen", res.RegenJobID)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.Report)
}

func TestImportResultAbsentOrMalformed(t *testing.T) {
	// No payload
	rec := JobRecord{Status: StatusFinished}
	_, ok := rec.ImportResult()
	assert.False(t, ok)

	// Non-terminal status never yields a result
	rec = JobRecord{Status: StatusStarted, Result: json.RawMessage(`{"ok": true}`)}
	_, ok = rec.ImportResult()
	assert.False(t, ok)

	// Malformed payload is treated as absent, never an error
	rec = JobRecord{Status: StatusFinished, Result: json.RawMessage(`"just a string"`)}
	_, ok = rec.ImportResult()
	assert.False(t, ok)
}

func TestErrorDetailsFallback(t *testing.T) {
	rec := JobRecord{ErrorCode: "IMPORT_BAD_ZIP", ErrorHint: "re-export the archive", ErrorMessage: "zip central directory corrupt"}
	info := rec.ErrorDetails()
	assert.Equal(t, "re-export the archive", info.Display(), "hint is surfaced first")

	rec = JobRecord{ErrorCode: "IMPORT_BAD_ZIP", ErrorMessage: "zip central directory corrupt"}
	assert.Equal(t, "IMPORT_BAD_ZIP", rec.ErrorDetails().Display(), "then code")

	rec = JobRecord{ErrorSummary: "worker crashed"}
	info = rec.ErrorDetails()
	assert.Equal(t, "worker crashed", info.Display(), "flat summary backfills message")

	rec = JobRecord{}
	assert.True(t, rec.ErrorDetails().Empty())
}

func TestSignature(t *testing.T) {
	rec := JobRecord{ID: "J1", Status: StatusStarted, Stage: "AI"}
	assert.Equal(t, "J1:started:ai", rec.Signature())
}

func TestParseTime(t *testing.T) {
	assert.False(t, ParseTime("2026-08-30T10:15:00.123456").IsZero(), "naive isoformat")
	assert.False(t, ParseTime("2026-08-30T10:15:00Z").IsZero(), "RFC3339")
	assert.True(t, ParseTime("").IsZero())
	assert.True(t, ParseTime("yesterday").IsZero())
}

func TestStatusValidation(t *testing.T) {
	for _, s := range []string{"queued", "deferred", "started", "finished", "failed", "missing"} {
		assert.True(t, IsValidStatus(s), s)
	}
	assert.False(t, IsValidStatus("running"))
	assert.False(t, IsValidStatus(""))
}
