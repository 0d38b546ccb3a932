package batch

import (
	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/upload"
)

// Class buckets every failure the pipeline can observe. The class picks
// the user-facing message and decides whether the legacy fallback path
// is attempted.
type Class string

const (
	// ClassTransport is a network-level failure: nothing reachable, no
	// response to interpret.
	ClassTransport Class = "transport"
	// ClassStorageUpload is a non-2xx answer from the storage endpoint
	// (signature mismatch, CORS, gateway timeout).
	ClassStorageUpload Class = "storage-upload"
	// ClassConflict is a duplicate title or already-enqueued archive.
	// Informational, not a failure.
	ClassConflict Class = "conflict"
	// ClassApplication is a structured backend error whose code, hint
	// and message are shown verbatim.
	ClassApplication Class = "application"
	// ClassAborted is user or programmatic cancellation. Never shown as
	// an error.
	ClassAborted Class = "aborted"
	// ClassMissing means the backend no longer knows the job id,
	// usually stale local state.
	ClassMissing Class = "missing"
)

// Classify buckets err. Order matters: cancellation and sentinel checks
// run before type assertions because wrapped sentinels can ride on any
// error shape.
func Classify(err error) Class {
	if errors.IsAborted(err) {
		return ClassAborted
	}
	if errors.IsJobMissing(err) {
		return ClassMissing
	}
	if errors.IsConflict(err) {
		return ClassConflict
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return ClassApplication
	}
	var transErr *upload.TransportError
	if errors.As(err, &transErr) {
		if transErr.Status == 0 {
			return ClassTransport
		}
		return ClassStorageUpload
	}
	return ClassTransport
}

// UserMessage renders err for display according to its class.
// Application errors surface hint, then code, then message; aborted is
// a plain "canceled"; missing distinguishes stale state from failure.
func UserMessage(err error) string {
	switch Classify(err) {
	case ClassAborted:
		return "canceled"
	case ClassMissing:
		return "job not found"
	case ClassConflict:
		return "already exists"
	case ClassApplication:
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			if msg := apiErr.Info().Display(); msg != "" {
				return msg
			}
		}
		return err.Error()
	case ClassStorageUpload:
		var transErr *upload.TransportError
		if errors.As(err, &transErr) {
			return transErr.Error()
		}
		return err.Error()
	default:
		return err.Error()
	}
}
