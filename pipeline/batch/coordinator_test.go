package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/notify"
	"github.com/corelms/importpipe/pipeline/upload"
)

type fakeBackend struct {
	mu       sync.Mutex
	presigns []api.PresignRequest
	enqueues []api.EnqueueRequest
	cancels  []string
	legacy   []string

	presignReused bool
	enqueueErr    error
	legacyErr     error
	nextJob       int
}

func (f *fakeBackend) PresignUpload(_ context.Context, req api.PresignRequest) (*api.PresignResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presigns = append(f.presigns, req)
	url := "https://storage.local/bucket/" + req.Filename
	resp := &api.PresignResponse{OK: true, ObjectKey: "imports/" + req.Filename}
	if f.presignReused {
		resp.Reused = true
	} else {
		resp.UploadURL = &url
	}
	return resp, nil
}

func (f *fakeBackend) EnqueueImport(_ context.Context, req api.EnqueueRequest) (*api.EnqueueResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueues = append(f.enqueues, req)
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.nextJob++
	return &api.EnqueueResponse{OK: true, JobID: fmt.Sprintf("job-%d", f.nextJob)}, nil
}

func (f *fakeBackend) Cancel(_ context.Context, jobID string) (*api.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return &api.CancelResponse{OK: true, JobID: jobID}, nil
}

func (f *fakeBackend) ImportZipLegacy(_ context.Context, filename string, content io.Reader, _ string) (*api.EnqueueResponse, error) {
	io.Copy(io.Discard, content)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.legacy = append(f.legacy, filename)
	if f.legacyErr != nil {
		return nil, f.legacyErr
	}
	f.nextJob++
	return &api.EnqueueResponse{OK: true, JobID: fmt.Sprintf("legacy-job-%d", f.nextJob)}, nil
}

func (f *fakeBackend) presignCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.presigns)
}

type fakeTransport struct {
	mu    sync.Mutex
	calls int
	err   error
	// block, when set, parks the upload until the context is canceled.
	block bool
}

func (f *fakeTransport) Upload(ctx context.Context, _ string, body io.Reader, size int64, onProgress func(upload.Progress)) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return errors.Wrap(errors.ErrAborted, "upload torn down")
	}
	if f.err != nil {
		return f.err
	}
	io.Copy(io.Discard, body)
	onProgress(upload.Progress{Loaded: size, Total: size, Percent: 100})
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeArchive(t *testing.T, name string) File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 test archive"), 0o644))
	f, err := FileFromPath(path)
	require.NoError(t, err)
	return f
}

func TestBatchSkipsDuplicateTitleWithoutNetworkCalls(t *testing.T) {
	backend := &fakeBackend{}
	transport := &fakeTransport{}
	var events []notify.Event
	var bus recordingBus
	c := NewCoordinator(Config{
		Backend:        backend,
		Transport:      transport,
		Bus:            &bus,
		ExistingTitles: []string{"Orientation"},
	})

	items := c.Run(context.Background(), []File{
		writeArchive(t, "orientation.zip"),
		writeArchive(t, "B.zip"),
	})

	require.Len(t, items, 2)
	assert.Equal(t, StateSkipped, items[0].State)
	assert.Empty(t, items[0].JobID, "skipped file must not produce a job")
	assert.Equal(t, StateEnqueued, items[1].State)
	assert.Equal(t, "job-1", items[1].JobID)

	// The duplicate never reached the backend.
	assert.Equal(t, 1, backend.presignCount())
	assert.Equal(t, "B.zip", backend.presigns[0].Filename)
	assert.Equal(t, 1, transport.callCount())

	done, total := c.Counters()
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, total)

	c.JobTerminal("job-1", &api.JobRecord{ID: "job-1", Status: api.StatusFinished, Stage: "done"})
	done, total = c.Counters()
	assert.Equal(t, 2, done)
	assert.Equal(t, 2, total)

	events = bus.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "Import skipped", events[0].Title)
	assert.Contains(t, events[0].Description, "Orientation")
}

type recordingBus struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingBus) Publish(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBus) snapshot() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func TestBatchPresignReuseSkipsUpload(t *testing.T) {
	backend := &fakeBackend{presignReused: true}
	transport := &fakeTransport{}
	c := NewCoordinator(Config{Backend: backend, Transport: transport})

	items := c.Run(context.Background(), []File{writeArchive(t, "course.zip")})

	require.Len(t, items, 1)
	assert.Equal(t, StateEnqueued, items[0].State)
	assert.Zero(t, transport.callCount(), "reused object must not be uploaded again")
	require.Len(t, backend.enqueues, 1)
	assert.Equal(t, "imports/course.zip", backend.enqueues[0].ObjectKey)
}

func TestBatchAdoptsJobFromEnqueueConflict(t *testing.T) {
	backend := &fakeBackend{
		enqueueErr: errors.Wrap(
			errors.WithDetail(errors.WithStack(errors.ErrConflict), "zip already enqueued: job-preexisting"),
			"enqueue rejected"),
	}
	c := NewCoordinator(Config{Backend: backend, Transport: &fakeTransport{}})

	items := c.Run(context.Background(), []File{writeArchive(t, "course.zip")})

	require.Len(t, items, 1)
	assert.Equal(t, StateEnqueued, items[0].State)
	assert.Equal(t, "job-preexisting", items[0].JobID)
	assert.True(t, items[0].Adopted)
}

func TestBatchServerSideDuplicateTitleIsSkip(t *testing.T) {
	backend := &fakeBackend{
		enqueueErr: errors.Wrap(
			errors.WithDetail(errors.WithStack(errors.ErrConflict), "module title already exists"),
			"enqueue rejected"),
	}
	c := NewCoordinator(Config{Backend: backend, Transport: &fakeTransport{}})

	items := c.Run(context.Background(), []File{writeArchive(t, "course.zip")})

	require.Len(t, items, 1)
	assert.Equal(t, StateSkipped, items[0].State, "server-side duplicate is informational, not a failure")
	assert.Empty(t, items[0].JobID)
}

func TestBatchLargeFileUploadFailureHasNoFallback(t *testing.T) {
	backend := &fakeBackend{}
	transport := &fakeTransport{err: errors.WithStack(&upload.TransportError{Status: 504, BodySnippet: "gateway timeout"})}
	var bus recordingBus
	c := NewCoordinator(Config{
		Backend:            backend,
		Transport:          transport,
		Bus:                &bus,
		LargeFileThreshold: 10,
	})

	f := writeArchive(t, "huge.zip") // content exceeds the 10-byte threshold
	items := c.Run(context.Background(), []File{f})

	require.Len(t, items, 1)
	assert.Equal(t, StateFailed, items[0].State)
	assert.Equal(t, largeUploadHint, items[0].Hint)
	assert.Empty(t, backend.legacy, "large files never fall back to the buffered path")

	events := bus.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, notify.KindError, events[len(events)-1].Kind)
}

func TestBatchSmallFileFallsBackToLegacyImport(t *testing.T) {
	backend := &fakeBackend{}
	transport := &fakeTransport{err: errors.WithStack(&upload.TransportError{Status: 403})}
	c := NewCoordinator(Config{
		Backend:            backend,
		Transport:          transport,
		LargeFileThreshold: 1 << 20,
	})

	items := c.Run(context.Background(), []File{writeArchive(t, "small.zip")})

	require.Len(t, items, 1)
	assert.Equal(t, StateEnqueued, items[0].State)
	assert.True(t, items[0].Fallback)
	assert.Equal(t, "legacy-job-1", items[0].JobID)
	require.Len(t, backend.legacy, 1)
	assert.Equal(t, "small.zip", backend.legacy[0])
}

func TestBatchFallbackFailureSurfacesUploadError(t *testing.T) {
	backend := &fakeBackend{legacyErr: errors.New("dial tcp: connection refused")}
	transport := &fakeTransport{err: errors.WithStack(&upload.TransportError{Status: 403, BodySnippet: "denied"})}
	c := NewCoordinator(Config{Backend: backend, Transport: transport, LargeFileThreshold: 1 << 20})

	items := c.Run(context.Background(), []File{writeArchive(t, "small.zip")})

	require.Len(t, items, 1)
	assert.Equal(t, StateFailed, items[0].State)
	assert.Contains(t, items[0].Error, "403", "the original upload failure is what the user sees")
}

func TestBatchCancelStopsRemainingFiles(t *testing.T) {
	backend := &fakeBackend{}
	transport := &fakeTransport{}
	c := NewCoordinator(Config{Backend: backend, Transport: transport})
	c.Cancel()
	c.Cancel() // idempotent

	items := c.Run(context.Background(), []File{
		writeArchive(t, "a.zip"),
		writeArchive(t, "b.zip"),
	})

	require.Len(t, items, 2)
	assert.Equal(t, StateCanceled, items[0].State)
	assert.Equal(t, StateCanceled, items[1].State)
	assert.Zero(t, backend.presignCount())

	done, total := c.Counters()
	assert.Equal(t, 2, done)
	assert.Equal(t, 2, total)
}

func TestBatchCancelAbortsInFlightUpload(t *testing.T) {
	backend := &fakeBackend{}
	transport := &fakeTransport{block: true}
	c := NewCoordinator(Config{Backend: backend, Transport: transport})

	started := make(chan struct{})
	go func() {
		for transport.callCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		close(started)
		c.Cancel()
	}()

	items := c.Run(context.Background(), []File{
		writeArchive(t, "a.zip"),
		writeArchive(t, "b.zip"),
	})
	<-started

	require.Len(t, items, 2)
	assert.Equal(t, StateCanceled, items[0].State, "aborted upload settles as canceled, not failed")
	assert.Empty(t, items[0].Error)
	assert.Equal(t, StateCanceled, items[1].State)
	assert.Empty(t, backend.enqueues)
}

func TestBatchCancelEnqueuedJobs(t *testing.T) {
	backend := &fakeBackend{}
	c := NewCoordinator(Config{Backend: backend, Transport: &fakeTransport{}})

	c.Run(context.Background(), []File{
		writeArchive(t, "a.zip"),
		writeArchive(t, "b.zip"),
	})
	// a finished already; only b is still pending on the backend.
	c.JobTerminal("job-1", &api.JobRecord{ID: "job-1", Status: api.StatusFinished, Stage: "done"})

	c.CancelEnqueuedJobs(context.Background())
	assert.Equal(t, []string{"job-2"}, backend.cancels)
}

func TestBatchJobTerminalOutcomes(t *testing.T) {
	backend := &fakeBackend{}
	c := NewCoordinator(Config{Backend: backend, Transport: &fakeTransport{}})
	c.Run(context.Background(), []File{
		writeArchive(t, "a.zip"),
		writeArchive(t, "b.zip"),
		writeArchive(t, "c.zip"),
	})

	c.JobTerminal("job-1", &api.JobRecord{ID: "job-1", Status: api.StatusFailed, Stage: "failed",
		ErrorHint: "The archive is not a valid module export"})
	c.JobTerminal("job-2", &api.JobRecord{ID: "job-2", Status: api.StatusStarted, Stage: "canceled"})
	c.JobTerminal("job-3", &api.JobRecord{ID: "job-3", Status: api.StatusMissing, Stage: "missing"})

	items := c.Snapshot()
	assert.Equal(t, StateFailed, items[0].State)
	assert.Equal(t, "The archive is not a valid module export", items[0].Error)
	assert.Equal(t, StateCanceled, items[1].State)
	assert.Equal(t, StateFailed, items[2].State)
	assert.Equal(t, "job not found", items[2].Error)

	// Observing the same terminal record twice changes nothing.
	c.JobTerminal("job-1", &api.JobRecord{ID: "job-1", Status: api.StatusFailed, Stage: "failed"})
	done, total := c.Counters()
	assert.Equal(t, 3, done)
	assert.Equal(t, 3, total)
}

func TestBatchOrderingAndJobIDs(t *testing.T) {
	backend := &fakeBackend{}
	var enqueued []string
	c := NewCoordinator(Config{
		Backend:   backend,
		Transport: &fakeTransport{},
		OnJobEnqueued: func(jobID string, item Item) {
			enqueued = append(enqueued, jobID)
		},
	})

	c.Run(context.Background(), []File{
		writeArchive(t, "first.zip"),
		writeArchive(t, "second.zip"),
		writeArchive(t, "third.zip"),
	})

	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, enqueued, "jobs attach in submission order")
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, c.JobIDs())
	assert.Equal(t, []string{"first.zip", "second.zip", "third.zip"},
		[]string{backend.presigns[0].Filename, backend.presigns[1].Filename, backend.presigns[2].Filename})
}

func TestFileFromPath(t *testing.T) {
	f := writeArchive(t, "sample.zip")
	assert.Equal(t, "sample.zip", f.Name)
	assert.Greater(t, f.Size, int64(0))
	assert.False(t, f.LastModified.IsZero())

	_, err := FileFromPath(filepath.Join(t.TempDir(), "absent.zip"))
	require.Error(t, err)

	_, err = FileFromPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory")
}
