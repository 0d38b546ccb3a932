package commands

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/batch"
	"github.com/corelms/importpipe/pipeline/poll"
	"github.com/corelms/importpipe/pipeline/upload"
)

type stubFetcher struct {
	mu      sync.Mutex
	records map[string]*api.JobRecord
}

func (f *stubFetcher) GetStatus(ctx context.Context, jobID string) (*api.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[jobID]; ok {
		copied := *rec
		return &copied, nil
	}
	return &api.JobRecord{ID: jobID, Status: api.StatusMissing}, nil
}

func (f *stubFetcher) set(jobID string, rec *api.JobRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[jobID] = rec
}

// A job enqueued after an earlier one already drained the poller must
// still be waited for: the drain signal re-arms.
func TestWaitDrainedCoversLateEnqueues(t *testing.T) {
	fetcher := &stubFetcher{records: map[string]*api.JobRecord{
		"job-1": {ID: "job-1", Status: api.StatusFinished, Stage: "done"},
	}}
	drained := make(chan struct{}, 1)
	cb := poll.BatchCallbacks{
		OnAllTerminal: func() {
			select {
			case drained <- struct{}{}:
			default:
			}
		},
	}
	cfg := poll.Config{BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, GrowthFactor: 1.5}
	follower := poll.NewBatchPoller(fetcher, cfg, cb, zap.NewNop().Sugar())
	ctx := context.Background()
	follower.Start(ctx)
	defer follower.Stop()

	follower.Add("job-1")
	require.Eventually(t, func() bool { return len(follower.Active()) == 0 },
		time.Second, time.Millisecond, "first job drains the poller")

	// A later file enqueues while job-1's stale drain signal may still
	// be buffered.
	fetcher.set("job-2", &api.JobRecord{ID: "job-2", Status: api.StatusStarted, Stage: "import"})
	follower.Add("job-2")

	waitErr := make(chan error, 1)
	go func() { waitErr <- waitDrained(ctx, follower, drained) }()

	select {
	case <-waitErr:
		t.Fatal("wait returned while a job was still active")
	case <-time.After(50 * time.Millisecond):
	}

	fetcher.set("job-2", &api.JobRecord{ID: "job-2", Status: api.StatusFinished, Stage: "done"})
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after the late job finished")
	}
}

type stubBackend struct {
	mu       sync.Mutex
	enqueued int
	canceled []string
}

func (b *stubBackend) PresignUpload(ctx context.Context, req api.PresignRequest) (*api.PresignResponse, error) {
	return &api.PresignResponse{OK: true, ObjectKey: "imports/" + req.Filename, Reused: true}, nil
}

func (b *stubBackend) EnqueueImport(ctx context.Context, req api.EnqueueRequest) (*api.EnqueueResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued++
	return &api.EnqueueResponse{OK: true, JobID: fmt.Sprintf("job-%d", b.enqueued)}, nil
}

func (b *stubBackend) Cancel(ctx context.Context, jobID string) (*api.CancelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, jobID)
	return &api.CancelResponse{OK: true, JobID: jobID}, nil
}

func (b *stubBackend) ImportZipLegacy(ctx context.Context, filename string, content io.Reader, title string) (*api.EnqueueResponse, error) {
	return nil, fmt.Errorf("legacy path not expected")
}

type noopTransport struct{}

func (noopTransport) Upload(ctx context.Context, destinationURL string, body io.Reader, size int64, onProgress func(upload.Progress)) error {
	return nil
}

// Tearing a batch down after Ctrl-C cancels the already-enqueued jobs
// on the backend, on a context that is still alive.
func TestCancelBatchCancelsEnqueuedJobs(t *testing.T) {
	backend := &stubBackend{}
	c := batch.NewCoordinator(batch.Config{
		Backend:   backend,
		Transport: noopTransport{},
	})
	c.Run(context.Background(), []batch.File{
		{Name: "orientation.zip", Size: 64},
		{Name: "fire_safety.zip", Size: 64},
	})
	require.Equal(t, []string{"job-1", "job-2"}, c.JobIDs())

	c.Cancel()
	cancelBatch(c)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"job-1", "job-2"}, backend.canceled)
}
