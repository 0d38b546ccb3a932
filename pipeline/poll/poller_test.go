package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/pipeline/api"
)

// scriptedFetcher replays a fixed sequence of results; the last entry
// repeats once the script is exhausted.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []scriptStep
	calls  int
}

type scriptStep struct {
	rec *api.JobRecord
	err error
}

func (s *scriptedFetcher) GetStatus(_ context.Context, jobID string) (*api.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	step := s.script[i]
	if step.rec != nil && step.rec.ID == "" {
		step.rec.ID = jobID
	}
	return step.rec, step.err
}

func rec(id, status, stage string) *api.JobRecord {
	return &api.JobRecord{ID: id, Status: api.JobStatus(status), Stage: stage}
}

// runPoller drives a poller to completion with an instant sleep that
// records every requested delay.
func runPoller(t *testing.T, fetcher StatusFetcher, cfg Config, cb Callbacks) []time.Duration {
	t.Helper()
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	p := NewPoller(fetcher, "job-1", cfg, cb, nil)
	done := make(chan struct{})
	p.sleep = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err() == nil
	}
	orig := cb.OnTerminal
	p.cb.OnTerminal = func(r *api.JobRecord) {
		if orig != nil {
			orig(r)
		}
		close(done)
	}
	p.Start(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not reach terminal state")
	}
	p.Stop()
	mu.Lock()
	defer mu.Unlock()
	return delays
}

func TestBackoffGrowthAndCap(t *testing.T) {
	b := NewBackoff(time.Second, 7*time.Second, 1.15)
	prev := time.Duration(0)
	for i := 0; i < 50; i++ {
		d := b.Next()
		require.GreaterOrEqual(t, d, prev, "delay shrank at step %d", i)
		require.LessOrEqual(t, d, 7*time.Second)
		prev = d
	}
	assert.Equal(t, 7*time.Second, prev, "backoff should reach the cap")

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	assert.Equal(t, time.Second, b.Next())
	assert.Greater(t, b.Current(), time.Second)
}

func TestPollerBackoffMonotoneWhileUnchanged(t *testing.T) {
	script := make([]scriptStep, 0, 12)
	for i := 0; i < 10; i++ {
		script = append(script, scriptStep{rec: rec("job-1", "started", "import")})
	}
	script = append(script, scriptStep{rec: rec("job-1", "finished", "done")})

	cfg := Config{BaseInterval: time.Second, MaxInterval: 7 * time.Second, GrowthFactor: 1.15}
	delays := runPoller(t, &scriptedFetcher{script: script}, cfg, Callbacks{})

	require.NotEmpty(t, delays)
	assert.Equal(t, time.Second, delays[0], "first delay is the base interval")
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 7*time.Second)
	}
}

func TestPollerBackoffResetsOnSignatureChange(t *testing.T) {
	script := []scriptStep{
		{rec: rec("job-1", "queued", "")},
		{rec: rec("job-1", "queued", "")},
		{rec: rec("job-1", "queued", "")},
		{rec: rec("job-1", "queued", "")},
		{rec: rec("job-1", "started", "extract")}, // moved: reset
		{rec: rec("job-1", "started", "extract")},
		{rec: rec("job-1", "finished", "done")},
	}
	cfg := Config{BaseInterval: time.Second, MaxInterval: 7 * time.Second, GrowthFactor: 2}
	delays := runPoller(t, &scriptedFetcher{script: script}, cfg, Callbacks{})

	// Delays after fetches 1..4 grow: 1s 2s 4s 7s. Fetch 5 observes the
	// stage change, so the next delay is back at base.
	require.GreaterOrEqual(t, len(delays), 5)
	assert.Equal(t, 7*time.Second, delays[3])
	assert.Equal(t, time.Second, delays[4], "signature change must reset the delay to base")
}

func TestPollerStageCaseChangeDoesNotReset(t *testing.T) {
	script := []scriptStep{
		{rec: rec("job-1", "started", "Import")},
		{rec: rec("job-1", "started", "import")},
		{rec: rec("job-1", "started", "import")},
		{rec: rec("job-1", "finished", "done")},
	}
	cfg := Config{BaseInterval: time.Second, MaxInterval: 7 * time.Second, GrowthFactor: 2}
	delays := runPoller(t, &scriptedFetcher{script: script}, cfg, Callbacks{})

	require.GreaterOrEqual(t, len(delays), 2)
	assert.Equal(t, 2*time.Second, delays[1], "stage casing is not a state change")
}

func TestPollerAbsorbsFetchErrors(t *testing.T) {
	script := []scriptStep{
		{rec: rec("job-1", "started", "import")},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{rec: rec("job-1", "finished", "done")},
	}
	var fetchErrs int
	var updates []string
	cfg := Config{BaseInterval: time.Second, MaxInterval: 7 * time.Second, GrowthFactor: 2}
	delays := runPoller(t, &scriptedFetcher{script: script}, cfg, Callbacks{
		OnFetchError: func(error) { fetchErrs++ },
		OnUpdate:     func(r *api.JobRecord) { updates = append(updates, string(r.Status)) },
	})

	assert.Equal(t, 2, fetchErrs)
	assert.Equal(t, []string{"started", "finished"}, updates)
	// Backoff keeps advancing through the failed fetches.
	require.GreaterOrEqual(t, len(delays), 3)
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])
}

func TestPollerTerminalFiresOnceThenStops(t *testing.T) {
	fetcher := &scriptedFetcher{script: []scriptStep{
		{rec: rec("job-1", "failed", "failed")},
	}}
	var terminal, updates int
	runPoller(t, fetcher, Config{BaseInterval: time.Millisecond}, Callbacks{
		OnUpdate:   func(*api.JobRecord) { updates++ },
		OnTerminal: func(*api.JobRecord) { terminal++ },
	})

	fetcher.mu.Lock()
	calls := fetcher.calls
	fetcher.mu.Unlock()
	assert.Equal(t, 1, calls, "no fetches after the terminal observation")
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, terminal)
}

// blockingFetcher parks every call until released.
type blockingFetcher struct {
	release chan struct{}
	entered chan struct{}
}

func (b *blockingFetcher) GetStatus(ctx context.Context, jobID string) (*api.JobRecord, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return rec(jobID, "finished", "done"), nil
}

func TestPollerDiscardsInFlightResultAfterStop(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	var updates, terminal int
	var mu sync.Mutex
	p := NewPoller(fetcher, "job-1", Config{BaseInterval: time.Millisecond}, Callbacks{
		OnUpdate: func(*api.JobRecord) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
		OnTerminal: func(*api.JobRecord) {
			mu.Lock()
			terminal++
			mu.Unlock()
		},
	}, nil)
	p.Start(context.Background())

	<-fetcher.entered
	p.Stop()
	close(fetcher.release)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, updates, "result arriving after teardown must be discarded")
	assert.Zero(t, terminal)
}

func TestPollerStopBeforeStartAndDoubleStop(t *testing.T) {
	p := NewPoller(&scriptedFetcher{script: []scriptStep{{rec: rec("j", "finished", "done")}}}, "j", Config{}, Callbacks{}, nil)
	p.Stop()
	p.Stop()
}
