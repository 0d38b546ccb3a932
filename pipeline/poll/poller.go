package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corelms/importpipe/am"
	"github.com/corelms/importpipe/pipeline/api"
)

// StatusFetcher is the slice of the API client the poller needs.
type StatusFetcher interface {
	GetStatus(ctx context.Context, jobID string) (*api.JobRecord, error)
}

// Config holds the poller timing knobs.
type Config struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	GrowthFactor float64
}

// ConfigFrom converts the loaded am poll section into poller timings.
func ConfigFrom(pc am.PollConfig) Config {
	return Config{
		BaseInterval: time.Duration(pc.BaseIntervalMS) * time.Millisecond,
		MaxInterval:  time.Duration(pc.MaxIntervalMS) * time.Millisecond,
		GrowthFactor: pc.GrowthFactor,
	}
}

// Callbacks receive poller observations. Nil callbacks are skipped.
// All callbacks run on the polling goroutine; keep them short.
type Callbacks struct {
	// OnUpdate fires after every successful fetch, terminal or not.
	OnUpdate func(rec *api.JobRecord)
	// OnFetchError fires when a fetch fails. Polling continues and the
	// backoff keeps advancing; the error is for display only.
	OnFetchError func(err error)
	// OnTerminal fires exactly once, after the OnUpdate for the fetch
	// that observed the terminal record. The poller stops afterwards.
	OnTerminal func(rec *api.JobRecord)
}

// Poller watches a single job until it reaches a terminal state.
//
// The first fetch happens immediately on Start. Each subsequent fetch is
// delayed by a geometrically growing interval that resets to base when
// the job's (status, stage) signature changes. Stop tears the poller
// down; a fetch already in flight at teardown has its result discarded.
type Poller struct {
	fetcher StatusFetcher
	jobID   string
	cfg     Config
	cb      Callbacks
	logger  *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewPoller creates a poller for jobID. It does nothing until Start.
func NewPoller(fetcher StatusFetcher, jobID string, cfg Config, cb Callbacks, logger *zap.SugaredLogger) *Poller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Poller{
		fetcher: fetcher,
		jobID:   jobID,
		cfg:     cfg,
		cb:      cb,
		logger:  logger.With("job_id", jobID),
		sleep:   sleepCtx,
	}
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop tears the poller down and waits for the loop to exit. Safe to
// call multiple times, and before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	backoff := NewBackoff(p.cfg.BaseInterval, p.cfg.MaxInterval, p.cfg.GrowthFactor)
	lastSig := ""

	for {
		rec, err := p.fetcher.GetStatus(ctx, p.jobID)
		if ctx.Err() != nil {
			// Torn down while the request was in flight. Whatever came
			// back must not leak into the UI or the resume store.
			return
		}
		if err != nil {
			p.logger.Debugw("status fetch failed", "error", err)
			if p.cb.OnFetchError != nil {
				p.cb.OnFetchError(err)
			}
		} else {
			sig := rec.Signature()
			if lastSig != "" && sig != lastSig {
				backoff.Reset()
			}
			lastSig = sig
			if p.cb.OnUpdate != nil {
				p.cb.OnUpdate(rec)
			}
			if rec.Terminal() {
				p.logger.Debugw("job terminal", "status", rec.Status, "stage", rec.Stage)
				if p.cb.OnTerminal != nil {
					p.cb.OnTerminal(rec)
				}
				return
			}
		}
		if !p.sleep(ctx, backoff.Next()) {
			return
		}
	}
}

// sleepCtx waits d or until ctx is done. Returns false on teardown.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
