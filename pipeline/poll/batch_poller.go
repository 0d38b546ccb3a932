package poll

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corelms/importpipe/pipeline/api"
)

// BatchCallbacks receive batch poller observations. Nil callbacks are
// skipped. All callbacks run on the polling goroutine.
type BatchCallbacks struct {
	// OnUpdate fires per job after each successful fetch.
	OnUpdate func(rec *api.JobRecord)
	// OnFetchError fires per job when a fetch fails; that job stays in
	// the set and is retried on the next cycle.
	OnFetchError func(jobID string, err error)
	// OnTerminal fires exactly once per job ID when its record is first
	// observed terminal. The job is then dropped from the active set.
	OnTerminal func(rec *api.JobRecord)
	// OnAllTerminal fires once when the active set drains. The poller
	// keeps running so jobs added afterwards are picked up.
	OnAllTerminal func()
}

// BatchPoller watches a set of jobs with a shared backoff. Each cycle
// fetches every active job once; the delay before the next cycle grows
// geometrically while the aggregate signature (the sorted per-job
// signatures joined) is unchanged, and resets to base the moment any
// job moves. Jobs can be added and removed while polling, which is how
// a finished import is swapped for the regeneration job it chained to.
type BatchPoller struct {
	fetcher StatusFetcher
	cfg     Config
	cb      BatchCallbacks
	logger  *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	active   map[string]struct{}
	terminal map[string]struct{}
	cancel   context.CancelFunc
	started  bool
	wg       sync.WaitGroup
}

// NewBatchPoller creates a batch poller with no jobs. It does nothing
// until Start; jobs can be added before or after.
func NewBatchPoller(fetcher StatusFetcher, cfg Config, cb BatchCallbacks, logger *zap.SugaredLogger) *BatchPoller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BatchPoller{
		fetcher:  fetcher,
		cfg:      cfg,
		cb:       cb,
		logger:   logger,
		sleep:    sleepCtx,
		active:   make(map[string]struct{}),
		terminal: make(map[string]struct{}),
	}
}

// Add puts a job in the active set. Adding a job that already fired
// OnTerminal re-arms it, which is what a retry that reuses polling
// infrastructure wants.
func (b *BatchPoller) Add(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.terminal, jobID)
	b.active[jobID] = struct{}{}
}

// Remove drops a job from the active set without firing OnTerminal.
func (b *BatchPoller) Remove(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, jobID)
}

// Replace atomically swaps oldID for newID in the active set. Used when
// chaining retargets a finished import to its regeneration job.
func (b *BatchPoller) Replace(oldID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, oldID)
	delete(b.terminal, newID)
	b.active[newID] = struct{}{}
}

// Active returns the job IDs currently being polled, sorted.
func (b *BatchPoller) Active() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (b *BatchPoller) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
}

// Stop tears the poller down and waits for the loop to exit. In-flight
// fetch results are discarded.
func (b *BatchPoller) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func (b *BatchPoller) run(ctx context.Context) {
	backoff := NewBackoff(b.cfg.BaseInterval, b.cfg.MaxInterval, b.cfg.GrowthFactor)
	lastAggregate := ""

	for {
		ids := b.Active()
		sigs := make([]string, 0, len(ids))
		drained := false

		for _, id := range ids {
			rec, err := b.fetcher.GetStatus(ctx, id)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				b.logger.Debugw("status fetch failed", "job_id", id, "error", err)
				if b.cb.OnFetchError != nil {
					b.cb.OnFetchError(id, err)
				}
				continue
			}
			sigs = append(sigs, rec.Signature())
			if b.cb.OnUpdate != nil {
				b.cb.OnUpdate(rec)
			}
			if rec.Terminal() {
				if b.markTerminal(id) {
					b.logger.Debugw("job terminal", "job_id", id, "status", rec.Status, "stage", rec.Stage)
					if b.cb.OnTerminal != nil {
						b.cb.OnTerminal(rec)
					}
				}
				drained = b.removeIfEmpty(id)
			}
		}
		if drained && b.cb.OnAllTerminal != nil {
			b.cb.OnAllTerminal()
		}

		sort.Strings(sigs)
		aggregate := strings.Join(sigs, "|")
		if lastAggregate != "" && aggregate != lastAggregate {
			backoff.Reset()
		}
		lastAggregate = aggregate

		if !b.sleep(ctx, backoff.Next()) {
			return
		}
	}
}

// markTerminal records the first terminal observation for a job ID.
// Returns false when the job already fired OnTerminal.
func (b *BatchPoller) markTerminal(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, seen := b.terminal[jobID]; seen {
		return false
	}
	b.terminal[jobID] = struct{}{}
	return true
}

// removeIfEmpty drops the job from the active set and reports whether
// that left the set empty.
func (b *BatchPoller) removeIfEmpty(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, jobID)
	return len(b.active) == 0
}
