package commands

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"

	"github.com/corelms/importpipe/am"
	"github.com/corelms/importpipe/db"
	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/logger"
	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/batch"
	"github.com/corelms/importpipe/pipeline/notify"
	"github.com/corelms/importpipe/pipeline/poll"
	"github.com/corelms/importpipe/pipeline/resume"
	"github.com/corelms/importpipe/pipeline/track"
	"github.com/corelms/importpipe/pipeline/upload"
)

// stack is the assembled pipeline shared by the import, jobs, resume
// and watch commands.
type stack struct {
	cfg       *am.Config
	client    *api.Client
	transport upload.Transport
	keeper    *resume.Keeper
	tracker   *track.Tracker
	bus       notify.Bus

	database    *sql.DB
	broadcaster *notify.Broadcaster
	eventServer *http.Server
}

// buildStack loads configuration and wires the whole pipeline together.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "loading configuration")
	}
	if cfg.API.BaseURL == "" {
		return nil, errors.WithHint(
			errors.New("no backend configured"),
			`set the job API address first: importpipe am set api.base_url https://lms.example.com/api/v1/admin`)
	}

	dbPath, err := am.DatabasePath(cfg)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, err
	}

	s := &stack{
		cfg:      cfg,
		database: database,
	}

	bus := notify.Bus(notify.NewLogBus(logger.Logger))
	if cfg.Notify.ListenAddr != "" {
		s.broadcaster = notify.NewBroadcaster(ctx, logger.Logger)
		mux := http.NewServeMux()
		mux.Handle("/events", s.broadcaster)
		s.eventServer = &http.Server{Addr: cfg.Notify.ListenAddr, Handler: mux}
		go func() {
			if err := s.eventServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Logger.Warnw("event listener stopped", "error", err)
			}
		}()
		bus = notify.MultiBus{bus, s.broadcaster}
	}
	s.bus = bus

	s.client = api.NewClient(api.Config{
		BaseURL:              cfg.API.BaseURL,
		Token:                cfg.API.Token,
		Timeout:              time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		MaxRequestsPerMinute: cfg.Poll.MaxRequestsPerMinute,
		Logger:               logger.Logger,
	})
	s.transport = upload.NewHTTPTransport(
		time.Duration(cfg.Upload.TimeoutSeconds)*time.Second, logger.Logger)

	s.keeper = resume.NewKeeper(resume.NewSQLStore(database), logger.Logger)
	s.tracker = track.New(track.Config{
		Keeper: s.keeper,
		Bus:    s.bus,
		Logger: logger.Logger,
	})
	return s, nil
}

func (s *stack) Close() {
	if s.eventServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.eventServer.Shutdown(shutdownCtx)
		cancel()
	}
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}
	s.database.Close()
}

// startFollower starts a batch poller wired through the tracker and
// returns it together with a drain signal. Jobs can be added while it
// runs; drained receives a value each time the active set empties, so
// a batch can keep enqueueing after an early job already finished.
// onTerminal, when set, additionally receives each terminal record.
func startFollower(ctx context.Context, s *stack, onTerminal func(jobID string, rec *api.JobRecord)) (*poll.BatchPoller, chan struct{}) {
	drained := make(chan struct{}, 1)
	printed := make(map[string]string)
	base := s.tracker.Callbacks()
	cb := poll.BatchCallbacks{
		OnUpdate: func(rec *api.JobRecord) {
			base.OnUpdate(rec)
			printJobTransition(printed, rec)
		},
		OnFetchError: func(jobID string, err error) {
			base.OnFetchError(jobID, err)
			pterm.Warning.Printfln("%s: status fetch failed: %v (retrying)", shortID(jobID), err)
		},
		OnTerminal: func(rec *api.JobRecord) {
			base.OnTerminal(rec)
			if onTerminal != nil {
				onTerminal(rec.ID, rec)
			}
		},
		OnAllTerminal: func() {
			select {
			case drained <- struct{}{}:
			default:
			}
		},
	}
	follower := poll.NewBatchPoller(s.client, poll.ConfigFrom(s.cfg.Poll), cb, logger.Logger)
	s.tracker.BindRetargeter(follower)
	follower.Start(ctx)
	return follower, drained
}

// waitDrained blocks until the follower has no active jobs left. The
// drain signal can be stale (the set may have been refilled since), so
// the active set is rechecked after every wakeup. Ctrl-C tears polling
// down without touching the jobs.
func waitDrained(ctx context.Context, follower *poll.BatchPoller, drained chan struct{}) error {
	for {
		if len(follower.Active()) == 0 {
			return nil
		}
		select {
		case <-drained:
		case <-ctx.Done():
			pterm.Info.Println("stopped watching; jobs continue on the backend (importpipe resume)")
			return nil
		}
	}
}

// followJobs polls a fixed set of ids until every one is terminal,
// printing each state change.
func followJobs(ctx context.Context, s *stack, ids []string, onTerminal func(jobID string, rec *api.JobRecord)) error {
	if len(ids) == 0 {
		return nil
	}
	follower, drained := startFollower(ctx, s, onTerminal)
	defer follower.Stop()
	for _, id := range ids {
		follower.Add(id)
	}
	return waitDrained(ctx, follower, drained)
}

// printJobTransition prints one line per observed signature change.
func printJobTransition(printed map[string]string, rec *api.JobRecord) {
	sig := rec.Signature()
	if printed[rec.ID] == sig {
		return
	}
	printed[rec.ID] = sig

	label := api.StageLabel(rec.Stage)
	line := fmt.Sprintf("%s  %-10s %s", shortID(rec.ID), rec.Status, label)
	if rec.Detail != "" {
		line += "  " + rec.Detail
	}
	switch {
	case rec.Status == api.StatusFinished:
		pterm.Success.Printfln("%s", line)
	case rec.Status == api.StatusFailed || rec.Status == api.StatusMissing:
		msg := rec.ErrorDetails().Display()
		if msg == "" && rec.Status == api.StatusMissing {
			msg = "job not found"
		}
		pterm.Error.Printfln("%s  %s", line, msg)
	case rec.Terminal():
		pterm.Warning.Printfln("%s", line)
	default:
		pterm.Info.Printfln("%s", line)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// knownModuleTitles collects module titles from the backend's import
// history for the duplicate pre-check. Best effort: an error here only
// disables the local skip, the backend still rejects duplicates.
func knownModuleTitles(ctx context.Context, client *api.Client) []string {
	resp, err := client.ListImportJobs(ctx, 200, true)
	if err != nil {
		logger.Logger.Debugw("listing import history failed, duplicate pre-check disabled", "error", err)
		return nil
	}
	var titles []string
	seen := make(map[string]struct{})
	for _, metas := range [][]api.ImportJobMeta{resp.Items, resp.History} {
		for _, m := range metas {
			title := m.ModuleTitle
			if title == "" {
				title = m.Title
			}
			if title == "" {
				continue
			}
			if _, dup := seen[title]; dup {
				continue
			}
			seen[title] = struct{}{}
			titles = append(titles, title)
		}
	}
	return titles
}

// summarizeBatch prints the per-file outcome table after a batch run.
func summarizeBatch(c *batch.Coordinator) {
	done, total := c.Counters()
	pterm.Println()
	for _, it := range c.Snapshot() {
		switch it.State {
		case batch.StateFinished:
			pterm.Success.Printfln("%-30s finished  job %s", it.File.Name, shortID(it.JobID))
		case batch.StateEnqueued:
			pterm.Info.Printfln("%-30s enqueued  job %s", it.File.Name, shortID(it.JobID))
		case batch.StateSkipped:
			pterm.Warning.Printfln("%-30s skipped   module %q already exists", it.File.Name, it.Title)
		case batch.StateCanceled:
			pterm.Warning.Printfln("%-30s canceled", it.File.Name)
		case batch.StateFailed:
			msg := it.Error
			if it.Hint != "" {
				msg = it.Hint
			}
			pterm.Error.Printfln("%-30s failed    %s", it.File.Name, msg)
		}
	}
	pterm.Printfln("\n%d/%d files settled", done, total)
}
