// Package track owns the client-side view of in-flight jobs: which ones
// are watched, which is selected, what each displays, and the chaining
// of a finished import into its follow-up regeneration job. Every
// transition is mirrored into the resume store so a restarted process
// picks up where the last one stopped.
package track

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corelms/importpipe/db"
	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/notify"
	"github.com/corelms/importpipe/pipeline/poll"
	"github.com/corelms/importpipe/pipeline/resume"
)

// Canceler is the slice of the API client job cancellation needs.
type Canceler interface {
	Cancel(ctx context.Context, jobID string) (*api.CancelResponse, error)
}

// Retargeter swaps one polled job id for another. *poll.BatchPoller
// satisfies it.
type Retargeter interface {
	Replace(oldID, newID string)
}

// JobView is the displayed state of one tracked job. Percent never
// regresses for a live job and pins to 100 on terminal records.
type JobView struct {
	JobID   string
	Kind    api.JobKind
	Status  api.JobStatus
	Stage   string
	Label   string
	Percent int
	Detail  string
	Error   string
	// FetchError is the last status-poll failure, shown alongside the
	// job state and cleared by the next successful poll.
	FetchError string
	// ChainedFrom is set on a regeneration view created by retargeting
	// a finished import.
	ChainedFrom string
	Terminal    bool
}

// Config assembles a Tracker.
type Config struct {
	Keeper *resume.Keeper
	Bus    notify.Bus
	Logger *zap.SugaredLogger
	// Retargeter, when set, is informed of chaining swaps so polling
	// follows the new job id.
	Retargeter Retargeter
}

// Tracker is the single writer of tracked-set state. Poller callbacks,
// the batch coordinator and the CLI all funnel through it.
type Tracker struct {
	keeper     *resume.Keeper
	bus        notify.Bus
	logger     *zap.SugaredLogger
	retargeter Retargeter

	mu        sync.Mutex
	order     []string
	views     map[string]*JobView
	selected  string
	panelOpen bool
	// chained guards exactly-once retargeting per import job id, even
	// when the same terminal record is observed twice.
	chained map[string]bool

	importStage string
	importFile  string
}

func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = notify.NopBus{}
	}
	keeper := cfg.Keeper
	if keeper == nil {
		keeper = resume.NewKeeper(resume.NewMemoryStore(), nil)
	}
	return &Tracker{
		keeper:     keeper,
		bus:        bus,
		logger:     logger,
		retargeter: cfg.Retargeter,
		views:      make(map[string]*JobView),
		chained:    make(map[string]bool),
	}
}

// BindRetargeter attaches the poller after construction; the poller's
// callbacks usually need the tracker to exist first.
func (t *Tracker) BindRetargeter(r Retargeter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retargeter = r
}

// Callbacks wires the tracker into a batch poller.
func (t *Tracker) Callbacks() poll.BatchCallbacks {
	return poll.BatchCallbacks{
		OnUpdate:     t.Apply,
		OnFetchError: t.FetchFailed,
		OnTerminal:   t.Apply,
	}
}

// Track adds a job to the tracked set with an initial queued view,
// selects it if nothing is selected, opens the panel and persists.
func (t *Tracker) Track(jobID string) {
	t.mu.Lock()
	if _, ok := t.views[jobID]; !ok {
		t.order = append(t.order, jobID)
		t.views[jobID] = queuedView(jobID, "")
	}
	if t.selected == "" {
		t.selected = jobID
	}
	t.panelOpen = true
	t.mu.Unlock()
	t.persist()
}

// Select marks jobID as the focused job. Unknown ids are tracked first.
func (t *Tracker) Select(jobID string) {
	t.mu.Lock()
	if _, ok := t.views[jobID]; !ok {
		t.order = append(t.order, jobID)
		t.views[jobID] = queuedView(jobID, "")
	}
	t.selected = jobID
	t.mu.Unlock()
	t.persist()
}

// ClosePanel hides tracking UI state. When nothing is selected and the
// tracked set is empty this clears the resume record entirely.
func (t *Tracker) ClosePanel() {
	t.mu.Lock()
	t.panelOpen = false
	t.mu.Unlock()
	t.persist()
}

// Drop removes a job from the tracked set, deselecting it if needed.
func (t *Tracker) Drop(jobID string) {
	t.mu.Lock()
	delete(t.views, jobID)
	for i, id := range t.order {
		if id == jobID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if t.selected == jobID {
		t.selected = ""
	}
	t.mu.Unlock()
	t.persist()
}

// Reset empties the tracked set and clears the resume record.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	t.order = nil
	t.views = make(map[string]*JobView)
	t.selected = ""
	t.panelOpen = false
	t.importStage = ""
	t.importFile = ""
	t.chained = make(map[string]bool)
	t.mu.Unlock()
	return t.keeper.Clear()
}

// SetImportStage records the client-side upload stage and filename
// shown while the batch itself (not a backend job) is progressing.
func (t *Tracker) SetImportStage(stage, filename string) {
	t.mu.Lock()
	t.importStage = stage
	t.importFile = filename
	t.mu.Unlock()
	t.persist()
}

// Apply folds a freshly fetched record into the job's view. Terminal
// records trigger the chaining check.
func (t *Tracker) Apply(rec *api.JobRecord) {
	t.mu.Lock()
	v, ok := t.views[rec.ID]
	if !ok {
		// A record for an untracked id: a stale in-flight fetch after a
		// Drop. Discard.
		t.mu.Unlock()
		return
	}
	v.Status = rec.Status
	v.Stage = rec.Stage
	v.Label = api.StageLabel(rec.Stage)
	v.Percent = api.StagePercent(rec.Stage, rec.Status, v.Percent)
	v.Detail = rec.Detail
	v.FetchError = ""
	v.Terminal = rec.Terminal()
	if rec.JobKind != "" {
		v.Kind = rec.JobKind
	}
	if info := rec.ErrorDetails(); !info.Empty() {
		v.Error = info.Display()
	} else if v.Terminal && rec.Status == api.StatusMissing {
		v.Error = "job not found"
	}
	t.mu.Unlock()

	if rec.Terminal() {
		t.maybeChain(rec)
	}
	t.persist()
}

// FetchFailed records a polling failure on the job's view without
// touching the last-known status.
func (t *Tracker) FetchFailed(jobID string, err error) {
	t.mu.Lock()
	if v, ok := t.views[jobID]; ok {
		v.FetchError = err.Error()
	}
	t.mu.Unlock()
}

// CancelJob cancels a tracked job. Jobs already known terminal are
// rejected locally without a network call; a started job is attempted
// and the next poll reconciles with whatever the backend decided.
func (t *Tracker) CancelJob(ctx context.Context, canceler Canceler, jobID string) error {
	t.mu.Lock()
	if v, ok := t.views[jobID]; ok && v.Terminal {
		t.mu.Unlock()
		return errors.Wrapf(errors.ErrNotCancellable, "job %s is already %s", jobID, v.Status)
	}
	t.mu.Unlock()

	resp, err := canceler.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if resp.Missing {
		t.logger.Debugw("cancel target already gone", "job_id", jobID)
	}
	t.bus.Publish(notify.Event{
		Kind:  notify.KindInfo,
		Title: "Cancel requested",
		JobID: jobID,
		At:    time.Now(),
	})
	return nil
}

// Retarget replaces oldID with newID in the tracked set, giving the new
// job a fresh queued view. Selection and ordering positions carry over.
func (t *Tracker) Retarget(oldID, newID string, chainedFrom string) {
	t.mu.Lock()
	replaced := false
	for i, id := range t.order {
		if id == oldID {
			t.order[i] = newID
			replaced = true
			break
		}
	}
	if !replaced {
		t.order = append(t.order, newID)
	}
	delete(t.views, oldID)
	t.views[newID] = queuedView(newID, chainedFrom)
	if t.selected == oldID {
		t.selected = newID
	}
	rt := t.retargeter
	t.mu.Unlock()

	if rt != nil {
		rt.Replace(oldID, newID)
	}
	t.persist()
}

// Views returns the tracked views in tracking order.
func (t *Tracker) Views() []JobView {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JobView, 0, len(t.order))
	for _, id := range t.order {
		if v, ok := t.views[id]; ok {
			out = append(out, *v)
		}
	}
	return out
}

// Selected returns the focused job id, if any.
func (t *Tracker) Selected() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selected
}

// PanelOpen reports whether tracking UI should be shown.
func (t *Tracker) PanelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.panelOpen
}

// TrackedIDs returns the tracked job ids in order.
func (t *Tracker) TrackedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Restore pre-seeds the tracked set from the resume store. Displayed
// status is not taken from the store: every restored id starts queued
// and the first poll re-derives the truth.
func (t *Tracker) Restore() resume.State {
	st := t.keeper.Load()
	t.mu.Lock()
	for _, id := range st.BatchJobIDs {
		if _, ok := t.views[id]; !ok {
			t.order = append(t.order, id)
			t.views[id] = queuedView(id, "")
		}
	}
	if st.SelectedJobID != "" {
		if _, ok := t.views[st.SelectedJobID]; !ok {
			t.order = append(t.order, st.SelectedJobID)
			t.views[st.SelectedJobID] = queuedView(st.SelectedJobID, "")
		}
		t.selected = st.SelectedJobID
	}
	t.panelOpen = st.PanelOpen
	t.importStage = st.ImportStage
	t.importFile = st.ImportFile
	t.mu.Unlock()
	return st
}

// maybeChain retargets a finished import to its regeneration job,
// exactly once per import job id.
func (t *Tracker) maybeChain(rec *api.JobRecord) {
	if rec.Status != api.StatusFinished {
		return
	}
	if rec.JobKind != "" && rec.JobKind != api.KindImport {
		return
	}
	res, ok := rec.ImportResult()
	if !ok || res.ModuleID == "" || res.RegenJobID == "" || res.RegenJobID == rec.ID {
		return
	}

	t.mu.Lock()
	if t.chained[rec.ID] {
		t.mu.Unlock()
		return
	}
	t.chained[rec.ID] = true
	t.mu.Unlock()

	t.logger.Infow("import finished, following regeneration job",
		"import_job_id", rec.ID, "regen_job_id", res.RegenJobID, "module_id", res.ModuleID)
	t.bus.Publish(notify.Event{
		Kind:        notify.KindSuccess,
		Title:       "Import finished",
		Description: "Question regeneration started",
		JobID:       res.RegenJobID,
		At:          time.Now(),
	})
	t.Retarget(rec.ID, res.RegenJobID, rec.ID)
}

// persist mirrors the current tracked state into the resume store. An
// empty state removes the stored record.
func (t *Tracker) persist() {
	t.mu.Lock()
	patch := resume.Patch{
		SelectedJobID: resume.Ptr(t.selected),
		PanelOpen:     resume.Ptr(t.panelOpen),
		BatchJobIDs:   resume.Ptr(append([]string(nil), t.order...)),
		ImportStage:   resume.Ptr(t.importStage),
		ImportFile:    resume.Ptr(t.importFile),
	}
	t.mu.Unlock()
	if err := t.keeper.Apply(patch); err != nil {
		// A poll callback can land after teardown closed the database;
		// that is not worth a warning.
		if db.IsDatabaseClosed(err) {
			t.logger.Debugw("resume state not persisted, database closed", "error", err)
			return
		}
		t.logger.Warnw("persisting resume state failed", "error", err)
	}
}

func queuedView(jobID, chainedFrom string) *JobView {
	return &JobView{
		JobID:       jobID,
		Status:      api.StatusQueued,
		Label:       api.StageLabel(""),
		ChainedFrom: chainedFrom,
	}
}
