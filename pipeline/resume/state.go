package resume

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corelms/importpipe/errors"
)

// stateKey is the single key the pipeline state lives under.
const stateKey = "pipeline"

// State is the snapshot written after every pipeline transition. A zero
// State means nothing to resume.
type State struct {
	SelectedJobID string   `json:"selected_job_id,omitempty"`
	PanelOpen     bool     `json:"panel_open,omitempty"`
	BatchJobIDs   []string `json:"batch_job_ids,omitempty"`
	ImportStage   string   `json:"import_stage,omitempty"`
	ImportFile    string   `json:"import_file,omitempty"`
	SavedAt       string   `json:"saved_at,omitempty"`
}

// Empty reports whether the state carries nothing worth persisting.
// SavedAt alone does not make a state worth keeping.
func (s State) Empty() bool {
	return s.SelectedJobID == "" && !s.PanelOpen && len(s.BatchJobIDs) == 0 &&
		s.ImportStage == "" && s.ImportFile == ""
}

// Patch is a partial update. Nil fields keep their previous value, so
// callers only name what changed.
type Patch struct {
	SelectedJobID *string
	PanelOpen     *bool
	BatchJobIDs   *[]string
	ImportStage   *string
	ImportFile    *string
}

// Keeper loads, merges and saves the pipeline state through a Store.
// The tracker calls it from both the CLI and the poll goroutine, so the
// load-merge-save cycle runs under a mutex.
type Keeper struct {
	mu     sync.Mutex
	store  Store
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewKeeper(store Store, logger *zap.SugaredLogger) *Keeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Keeper{store: store, logger: logger, now: time.Now}
}

// Load returns the persisted state. A missing or corrupt entry yields a
// zero State; resume is best-effort and never blocks startup.
// BatchJobIDs come back in the order they were saved, which is the
// tracker's submission order.
func (k *Keeper) Load() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.load()
}

func (k *Keeper) load() State {
	raw, ok, err := k.store.Get(stateKey)
	if err != nil {
		k.logger.Warnw("resume state unreadable, starting fresh", "error", err)
		return State{}
	}
	if !ok {
		return State{}
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		k.logger.Warnw("resume state corrupt, starting fresh", "error", err)
		return State{}
	}
	return st
}

// Apply merges the patch into the persisted state and writes the
// result. When the merged state is empty the entry is removed instead,
// so a drained pipeline leaves nothing behind.
func (k *Keeper) Apply(p Patch) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.load()
	if p.SelectedJobID != nil {
		st.SelectedJobID = *p.SelectedJobID
	}
	if p.PanelOpen != nil {
		st.PanelOpen = *p.PanelOpen
	}
	if p.BatchJobIDs != nil {
		st.BatchJobIDs = append([]string(nil), (*p.BatchJobIDs)...)
	}
	if p.ImportStage != nil {
		st.ImportStage = *p.ImportStage
	}
	if p.ImportFile != nil {
		st.ImportFile = *p.ImportFile
	}
	return k.save(st)
}

// Clear removes the persisted state entirely.
func (k *Keeper) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.store.Remove(stateKey)
}

func (k *Keeper) save(st State) error {
	if st.Empty() {
		return k.store.Remove(stateKey)
	}
	st.SavedAt = k.now().UTC().Format("2006-01-02T15:04:05.000000")
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encoding resume state")
	}
	return k.store.Set(stateKey, string(raw))
}

// Ptr returns a pointer to v, for building Patch literals.
func Ptr[T any](v T) *T {
	return &v
}
