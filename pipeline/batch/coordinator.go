package batch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corelms/importpipe/am"
	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/notify"
	"github.com/corelms/importpipe/pipeline/upload"
)

const archiveContentType = "application/zip"

// largeUploadHint is shown when an archive over the size threshold
// fails at the storage sub-step. The buffered fallback is not attempted
// for these: pushing the same payload through the backend proxy tends
// to fail again with a gateway timeout.
const largeUploadHint = "Direct storage upload failed for a large archive. " +
	"Check storage connectivity and the presigned URL configuration; the archive was not retried through the buffered path."

// Backend is the slice of the job API the coordinator drives.
// *api.Client satisfies it.
type Backend interface {
	PresignUpload(ctx context.Context, req api.PresignRequest) (*api.PresignResponse, error)
	EnqueueImport(ctx context.Context, req api.EnqueueRequest) (*api.EnqueueResponse, error)
	Cancel(ctx context.Context, jobID string) (*api.CancelResponse, error)
	ImportZipLegacy(ctx context.Context, filename string, content io.Reader, title string) (*api.EnqueueResponse, error)
}

// File is one local archive queued for import.
type File struct {
	Path         string
	Name         string
	Size         int64
	LastModified time.Time
}

// FileFromPath stats path and fills in the upload metadata.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return File{}, errors.Newf("%s is a directory, expected a zip archive", path)
	}
	return File{
		Path:         path,
		Name:         filepath.Base(path),
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// State is the lifecycle of one batch item. Enqueued items advance to
// Finished, Failed or Canceled when their job reaches a terminal
// status; the other states are decided locally.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateEnqueued  State = "enqueued"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
	StateFinished  State = "finished"
)

// terminal reports whether the item counts toward the done counter.
func (s State) terminal() bool {
	switch s {
	case StateSkipped, StateFailed, StateCanceled, StateFinished:
		return true
	}
	return false
}

// Item tracks one file through the batch.
type Item struct {
	File  File
	Title string
	State State
	JobID string
	Error string
	Hint  string
	// Adopted is set when a 409 carried the id of a job already
	// enqueued for the same archive and the coordinator attached to it.
	Adopted bool
	// Fallback is set when the item went through the legacy buffered
	// import path after a failed direct upload.
	Fallback bool
}

// Config assembles a Coordinator. Backend and Transport are required.
type Config struct {
	Backend   Backend
	Transport upload.Transport
	Bus       notify.Bus
	Logger    *zap.SugaredLogger

	// LargeFileThreshold is the size above which a failed upload is
	// never retried through the legacy path. Zero means the default.
	LargeFileThreshold int64

	// TitleOverride replaces the derived title when the batch holds
	// exactly one file.
	TitleOverride string

	// ExistingTitles are module titles already present on the backend;
	// files whose derived title matches one are skipped without any
	// network traffic.
	ExistingTitles []string

	// OnJobEnqueued fires after every successful enqueue, in submission
	// order, with the item's job id. This is where polling is attached.
	OnJobEnqueued func(jobID string, item Item)

	// OnProgress receives upload progress for the in-flight file.
	OnProgress func(filename string, p upload.Progress)
}

// Coordinator processes one batch of files strictly sequentially. A
// single instance owns the item list, the cancel flag and the counters,
// so teardown and tests stay deterministic.
type Coordinator struct {
	id        string
	backend   Backend
	transport upload.Transport
	bus       notify.Bus
	logger    *zap.SugaredLogger
	threshold int64
	existing  map[string]struct{}

	onJobEnqueued func(jobID string, item Item)
	onProgress    func(filename string, p upload.Progress)
	titleOverride string

	mu          sync.Mutex
	items       []*Item
	canceled    bool
	abortUpload context.CancelFunc
}

func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = notify.NopBus{}
	}
	threshold := cfg.LargeFileThreshold
	if threshold <= 0 {
		threshold = am.DefaultLargeFileThreshold
	}
	existing := make(map[string]struct{}, len(cfg.ExistingTitles))
	for _, t := range cfg.ExistingTitles {
		existing[normalizeTitle(t)] = struct{}{}
	}
	id := uuid.New().String()
	return &Coordinator{
		id:            id,
		backend:       cfg.Backend,
		transport:     cfg.Transport,
		bus:           bus,
		logger:        logger.With("batch_id", id),
		threshold:     threshold,
		existing:      existing,
		onJobEnqueued: cfg.OnJobEnqueued,
		onProgress:    cfg.OnProgress,
		titleOverride: cfg.TitleOverride,
	}
}

// ID returns the batch identifier used in logs and events.
func (c *Coordinator) ID() string {
	return c.id
}

// Run processes files in order and returns when every item has settled
// locally. Items that enqueued a job are still awaiting their terminal
// status when Run returns; JobTerminal advances them.
func (c *Coordinator) Run(ctx context.Context, files []File) []Item {
	c.mu.Lock()
	c.items = make([]*Item, len(files))
	for i := range files {
		title := DeriveTitle(files[i].Name)
		if c.titleOverride != "" && len(files) == 1 {
			title = c.titleOverride
		}
		c.items[i] = &Item{File: files[i], Title: title, State: StatePending}
	}
	c.mu.Unlock()

	for i := range files {
		item := c.item(i)
		if c.isCanceled() || ctx.Err() != nil {
			c.settle(item, StateCanceled, nil, "")
			continue
		}
		c.processFile(ctx, item)
	}

	return c.Snapshot()
}

// Cancel stops the batch: no further files start and the in-flight
// upload, if any, is aborted. Idempotent.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	already := c.canceled
	c.canceled = true
	abort := c.abortUpload
	c.mu.Unlock()
	if already {
		return
	}
	if abort != nil {
		abort()
	}
	c.logger.Infow("batch canceled")
}

// CancelEnqueuedJobs asks the backend to cancel every job this batch
// enqueued that has not yet settled. Failures are logged and skipped;
// the next poll reconciles whatever the backend actually did.
func (c *Coordinator) CancelEnqueuedJobs(ctx context.Context) {
	for _, it := range c.Snapshot() {
		if it.State != StateEnqueued || it.JobID == "" {
			continue
		}
		resp, err := c.backend.Cancel(ctx, it.JobID)
		if err != nil {
			if Classify(err) == ClassConflict {
				c.logger.Debugw("job no longer cancellable", "job_id", it.JobID)
				continue
			}
			c.logger.Warnw("cancel request failed", "job_id", it.JobID, "error", err)
			continue
		}
		if resp.Missing {
			c.logger.Debugw("job already gone", "job_id", it.JobID)
		}
		c.bus.Publish(notify.Event{
			Kind:  notify.KindInfo,
			Title: "Import canceled",
			JobID: it.JobID,
			At:    time.Now(),
		})
	}
}

// JobTerminal settles the enqueued item owning jobID from the job's
// terminal record. Safe to call more than once; later calls are no-ops.
func (c *Coordinator) JobTerminal(jobID string, rec *api.JobRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if it.JobID != jobID || it.State != StateEnqueued {
			continue
		}
		switch {
		case rec.Status == api.StatusFinished:
			it.State = StateFinished
		case rec.Status == api.StatusMissing:
			it.State = StateFailed
			it.Error = "job not found"
		case rec.Terminal() && rec.Status != api.StatusFailed:
			it.State = StateCanceled
		default:
			it.State = StateFailed
			it.Error = rec.ErrorDetails().Display()
		}
		return
	}
}

// Counters returns the settled and total item counts. done never
// exceeds total and reaches it only when every item has settled.
func (c *Coordinator) Counters() (done, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if it.State.terminal() {
			done++
		}
	}
	return done, len(c.items)
}

// JobIDs returns the enqueued job ids in submission order.
func (c *Coordinator) JobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, it := range c.items {
		if it.JobID != "" {
			ids = append(ids, it.JobID)
		}
	}
	return ids
}

// Snapshot copies the current item list.
func (c *Coordinator) Snapshot() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = *it
	}
	return out
}

func (c *Coordinator) item(i int) *Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[i]
}

func (c *Coordinator) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func (c *Coordinator) processFile(ctx context.Context, item *Item) {
	log := c.logger.With("file", item.File.Name)

	if _, dup := c.existing[normalizeTitle(item.Title)]; dup {
		log.Infow("skipping duplicate title", "title", item.Title)
		c.settle(item, StateSkipped, nil, "")
		c.bus.Publish(notify.Event{
			Kind:        notify.KindInfo,
			Title:       "Import skipped",
			Description: "A module named \"" + item.Title + "\" already exists",
			At:          time.Now(),
		})
		return
	}

	size := item.File.Size
	lastMod := item.File.LastModified.UnixMilli()
	presign, err := c.backend.PresignUpload(ctx, api.PresignRequest{
		Filename:       item.File.Name,
		ContentType:    archiveContentType,
		SizeBytes:      &size,
		LastModifiedMS: &lastMod,
	})
	if err != nil {
		log.Warnw("presign failed", "error", err)
		c.fail(item, err, "")
		return
	}

	if presign.Reused {
		log.Infow("archive already in storage, skipping upload", "object_key", presign.ObjectKey)
	} else {
		if err := c.uploadFile(ctx, item, presign); err != nil {
			if errors.IsAborted(err) {
				c.settle(item, StateCanceled, nil, "")
				return
			}
			log.Warnw("upload failed", "error", err, "size_bytes", item.File.Size)
			if item.File.Size > c.threshold {
				c.fail(item, err, largeUploadHint)
				c.bus.Publish(notify.Event{
					Kind:        notify.KindError,
					Title:       "Upload failed",
					Description: largeUploadHint,
					At:          time.Now(),
				})
				return
			}
			c.legacyFallback(ctx, item, err)
			return
		}
	}

	c.enqueue(ctx, item, presign.ObjectKey)
}

// uploadFile streams the archive to storage. The upload context is
// cancelable from Cancel so an in-flight PUT can be aborted.
func (c *Coordinator) uploadFile(ctx context.Context, item *Item, presign *api.PresignResponse) error {
	if presign.UploadURL == nil || *presign.UploadURL == "" {
		return errors.New("presign response carried no upload URL")
	}
	f, err := os.Open(item.File.Path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", item.File.Path)
	}
	defer f.Close()

	uploadCtx, abort := context.WithCancel(ctx)
	defer abort()
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return errors.WithStack(errors.ErrAborted)
	}
	item.State = StateUploading
	c.abortUpload = abort
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.abortUpload = nil
		c.mu.Unlock()
	}()

	onProgress := func(p upload.Progress) {
		if c.onProgress != nil {
			c.onProgress(item.File.Name, p)
		}
	}
	return c.transport.Upload(uploadCtx, *presign.UploadURL, f, item.File.Size, onProgress)
}

// legacyFallback pushes a small archive through the buffered import
// endpoint after a failed direct upload.
func (c *Coordinator) legacyFallback(ctx context.Context, item *Item, uploadErr error) {
	log := c.logger.With("file", item.File.Name)
	log.Infow("retrying through buffered import path", "upload_error", uploadErr)

	f, err := os.Open(item.File.Path)
	if err != nil {
		c.fail(item, uploadErr, "")
		return
	}
	defer f.Close()

	resp, err := c.backend.ImportZipLegacy(ctx, item.File.Name, f, item.Title)
	if err != nil {
		log.Warnw("buffered import failed", "error", err)
		// Surface the original upload failure; the fallback error is
		// usually a less specific symptom of the same outage.
		c.fail(item, uploadErr, "")
		return
	}
	item.Fallback = true
	c.adopt(item, resp.JobID)
}

func (c *Coordinator) enqueue(ctx context.Context, item *Item, objectKey string) {
	log := c.logger.With("file", item.File.Name)
	resp, err := c.backend.EnqueueImport(ctx, api.EnqueueRequest{
		ObjectKey:      objectKey,
		Title:          item.Title,
		SourceFilename: item.File.Name,
	})
	if err != nil {
		if Classify(err) == ClassConflict {
			if existingID := api.ConflictJobID(err); existingID != "" {
				log.Infow("archive already enqueued, attaching to existing job", "job_id", existingID)
				item.Adopted = true
				c.adopt(item, existingID)
				return
			}
			// Duplicate title discovered server-side: informational
			// skip, same as the local pre-check.
			log.Infow("skipping duplicate title reported by backend", "title", item.Title)
			c.settle(item, StateSkipped, nil, "")
			c.bus.Publish(notify.Event{
				Kind:        notify.KindInfo,
				Title:       "Import skipped",
				Description: "A module named \"" + item.Title + "\" already exists",
				At:          time.Now(),
			})
			return
		}
		log.Warnw("enqueue failed", "error", err)
		c.fail(item, err, "")
		return
	}
	c.adopt(item, resp.JobID)
}

// adopt records the job id for an item and hands it to the tracker.
func (c *Coordinator) adopt(item *Item, jobID string) {
	c.mu.Lock()
	item.JobID = jobID
	item.State = StateEnqueued
	snapshot := *item
	c.mu.Unlock()

	c.logger.Infow("job enqueued", "file", item.File.Name, "job_id", jobID)
	c.bus.Publish(notify.Event{
		Kind:        notify.KindInfo,
		Title:       "Import queued",
		Description: item.File.Name,
		JobID:       jobID,
		At:          time.Now(),
	})
	if c.onJobEnqueued != nil {
		c.onJobEnqueued(jobID, snapshot)
	}
}

func (c *Coordinator) fail(item *Item, err error, hint string) {
	c.settle(item, StateFailed, err, hint)
}

func (c *Coordinator) settle(item *Item, state State, err error, hint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item.State = state
	item.Hint = hint
	if err != nil {
		item.Error = UserMessage(err)
	}
}

func normalizeTitle(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
