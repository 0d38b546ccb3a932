package upload

import (
	"math"
	"sync"
	"time"
)

// Progress is a snapshot of an in-flight upload. Loaded never decreases;
// Percent is clamped to [0,100]. ETASeconds is nil early in the transfer
// before the speed estimate has settled.
type Progress struct {
	Loaded     int64
	Total      int64
	SpeedBps   float64
	ETASeconds *float64
	Percent    int
}

// speedSmoothing is the exponential smoothing factor for the byte-rate
// estimate. Closer to 1 reacts faster, closer to 0 is calmer.
const speedSmoothing = 0.3

// minSamplesForETA delays the ETA display until the smoothed speed has
// seen enough samples to mean something.
const minSamplesForETA = 3

type tracker struct {
	mu         sync.Mutex
	total      int64
	loaded     int64
	speedBps   float64
	samples    int
	lastSample time.Time
	onProgress func(Progress)
	now        func() time.Time // injectable for tests
}

func newTracker(total int64, onProgress func(Progress)) *tracker {
	return &tracker{
		total:      total,
		onProgress: onProgress,
		now:        time.Now,
	}
}

// advance records n more bytes sent and emits a progress callback.
func (t *tracker) advance(n int64) {
	t.mu.Lock()
	t.loaded += n
	if t.total > 0 && t.loaded > t.total {
		t.loaded = t.total
	}

	now := t.now()
	if !t.lastSample.IsZero() {
		dt := now.Sub(t.lastSample).Seconds()
		if dt > 0 {
			instant := float64(n) / dt
			if t.speedBps == 0 {
				t.speedBps = instant
			} else {
				t.speedBps = speedSmoothing*instant + (1-speedSmoothing)*t.speedBps
			}
			t.samples++
		}
	}
	t.lastSample = now

	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.emit(snapshot)
}

// finish emits the final callback with Loaded == Total.
func (t *tracker) finish() {
	t.mu.Lock()
	t.loaded = t.total
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.emit(snapshot)
}

func (t *tracker) snapshotLocked() Progress {
	p := Progress{
		Loaded:   t.loaded,
		Total:    t.total,
		SpeedBps: t.speedBps,
	}
	if t.total > 0 {
		p.Percent = int(math.Round(float64(t.loaded) / float64(t.total) * 100))
		if p.Percent > 100 {
			p.Percent = 100
		}
		if p.Percent < 0 {
			p.Percent = 0
		}
	}
	if t.samples >= minSamplesForETA && t.speedBps > 0 && t.loaded < t.total {
		eta := float64(t.total-t.loaded) / t.speedBps
		p.ETASeconds = &eta
	}
	return p
}

func (t *tracker) emit(p Progress) {
	if t.onProgress != nil {
		t.onProgress(p)
	}
}
