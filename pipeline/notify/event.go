// Package notify publishes pipeline lifecycle events: jobs starting,
// queueing, finishing, chaining, being skipped or canceled. Consumers
// are the structured log and any attached WebSocket listeners.
package notify

import (
	"time"

	"go.uber.org/zap"
)

// Kind classifies an event for consumers that filter or style them.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Event is a single pipeline notification.
type Event struct {
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	At          time.Time `json:"at"`
}

// Bus receives events. Publish must not block the pipeline; slow
// consumers drop rather than stall.
type Bus interface {
	Publish(ev Event)
}

// LogBus writes every event to the structured log.
type LogBus struct {
	logger *zap.SugaredLogger
}

func NewLogBus(logger *zap.SugaredLogger) *LogBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogBus{logger: logger}
}

func (b *LogBus) Publish(ev Event) {
	fields := []interface{}{"title", ev.Title}
	if ev.JobID != "" {
		fields = append(fields, "job_id", ev.JobID)
	}
	if ev.Description != "" {
		fields = append(fields, "description", ev.Description)
	}
	switch ev.Kind {
	case KindError:
		b.logger.Errorw("pipeline event", fields...)
	case KindWarning:
		b.logger.Warnw("pipeline event", fields...)
	default:
		b.logger.Infow("pipeline event", fields...)
	}
}

// MultiBus fans an event out to several buses.
type MultiBus []Bus

func (m MultiBus) Publish(ev Event) {
	for _, b := range m {
		b.Publish(ev)
	}
}

// NopBus discards everything.
type NopBus struct{}

func (NopBus) Publish(Event) {}
