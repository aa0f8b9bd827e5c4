// Package telemetry records provisioning saga progress as structured events
// keyed by saga step and outcome. Observers never return errors: a broken
// log sink, metrics registry or message bus must not change the result of
// a provisioning request.
package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is the result of one saga step or compensation.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeDenied        Outcome = "denied"
	OutcomeFailed        Outcome = "failed"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeCompensated   Outcome = "compensated"
	OutcomeCleanupFailed Outcome = "cleanup_failed"
)

// Event describes one step transition of a provisioning saga.
type Event struct {
	SagaID    string
	ProjectID string
	AgentID   string
	Step      string
	Outcome   Outcome
	Duration  time.Duration
	Err       error
	Time      time.Time
}

// Observer receives saga events.
type Observer interface {
	Observe(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event)

// Observe calls f(ctx, event).
func (f ObserverFunc) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

// Multi fans an event out to several observers in order.
type Multi []Observer

// Observe implements Observer.
func (m Multi) Observe(ctx context.Context, event Event) {
	for _, observer := range m {
		if observer != nil {
			observer.Observe(ctx, event)
		}
	}
}

// Nop discards events.
var Nop Observer = ObserverFunc(func(context.Context, Event) {})

// LogObserver writes saga events to a slog.Logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// Observe implements Observer.
func (o *LogObserver) Observe(ctx context.Context, event Event) {
	attrs := []slog.Attr{
		slog.String("saga_id", event.SagaID),
		slog.String("project_id", event.ProjectID),
		slog.String("agent_id", event.AgentID),
		slog.String("step", event.Step),
		slog.String("outcome", string(event.Outcome)),
		slog.Duration("duration", event.Duration),
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}

	level := slog.LevelInfo
	message := "saga step"
	switch event.Outcome {
	case OutcomeFailed:
		level = slog.LevelError
		message = "saga step failed"
	case OutcomeCleanupFailed:
		level = slog.LevelError
		message = "saga compensation failed, manual cleanup may be required"
	case OutcomeSkipped:
		level = slog.LevelWarn
		message = "saga compensation skipped"
	case OutcomeCompensated:
		message = "saga step compensated"
	case OutcomeDenied:
		message = "saga admission denied"
	}

	o.logger.LogAttrs(ctx, level, message, attrs...)
}
