// Package saga tracks the progress of one multi-step operation spanning
// systems without a shared transaction, and undoes completed steps when a
// later one fails.
//
// Each completed step may push a Compensation. On failure the stack is
// unwound most-recent-first, so only completed steps are ever compensated.
// Compensation failures are reported to the observer as CleanupError
// values and never returned: the caller already has the primary error.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtlprog/agentprov/internal/telemetry"
)

// DefaultCompensationTimeout bounds each compensation when none is configured.
const DefaultCompensationTimeout = 10 * time.Second

// ErrCleanupSkipped is returned by a compensation that decided there is
// nothing it can safely undo. It is reported as skipped, not failed.
var ErrCleanupSkipped = errors.New("cleanup skipped")

// Step names a forward step of a saga.
type Step string

// Compensation undoes the side effects of one completed step.
type Compensation struct {
	// Step is the forward step this compensation undoes.
	Step Step
	// Action names the compensation in events, e.g. "restore_quota".
	Action string
	Run    func(ctx context.Context) error
}

// CleanupError reports a compensation that failed. It is delivered through
// the observer only.
type CleanupError struct {
	SagaID string
	Step   Step
	Action string
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("saga %s: compensating %s (%s): %v", e.SagaID, e.Step, e.Action, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// Log is the per-request stack of pending compensations. It is not safe
// for concurrent use; one saga runs its steps sequentially.
type Log struct {
	base     telemetry.Event
	observer telemetry.Observer
	timeout  time.Duration
	now      func() time.Time
	stack    []Compensation
}

// NewLog creates a Log. base carries the saga, project and agent
// identifiers stamped on every event.
func NewLog(base telemetry.Event, observer telemetry.Observer, timeout time.Duration) *Log {
	if observer == nil {
		observer = telemetry.Nop
	}
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}
	return &Log{
		base:     base,
		observer: observer,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Complete records that step finished. A non-nil compensation is pushed
// onto the undo stack.
func (l *Log) Complete(step Step, compensation *Compensation) {
	if compensation != nil {
		c := *compensation
		c.Step = step
		l.stack = append(l.stack, c)
	}
}

// Pending returns the actions still on the undo stack, most recent first.
func (l *Log) Pending() []string {
	actions := make([]string, 0, len(l.stack))
	for i := len(l.stack) - 1; i >= 0; i-- {
		actions = append(actions, l.stack[i].Action)
	}
	return actions
}

// Unwind runs every pending compensation, most recent first, and empties
// the stack. Compensations run detached from ctx cancellation so a
// disconnecting client cannot leave cleanup half done; each one is bounded
// by the log's timeout instead.
func (l *Log) Unwind(ctx context.Context) {
	detached := context.WithoutCancel(ctx)

	for len(l.stack) > 0 {
		c := l.stack[len(l.stack)-1]
		l.stack = l.stack[:len(l.stack)-1]

		started := l.now()
		err := l.run(detached, c)

		event := l.base
		event.Step = c.Action
		event.Duration = l.now().Sub(started)
		event.Time = l.now()

		switch {
		case err == nil:
			event.Outcome = telemetry.OutcomeCompensated
		case errors.Is(err, ErrCleanupSkipped):
			event.Outcome = telemetry.OutcomeSkipped
			event.Err = err
		default:
			event.Outcome = telemetry.OutcomeCleanupFailed
			event.Err = &CleanupError{
				SagaID: l.base.SagaID,
				Step:   c.Step,
				Action: c.Action,
				Err:    err,
			}
		}
		l.observer.Observe(detached, event)
	}
}

func (l *Log) run(ctx context.Context, c Compensation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	return c.Run(ctx)
}
