package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject saga events are published on.
const DefaultSubject = "agentprov.saga"

// eventMessage is the wire form of an Event.
type eventMessage struct {
	SagaID     string  `json:"saga_id"`
	ProjectID  string  `json:"project_id"`
	AgentID    string  `json:"agent_id"`
	Step       string  `json:"step"`
	Outcome    Outcome `json:"outcome"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

func encodeEvent(event Event) ([]byte, error) {
	msg := eventMessage{
		SagaID:     event.SagaID,
		ProjectID:  event.ProjectID,
		AgentID:    event.AgentID,
		Step:       event.Step,
		Outcome:    event.Outcome,
		DurationMS: event.Duration.Milliseconds(),
		Timestamp:  event.Time.UTC().Format(time.RFC3339Nano),
	}
	if event.Err != nil {
		msg.Error = event.Err.Error()
	}
	return json.Marshal(msg)
}

// NATSPublisher publishes saga events so that dashboards and alerting can
// follow provisioning without polling the quota store. Publish failures are
// logged and dropped.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// Observe implements Observer.
func (p *NATSPublisher) Observe(_ context.Context, event Event) {
	if p.conn == nil || p.conn.IsClosed() {
		return
	}

	payload, err := encodeEvent(event)
	if err != nil {
		p.logger.Warn("encode saga event", "error", err, "saga_id", event.SagaID)
		return
	}

	if err := p.conn.Publish(p.subject, payload); err != nil {
		p.logger.Warn("publish saga event",
			"error", err,
			"subject", p.subject,
			"saga_id", event.SagaID,
		)
	}
}
