package domain

import (
	"encoding/json"
	"fmt"
)

// ProvisionRequest is the input of one provisioning saga.
type ProvisionRequest struct {
	ProjectID string
	AgentID   string
	AgentName string
	// Payload is forwarded to the control plane verbatim.
	Payload json.RawMessage
	Caller  *Caller
}

// ProvisionResult is returned when all three saga steps committed.
type ProvisionResult struct {
	AgentID   string
	AgentName string
	SagaID    string
}

// FailureKind classifies a saga failure that happened after admission.
type FailureKind string

const (
	FailureReservationPersist FailureKind = "RESERVATION_PERSIST_ERROR"
	FailureUpstreamCreate     FailureKind = "UPSTREAM_CREATE_ERROR"
	FailureFinalization       FailureKind = "FINALIZATION_ERROR"
	FailureCritical           FailureKind = "CRITICAL_FAILURE"
)

// ProvisionError is returned by the orchestrator once a saga has started
// touching state. By the time the caller sees it, compensations for every
// completed step have already been attempted.
type ProvisionError struct {
	Kind    FailureKind
	SagaID  string
	Details string
	Err     error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Details, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Details)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
