package service

import (
	"fmt"

	"github.com/mtlprog/agentprov/internal/domain"
)

// Decision is the outcome of an admission check. Err is set when the
// request is denied and wraps ErrQuotaExceeded or ErrAgentAlreadyExists.
type Decision struct {
	Allowed bool
	Err     error
}

// Admit decides whether agentID may take a new slot in the project
// described by state. It has no side effects.
//
// An agent ID that already has a record is denied regardless of capacity,
// which makes a retried request unable to reserve a second slot.
func Admit(state *domain.QuotaState, agentID string) Decision {
	if state.FindAgent(agentID) >= 0 {
		return Decision{
			Err: fmt.Errorf("%w: agent %s in project %s", domain.ErrAgentAlreadyExists, agentID, state.ProjectID),
		}
	}

	if !state.HasCapacity() {
		return Decision{
			Err: fmt.Errorf("%w: project %s uses %d of %d agents",
				domain.ErrQuotaExceeded, state.ProjectID, state.Usage.ActiveCount, state.Limits.MaxAgents),
		}
	}

	return Decision{Allowed: true}
}
