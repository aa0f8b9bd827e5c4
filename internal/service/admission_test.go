package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/service"
)

func quotaWith(maxAgents int, agents ...domain.AgentRecord) *domain.QuotaState {
	state := domain.NewDefaultQuotaState("p", maxAgents, time.Now())
	state.Agents = agents
	state.Usage.ActiveCount = state.HeldSlots()
	return state
}

func TestAdmit(t *testing.T) {
	active := func(id string) domain.AgentRecord {
		return domain.AgentRecord{ID: id, Status: domain.AgentStatusActive}
	}
	reserved := func(id string) domain.AgentRecord {
		return domain.AgentRecord{ID: id, Status: domain.AgentStatusReserved}
	}

	tests := []struct {
		name    string
		state   *domain.QuotaState
		agentID string
		wantErr error
	}{
		{"empty project", quotaWith(2), "a", nil},
		{"one slot left", quotaWith(2, active("a")), "b", nil},
		{"at ceiling", quotaWith(2, active("a"), active("b")), "c", domain.ErrQuotaExceeded},
		{"reservation holds a slot", quotaWith(1, reserved("a")), "b", domain.ErrQuotaExceeded},
		{"duplicate id with capacity", quotaWith(3, active("a")), "a", domain.ErrAgentAlreadyExists},
		{"duplicate id at ceiling", quotaWith(1, active("a")), "a", domain.ErrAgentAlreadyExists},
		{"zero ceiling", quotaWith(0), "a", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "zero ceiling" {
				// NewDefaultQuotaState replaces a non-positive ceiling with the default.
				assert.Equal(t, domain.DefaultMaxAgents, tt.state.Limits.MaxAgents)
			}

			decision := service.Admit(tt.state, tt.agentID)
			if tt.wantErr == nil {
				assert.True(t, decision.Allowed)
				assert.NoError(t, decision.Err)
				return
			}
			assert.False(t, decision.Allowed)
			require.ErrorIs(t, decision.Err, tt.wantErr)
		})
	}
}

func TestAdmit_DoesNotMutate(t *testing.T) {
	state := quotaWith(1, domain.AgentRecord{ID: "a", Status: domain.AgentStatusActive})
	before := state.Clone()

	service.Admit(state, "b")

	assert.Equal(t, before, state)
}

func TestAdmit_CountsUsageNotRecords(t *testing.T) {
	// Admission trusts the counter even if it drifted from the records.
	state := quotaWith(2)
	state.Usage.ActiveCount = 2

	decision := service.Admit(state, "a")
	assert.False(t, decision.Allowed)
	assert.ErrorIs(t, decision.Err, domain.ErrQuotaExceeded)
	assert.Contains(t, decision.Err.Error(), "uses 2 of 2 agents")
}
