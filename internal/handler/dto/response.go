package dto

import (
	"time"

	"github.com/mtlprog/agentprov/internal/domain"
)

// ProvisionAgentResponse represents the response for a provisioned agent.
type ProvisionAgentResponse struct {
	Success   bool   `json:"success"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
	SagaID    string `json:"sagaId,omitempty"`
}

// AgentRecordResponse represents one agent in a quota view.
type AgentRecordResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// QuotaResponse represents the response for GET /projects/{projectId}/quota.
type QuotaResponse struct {
	ProjectID   string                `json:"projectId"`
	MaxAgents   int                   `json:"maxAgents"`
	ActiveCount int                   `json:"activeCount"`
	Agents      []AgentRecordResponse `json:"agents"`
	LastUpdated time.Time             `json:"lastUpdated"`
}

// ToProvisionAgentResponse converts domain.ProvisionResult to ProvisionAgentResponse.
func ToProvisionAgentResponse(result *domain.ProvisionResult) ProvisionAgentResponse {
	return ProvisionAgentResponse{
		Success:   true,
		AgentID:   result.AgentID,
		AgentName: result.AgentName,
		SagaID:    result.SagaID,
	}
}

// ToQuotaResponse converts domain.QuotaState to QuotaResponse.
func ToQuotaResponse(state *domain.QuotaState) QuotaResponse {
	agents := make([]AgentRecordResponse, 0, len(state.Agents))
	for _, a := range state.Agents {
		agents = append(agents, AgentRecordResponse{
			ID:        a.ID,
			Name:      a.Name,
			Status:    string(a.Status),
			CreatedAt: a.CreatedAt,
		})
	}

	return QuotaResponse{
		ProjectID:   state.ProjectID,
		MaxAgents:   state.Limits.MaxAgents,
		ActiveCount: state.Usage.ActiveCount,
		Agents:      agents,
		LastUpdated: state.LastUpdated,
	}
}
