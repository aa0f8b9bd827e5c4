package dto

import "encoding/json"

// ProvisionAgentRequest represents the request body for POST /agents.
type ProvisionAgentRequest struct {
	ProjectID string          `json:"projectId"`
	AgentID   string          `json:"agentId"`
	AgentName string          `json:"agentName,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}
