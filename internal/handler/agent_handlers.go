package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/handler/dto"
	"github.com/mtlprog/agentprov/internal/middleware"
)

// maxRequestBody bounds provisioning request bodies.
const maxRequestBody = 1 << 20

// handleProvisionAgent provisions a new agent in a project.
// @Summary Provision an agent
// @Description Reserves a quota slot, creates the agent in the control plane and commits the quota record. Any failure rolls back completed steps.
// @Tags agents
// @Accept json
// @Produce json
// @Param request body dto.ProvisionAgentRequest true "Provisioning request"
// @Success 200 {object} dto.ProvisionAgentResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 401 {object} dto.ErrorResponse
// @Failure 403 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Failure 429 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Security ApiKeyAuth
// @Router /agents [post]
func (h *Handler) handleProvisionAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Extract authenticated caller
	caller, err := middleware.GetCallerFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "INVALID_API_KEY", "Authentication required")
		return
	}

	// Parse request body
	var req dto.ProvisionAgentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	payload := req.Payload
	if bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = nil
	}

	result, err := h.provisioner.Provision(ctx, domain.ProvisionRequest{
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		AgentName: req.AgentName,
		Payload:   payload,
		Caller:    caller,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToProvisionAgentResponse(result))
}

// handleGetQuota returns the quota document of a project.
// @Summary Get project agent quota
// @Description Returns the agent ceiling, current usage and agent records. Initializes the default quota on first access.
// @Tags projects
// @Produce json
// @Param projectId path string true "Project ID"
// @Success 200 {object} dto.QuotaResponse
// @Failure 404 {object} dto.ErrorResponse
// @Security ApiKeyAuth
// @Router /projects/{projectId}/quota [get]
func (h *Handler) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID := r.PathValue("projectId")
	if projectID == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "projectId is required")
		return
	}

	state, _, err := h.quotas.Load(ctx, projectID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToQuotaResponse(state))
}
