package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/handler/dto"
	"github.com/mtlprog/agentprov/internal/middleware"
	"github.com/mtlprog/agentprov/internal/static"
)

// Provisioner runs the agent provisioning saga.
type Provisioner interface {
	Provision(ctx context.Context, req domain.ProvisionRequest) (*domain.ProvisionResult, error)
}

// QuotaReader loads a project's quota document.
type QuotaReader interface {
	Load(ctx context.Context, projectID string) (*domain.QuotaState, bool, error)
}

// Pinger checks that the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Provisioner Provisioner
	Quotas      QuotaReader
	Callers     middleware.CallerLookup
	DB          Pinger
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// RateLimiter guards the provisioning route when set.
	RateLimiter *middleware.RateLimiter
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	provisioner    Provisioner
	quotas         QuotaReader
	db             Pinger
	metrics        http.Handler
	rateLimiter    *middleware.RateLimiter
	authMiddleware *middleware.AuthMiddleware
}

// New creates a new Handler instance with all dependencies.
func New(deps Dependencies) *Handler {
	return &Handler{
		provisioner:    deps.Provisioner,
		quotas:         deps.Quotas,
		db:             deps.DB,
		metrics:        deps.Metrics,
		rateLimiter:    deps.RateLimiter,
		authMiddleware: middleware.NewAuthMiddleware(deps.Callers),
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	// Static files for AI agents
	mux.HandleFunc("GET /skill.md", h.handleSkillMd)

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	// API v1 routes with authentication
	var provision http.Handler = http.HandlerFunc(h.handleProvisionAgent)
	if h.rateLimiter != nil {
		provision = h.rateLimiter.Limit(provision)
	}
	mux.Handle("POST /api/v1/agents", h.authMiddleware.Authenticate(provision))
	mux.Handle("GET /api/v1/projects/{projectId}/quota", h.authMiddleware.Authenticate(http.HandlerFunc(h.handleGetQuota)))
}

// handleHealthz returns 200 OK if the database is reachable.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			slog.Error("database health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// handleSkillMd serves the embedded skill.md file for AI agents.
func (h *Handler) handleSkillMd(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(static.SkillMd))
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a standard error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, dto.NewErrorResponse(code, message))
}

// respondDomainError maps a service error to a status and error body.
func respondDomainError(w http.ResponseWriter, err error) {
	status, resp := dto.NewDomainErrorResponse(err)
	respondJSON(w, status, resp)
}
