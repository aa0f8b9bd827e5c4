package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mtlprog/agentprov/internal/domain"
)

// reservedFilter matches quota documents holding at least one reserved record.
const reservedFilter = `[{"status":"reserved"}]`

// QuotaRepository stores one agent quota document per project. Documents
// are replaced wholesale; concurrent writers are detected with a version
// compare-and-swap instead of row locks held across the saga.
type QuotaRepository struct {
	pool             *pgxpool.Pool
	defaultMaxAgents int
	now              func() time.Time
}

// NewQuotaRepository creates a new QuotaRepository. defaultMaxAgents is the
// ceiling written when a project is accessed for the first time.
func NewQuotaRepository(pool *pgxpool.Pool, defaultMaxAgents int) *QuotaRepository {
	if defaultMaxAgents <= 0 {
		defaultMaxAgents = domain.DefaultMaxAgents
	}
	return &QuotaRepository{
		pool:             pool,
		defaultMaxAgents: defaultMaxAgents,
		now:              time.Now,
	}
}

// Load returns the quota document of a project. If the project exists but
// has no document yet, the default one is persisted and returned with
// existed=false.
func (r *QuotaRepository) Load(ctx context.Context, projectID string) (*domain.QuotaState, bool, error) {
	state, err := r.get(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if state != nil {
		return state, true, nil
	}

	if err := r.insertDefault(ctx, projectID); err != nil {
		return nil, false, err
	}

	// Re-read so that a concurrent initializer's document wins over ours.
	state, err = r.get(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if state == nil {
		return nil, false, fmt.Errorf("quota document for project %s missing after initialization", projectID)
	}

	slog.Info("quota document initialized",
		"project_id", projectID,
		"max_agents", state.Limits.MaxAgents,
	)

	return state, false, nil
}

// get returns (nil, nil) when the project exists without a quota document.
func (r *QuotaRepository) get(ctx context.Context, projectID string) (*domain.QuotaState, error) {
	query, args, err := psql.
		Select("p.id", "q.max_agents", "q.active_count", "q.agents", "q.version", "q.last_updated").
		From("projects p").
		LeftJoin("project_agent_quotas q ON q.project_id = p.id").
		Where(sq.Eq{"p.id": projectID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build Load query for project %s: %w", projectID, err)
	}

	var (
		id          string
		maxAgents   *int
		activeCount *int
		agentsJSON  []byte
		version     *int64
		lastUpdated *time.Time
	)
	err = r.pool.QueryRow(ctx, query, args...).Scan(
		&id,
		&maxAgents,
		&activeCount,
		&agentsJSON,
		&version,
		&lastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
		}
		return nil, fmt.Errorf("query quota document: %w", err)
	}

	if maxAgents == nil {
		return nil, nil
	}

	state := &domain.QuotaState{
		ProjectID:   id,
		Limits:      domain.QuotaLimits{MaxAgents: *maxAgents},
		Usage:       domain.QuotaUsage{ActiveCount: *activeCount},
		Agents:      []domain.AgentRecord{},
		LastUpdated: *lastUpdated,
		Version:     *version,
	}
	if len(agentsJSON) > 0 {
		if err := json.Unmarshal(agentsJSON, &state.Agents); err != nil {
			return nil, fmt.Errorf("parse agents of project %s: %w", projectID, err)
		}
	}

	return state, nil
}

func (r *QuotaRepository) insertDefault(ctx context.Context, projectID string) error {
	state := domain.NewDefaultQuotaState(projectID, r.defaultMaxAgents, r.now())

	query, args, err := psql.
		Insert("project_agent_quotas").
		Columns("project_id", "max_agents", "active_count", "agents", "version", "last_updated").
		Values(projectID, state.Limits.MaxAgents, 0, "[]", 0, state.LastUpdated).
		Suffix("ON CONFLICT (project_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build default quota insert for project %s: %w", projectID, err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert default quota document: %w", err)
	}
	return nil
}

// Save replaces the quota document of a project. The write only applies if
// the stored version still equals state.Version; on success state.Version
// is advanced to the stored value. A lost race returns ErrQuotaConflict.
func (r *QuotaRepository) Save(ctx context.Context, projectID string, state *domain.QuotaState) error {
	agents := state.Agents
	if agents == nil {
		agents = []domain.AgentRecord{}
	}
	agentsJSON, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("encode agents of project %s: %w", projectID, err)
	}

	query, args, err := psql.
		Update("project_agent_quotas").
		Set("max_agents", state.Limits.MaxAgents).
		Set("active_count", state.Usage.ActiveCount).
		Set("agents", string(agentsJSON)).
		Set("last_updated", state.LastUpdated).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{
			"project_id": projectID,
			"version":    state.Version,
		}).
		Suffix("RETURNING version").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Save query for project %s: %w", projectID, err)
	}

	var version int64
	err = r.pool.QueryRow(ctx, query, args...).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: project %s expected version %d", domain.ErrQuotaConflict, projectID, state.Version)
		}
		return fmt.Errorf("save quota document: %w", err)
	}

	state.Version = version
	return nil
}

// ListProjectsWithReservations returns the IDs of projects whose document
// still holds reserved records.
func (r *QuotaRepository) ListProjectsWithReservations(ctx context.Context) ([]string, error) {
	query, args, err := psql.
		Select("project_id").
		From("project_agent_quotas").
		Where(sq.Expr("agents @> ?::jsonb", reservedFilter)).
		OrderBy("project_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ListProjectsWithReservations query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects with reservations: %w", err)
	}

	projectIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect project ids: %w", err)
	}
	return projectIDs, nil
}
