package repository_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"github.com/mtlprog/agentprov/internal/database"
	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/repository"
)

// RepositoryTestSuite runs the repositories against PostgreSQL.
type RepositoryTestSuite struct {
	suite.Suite
	pool       *pgxpool.Pool
	quotaRepo  *repository.QuotaRepository
	callerRepo *repository.CallerRepository
}

// SetupSuite runs once before all tests.
func (s *RepositoryTestSuite) SetupSuite() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		s.T().Skip("DATABASE_URL is not set")
	}

	ctx := context.Background()

	db, err := database.New(ctx, databaseURL)
	s.Require().NoError(err, "failed to connect to database")
	s.pool = db.Pool()

	err = database.RunMigrations(ctx, s.pool)
	s.Require().NoError(err, "failed to run migrations")

	s.quotaRepo = repository.NewQuotaRepository(s.pool, 2)
	s.callerRepo = repository.NewCallerRepository(s.pool)
}

// SetupTest runs before each test.
func (s *RepositoryTestSuite) SetupTest() {
	ctx := context.Background()

	_, err := s.pool.Exec(ctx, "TRUNCATE projects, project_agent_quotas, api_keys CASCADE")
	s.Require().NoError(err, "failed to truncate tables")

	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (id, name)
		VALUES ('proj-1', 'Project One'), ('proj-2', 'Project Two')
	`)
	s.Require().NoError(err, "failed to create projects")
}

// TearDownSuite runs once after all tests.
func (s *RepositoryTestSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

// TestLoad_InitializesDefault tests lazy creation of the quota document.
func (s *RepositoryTestSuite) TestLoad_InitializesDefault() {
	ctx := context.Background()

	state, existed, err := s.quotaRepo.Load(ctx, "proj-1")
	s.Require().NoError(err)
	s.False(existed)
	s.Equal(2, state.Limits.MaxAgents)
	s.Equal(0, state.Usage.ActiveCount)
	s.Empty(state.Agents)

	again, existed, err := s.quotaRepo.Load(ctx, "proj-1")
	s.Require().NoError(err)
	s.True(existed)
	s.Equal(state.Version, again.Version)
}

// TestLoad_ProjectNotFound tests an unknown project.
func (s *RepositoryTestSuite) TestLoad_ProjectNotFound() {
	_, _, err := s.quotaRepo.Load(context.Background(), "missing")
	s.ErrorIs(err, domain.ErrProjectNotFound)
}

// TestSave_RoundTripAndVersion tests whole-document replacement.
func (s *RepositoryTestSuite) TestSave_RoundTripAndVersion() {
	ctx := context.Background()

	state, _, err := s.quotaRepo.Load(ctx, "proj-1")
	s.Require().NoError(err)
	startVersion := state.Version

	now := time.Now().UTC().Truncate(time.Microsecond)
	state.Agents = append(state.Agents, domain.AgentRecord{
		ID:        "A",
		Name:      "agent-a",
		CreatedAt: now,
		Status:    domain.AgentStatusReserved,
	})
	state.Usage.ActiveCount = 1
	state.LastUpdated = now

	s.Require().NoError(s.quotaRepo.Save(ctx, "proj-1", state))
	s.Equal(startVersion+1, state.Version)

	loaded, existed, err := s.quotaRepo.Load(ctx, "proj-1")
	s.Require().NoError(err)
	s.True(existed)
	s.Equal(state.Version, loaded.Version)
	s.Equal(1, loaded.Usage.ActiveCount)
	s.Require().Len(loaded.Agents, 1)
	s.Equal("A", loaded.Agents[0].ID)
	s.Equal(domain.AgentStatusReserved, loaded.Agents[0].Status)
	s.True(now.Equal(loaded.Agents[0].CreatedAt))
	s.True(now.Equal(loaded.LastUpdated))
}

// TestSave_StaleVersionConflicts tests the compare-and-swap.
func (s *RepositoryTestSuite) TestSave_StaleVersionConflicts() {
	ctx := context.Background()

	first, _, err := s.quotaRepo.Load(ctx, "proj-1")
	s.Require().NoError(err)
	second := first.Clone()

	first.Usage.ActiveCount = 1
	s.Require().NoError(s.quotaRepo.Save(ctx, "proj-1", first))

	second.Usage.ActiveCount = 1
	err = s.quotaRepo.Save(ctx, "proj-1", second)
	s.ErrorIs(err, domain.ErrQuotaConflict)
}

// TestListProjectsWithReservations tests the JSONB containment filter.
func (s *RepositoryTestSuite) TestListProjectsWithReservations() {
	ctx := context.Background()

	for _, projectID := range []string{"proj-1", "proj-2"} {
		state, _, err := s.quotaRepo.Load(ctx, projectID)
		s.Require().NoError(err)

		status := domain.AgentStatusActive
		if projectID == "proj-2" {
			status = domain.AgentStatusReserved
		}
		state.Agents = []domain.AgentRecord{{ID: "x", Name: "x", Status: status, CreatedAt: time.Now()}}
		state.Usage.ActiveCount = 1
		s.Require().NoError(s.quotaRepo.Save(ctx, projectID, state))
	}

	ids, err := s.quotaRepo.ListProjectsWithReservations(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"proj-2"}, ids)
}

// TestCallerRepository_CreateAndLookup tests API key issuing.
func (s *RepositoryTestSuite) TestCallerRepository_CreateAndLookup() {
	ctx := context.Background()

	created, key, err := s.callerRepo.Create(ctx, "dashboard")
	s.Require().NoError(err)
	s.NotEmpty(created.ID)
	s.True(created.IsActive)
	s.Equal(repository.HashAPIKey(key), created.KeyHash)
	s.NotContains(created.KeyHash, key)

	found, err := s.callerRepo.GetByAPIKey(ctx, key)
	s.Require().NoError(err)
	s.Equal(created.ID, found.ID)
	s.Equal("dashboard", found.Name)

	_, err = s.callerRepo.GetByAPIKey(ctx, "apk_unknown")
	s.ErrorIs(err, domain.ErrCallerNotFound)
}
