package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/service"
	"github.com/mtlprog/agentprov/internal/telemetry"
)

// ReconcileServiceTestSuite is the test suite for ReconcileService.
type ReconcileServiceTestSuite struct {
	suite.Suite
	store    *memStore
	recorder *eventRecorder
	svc      *service.ReconcileService
}

// SetupTest runs before each test.
func (s *ReconcileServiceTestSuite) SetupTest() {
	s.store = newMemStore(nil)
	s.recorder = &eventRecorder{}
	s.svc = service.NewReconcileService(s.store, service.NewProjectLocks(), s.recorder)
}

func (s *ReconcileServiceTestSuite) seed(projectID string, agents ...domain.AgentRecord) {
	state := domain.NewDefaultQuotaState(projectID, 5, time.Now().UTC())
	state.Agents = agents
	state.Usage.ActiveCount = state.HeldSlots()
	s.store.addProject(projectID, state)
}

// TestReleaseStaleReservations releases only reserved records older than the cutoff.
func (s *ReconcileServiceTestSuite) TestReleaseStaleReservations() {
	now := time.Now().UTC()
	s.seed("p1",
		domain.AgentRecord{ID: "active", Status: domain.AgentStatusActive, CreatedAt: now.Add(-2 * time.Hour)},
		domain.AgentRecord{ID: "stale", Name: "stale-name", Status: domain.AgentStatusReserved, CreatedAt: now.Add(-time.Hour)},
		domain.AgentRecord{ID: "fresh", Status: domain.AgentStatusReserved, CreatedAt: now},
	)
	s.seed("p2",
		domain.AgentRecord{ID: "old-1", Status: domain.AgentStatusReserved, CreatedAt: now.Add(-time.Hour)},
		domain.AgentRecord{ID: "old-2", Status: domain.AgentStatusReserved, CreatedAt: now.Add(-30 * time.Minute)},
	)
	s.seed("p3",
		domain.AgentRecord{ID: "only-active", Status: domain.AgentStatusActive, CreatedAt: now.Add(-time.Hour)},
	)

	released, err := s.svc.ReleaseStaleReservations(context.Background(), 15*time.Minute)
	s.Require().NoError(err)
	s.Equal(3, released)

	p1 := s.store.get("p1")
	s.Equal([]string{"active", "fresh"}, agentIDs(p1))
	s.Equal(2, p1.Usage.ActiveCount)

	p2 := s.store.get("p2")
	s.Empty(p2.Agents)
	s.Equal(0, p2.Usage.ActiveCount)

	p3 := s.store.get("p3")
	s.Equal(int64(0), p3.Version)

	events := s.recorder.all()
	s.Len(events, 3)
	for _, event := range events {
		s.Equal("release_stale_reservation", event.Step)
		s.Equal(telemetry.OutcomeSkipped, event.Outcome)
	}
	s.Contains(events[0].Err.Error(), "stale-name")
}

// TestReleaseStaleReservations_NothingToDo tests an empty store.
func (s *ReconcileServiceTestSuite) TestReleaseStaleReservations_NothingToDo() {
	released, err := s.svc.ReleaseStaleReservations(context.Background(), time.Minute)
	s.Require().NoError(err)
	s.Zero(released)
}

// TestReleaseStaleReservations_PartialFailure keeps going after a failing project.
func (s *ReconcileServiceTestSuite) TestReleaseStaleReservations_PartialFailure() {
	old := time.Now().UTC().Add(-time.Hour)
	s.seed("p1", domain.AgentRecord{ID: "a", Status: domain.AgentStatusReserved, CreatedAt: old})
	s.seed("p2", domain.AgentRecord{ID: "b", Status: domain.AgentStatusReserved, CreatedAt: old})
	s.store.saveHook = func(n int) error {
		if n == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	released, err := s.svc.ReleaseStaleReservations(context.Background(), time.Minute)
	s.Require().Error(err)
	s.Contains(err.Error(), "p1")
	s.Equal(1, released)

	s.Len(s.store.get("p1").Agents, 1)
	s.Empty(s.store.get("p2").Agents)
}

func TestReconcileServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ReconcileServiceTestSuite))
}
