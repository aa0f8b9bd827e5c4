package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/telemetry"
)

// DefaultStaleAfter is how old a reserved record must be before it is
// considered abandoned by a crashed provisioning request.
const DefaultStaleAfter = 15 * time.Minute

const stepReleaseReservation = "release_stale_reservation"

// ReservationStore is a QuotaStore that can find projects with reserved records.
type ReservationStore interface {
	QuotaStore
	ListProjectsWithReservations(ctx context.Context) ([]string, error)
}

// ReconcileService releases slots held by reservations that never reached
// finalization, e.g. because the process died between steps.
type ReconcileService struct {
	store    ReservationStore
	locks    *ProjectLocks
	observer telemetry.Observer
	now      func() time.Time
}

// NewReconcileService creates a new ReconcileService. locks may be shared
// with a ProvisioningService in the same process.
func NewReconcileService(store ReservationStore, locks *ProjectLocks, observer telemetry.Observer) *ReconcileService {
	if locks == nil {
		locks = NewProjectLocks()
	}
	if observer == nil {
		observer = telemetry.Nop
	}
	return &ReconcileService{
		store:    store,
		locks:    locks,
		observer: observer,
		now:      time.Now,
	}
}

// ReleaseStaleReservations removes reserved records older than staleAfter
// from every project. Returns the number of released slots, and an error if
// any project failed.
//
// The upstream agent of a released reservation is not deleted: its name is
// not confirmed until finalization, so a possible orphan is only reported.
func (s *ReconcileService) ReleaseStaleReservations(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	projectIDs, err := s.store.ListProjectsWithReservations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list projects with reservations: %w", err)
	}

	if len(projectIDs) == 0 {
		slog.Info("no reservations found")
		return 0, nil
	}

	cutoff := s.now().Add(-staleAfter)
	released := 0
	var errs []error
	for _, projectID := range projectIDs {
		n, err := s.releaseProject(ctx, projectID, cutoff)
		released += n
		if err != nil {
			slog.Error("failed to release stale reservations",
				"project_id", projectID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("project %s: %w", projectID, err))
		}
	}

	slog.Info("released stale reservations",
		"projects", len(projectIDs),
		"released", released,
		"failed", len(errs),
	)

	if len(errs) > 0 {
		return released, fmt.Errorf("reconciled %d projects, %d failures: %v",
			len(projectIDs), len(errs), errs)
	}

	return released, nil
}

func (s *ReconcileService) releaseProject(ctx context.Context, projectID string, cutoff time.Time) (int, error) {
	release, err := s.locks.Lock(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("acquire project lock: %w", err)
	}
	defer release()

	state, _, err := s.store.Load(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load quota document: %w", err)
	}

	now := s.now()
	var removed []domain.AgentRecord
	for i := len(state.Agents) - 1; i >= 0; i-- {
		agent := state.Agents[i]
		if agent.Status != domain.AgentStatusReserved || agent.CreatedAt.After(cutoff) {
			continue
		}
		removed = append(removed, state.RemoveAgent(i, now))
	}

	if len(removed) == 0 {
		return 0, nil
	}

	if err := s.store.Save(ctx, projectID, state); err != nil {
		return 0, fmt.Errorf("save quota document: %w", err)
	}

	for _, agent := range removed {
		s.observer.Observe(ctx, telemetry.Event{
			ProjectID: projectID,
			AgentID:   agent.ID,
			Step:      stepReleaseReservation,
			Outcome:   telemetry.OutcomeSkipped,
			Err:       fmt.Errorf("released reservation from %s; upstream agent %q may be orphaned", agent.CreatedAt.Format(time.RFC3339), agent.Name),
			Time:      now,
		})
	}

	return len(removed), nil
}
