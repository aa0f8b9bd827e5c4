package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mtlprog/agentprov/internal/controlplane"
	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/saga"
	"github.com/mtlprog/agentprov/internal/telemetry"
)

// Saga steps and compensation actions, as they appear in events and metrics.
const (
	stepReserve        saga.Step = "reserve"
	stepCreateUpstream saga.Step = "create_upstream"
	stepFinalize       saga.Step = "finalize"

	actionRestoreQuota   = "restore_quota"
	actionDeleteUpstream = "delete_upstream_agent"
)

const (
	defaultStoreTimeout        = 5 * time.Second
	defaultControlPlaneTimeout = 15 * time.Second
)

// QuotaStore loads and replaces per-project quota documents.
type QuotaStore interface {
	Load(ctx context.Context, projectID string) (*domain.QuotaState, bool, error)
	Save(ctx context.Context, projectID string, state *domain.QuotaState) error
}

// ControlPlane creates and deletes runtime agents.
type ControlPlane interface {
	CreateAgent(ctx context.Context, payload json.RawMessage) (*controlplane.CreateAgentResponse, error)
	DeleteAgent(ctx context.Context, agentName string) error
}

// ProvisioningOptions tunes a ProvisioningService. Zero values use defaults.
type ProvisioningOptions struct {
	StoreTimeout        time.Duration
	ControlPlaneTimeout time.Duration
	CompensationTimeout time.Duration
	Observer            telemetry.Observer
	Locks               *ProjectLocks
	Now                 func() time.Time
	NewSagaID           func() string
}

// sagaState is a position in the provisioning state machine.
type sagaState int

const (
	stateStart sagaState = iota
	stateReserved
	stateUpstreamCreated
	stateFinalized
	stateRolledBack
)

func (s sagaState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateReserved:
		return "reserved"
	case stateUpstreamCreated:
		return "upstream_created"
	case stateFinalized:
		return "finalized"
	case stateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// execution is the per-request data of one saga run.
type execution struct {
	req    domain.ProvisionRequest
	sagaID string
	log    *saga.Log

	// original is the document as read before the reservation. working is
	// the last document this saga persisted; its Version is the one the
	// next write must match.
	original *domain.QuotaState
	working  *domain.QuotaState

	upstreamName string
	recordName   string
}

func (x *execution) fail(kind domain.FailureKind, details string, err error) *domain.ProvisionError {
	return &domain.ProvisionError{Kind: kind, SagaID: x.sagaID, Details: details, Err: err}
}

// sagaStep advances the state machine by one transition.
type sagaStep struct {
	name saga.Step
	run  func(ctx context.Context, x *execution) (sagaState, error)
}

// ProvisioningService runs the agent provisioning saga: reserve a quota
// slot, create the agent in the control plane, then finalize the quota
// record. A failure at any step undoes the completed steps in reverse order.
type ProvisioningService struct {
	store               QuotaStore
	controlPlane        ControlPlane
	locks               *ProjectLocks
	observer            telemetry.Observer
	storeTimeout        time.Duration
	controlPlaneTimeout time.Duration
	compensationTimeout time.Duration
	now                 func() time.Time
	newSagaID           func() string
	steps               map[sagaState]sagaStep
}

// NewProvisioningService creates a new ProvisioningService.
func NewProvisioningService(store QuotaStore, controlPlane ControlPlane, opts ProvisioningOptions) *ProvisioningService {
	s := &ProvisioningService{
		store:               store,
		controlPlane:        controlPlane,
		locks:               opts.Locks,
		observer:            opts.Observer,
		storeTimeout:        opts.StoreTimeout,
		controlPlaneTimeout: opts.ControlPlaneTimeout,
		compensationTimeout: opts.CompensationTimeout,
		now:                 opts.Now,
		newSagaID:           opts.NewSagaID,
	}
	if s.locks == nil {
		s.locks = NewProjectLocks()
	}
	if s.observer == nil {
		s.observer = telemetry.Nop
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = defaultStoreTimeout
	}
	if s.controlPlaneTimeout <= 0 {
		s.controlPlaneTimeout = defaultControlPlaneTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newSagaID == nil {
		s.newSagaID = uuid.NewString
	}

	s.steps = map[sagaState]sagaStep{
		stateStart:           {name: stepReserve, run: s.reserve},
		stateReserved:        {name: stepCreateUpstream, run: s.createUpstream},
		stateUpstreamCreated: {name: stepFinalize, run: s.finalize},
	}
	return s
}

// validateRequest rejects requests before any state is read.
func validateRequest(req domain.ProvisionRequest) error {
	if req.Caller == nil || !req.Caller.IsActive {
		return domain.ErrUnauthenticated
	}
	if req.ProjectID == "" {
		return fmt.Errorf("%w: projectId is required", domain.ErrValidation)
	}
	if req.AgentID == "" {
		return fmt.Errorf("%w: agentId is required", domain.ErrValidation)
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}
	return nil
}

// Provision runs the saga for one request. Errors wrapping ErrValidation,
// ErrUnauthenticated, ErrProjectNotFound, ErrQuotaExceeded or
// ErrAgentAlreadyExists mean nothing was changed. A *domain.ProvisionError
// means compensations for all completed steps have been attempted.
func (s *ProvisioningService) Provision(ctx context.Context, req domain.ProvisionRequest) (*domain.ProvisionResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	x := &execution{req: req, sagaID: s.newSagaID()}
	x.log = saga.NewLog(telemetry.Event{
		SagaID:    x.sagaID,
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
	}, s.observer, s.compensationTimeout)

	release, err := s.locks.Lock(ctx, req.ProjectID)
	if err != nil {
		return nil, x.fail(domain.FailureCritical, "waiting for project lock", err)
	}
	defer release()

	state := stateStart
	for state != stateFinalized {
		next, err := s.runStep(ctx, x, state)
		if err != nil {
			if pending := x.log.Pending(); len(pending) > 0 {
				slog.Warn("rolling back provisioning saga",
					"saga_id", x.sagaID,
					"project_id", req.ProjectID,
					"agent_id", req.AgentID,
					"failed_in", state.String(),
					"compensations", pending,
				)
			}
			x.log.Unwind(ctx)
			return nil, err
		}
		state = next
	}

	slog.Info("agent provisioned",
		"saga_id", x.sagaID,
		"project_id", req.ProjectID,
		"agent_id", req.AgentID,
		"agent_name", x.recordName,
		"caller_id", req.Caller.ID,
	)

	return &domain.ProvisionResult{
		AgentID:   req.AgentID,
		AgentName: x.recordName,
		SagaID:    x.sagaID,
	}, nil
}

// runStep executes the transition leaving state. Panics and errors that a
// step did not classify become CriticalFailure; the caller unwinds the
// compensation log either way, so cleanup follows recorded progress rather
// than the kind of failure.
func (s *ProvisioningService) runStep(ctx context.Context, x *execution, state sagaState) (next sagaState, err error) {
	step, ok := s.steps[state]
	if !ok {
		return stateRolledBack, x.fail(domain.FailureCritical, fmt.Sprintf("no transition from state %s", state), nil)
	}

	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			next = stateRolledBack
			err = x.fail(domain.FailureCritical, fmt.Sprintf("panic during %s", step.name), fmt.Errorf("%v", r))
		}
		if err != nil {
			err = classify(x, step.name, err)
		}
		s.observeStep(ctx, x, step.name, started, err)
	}()

	return step.run(ctx, x)
}

// classify keeps caller-facing sentinels and typed saga failures, and turns
// anything else into a CriticalFailure.
func classify(x *execution, step saga.Step, err error) error {
	var provisionErr *domain.ProvisionError
	switch {
	case errors.As(err, &provisionErr):
		return err
	case errors.Is(err, domain.ErrQuotaExceeded),
		errors.Is(err, domain.ErrAgentAlreadyExists),
		errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, domain.ErrValidation):
		return err
	default:
		return x.fail(domain.FailureCritical, fmt.Sprintf("unexpected error during %s", step), err)
	}
}

func (s *ProvisioningService) observeStep(ctx context.Context, x *execution, step saga.Step, started time.Time, err error) {
	event := telemetry.Event{
		SagaID:    x.sagaID,
		ProjectID: x.req.ProjectID,
		AgentID:   x.req.AgentID,
		Step:      string(step),
		Outcome:   telemetry.OutcomeOK,
		Duration:  s.now().Sub(started),
		Err:       err,
		Time:      s.now(),
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrAgentAlreadyExists):
		event.Outcome = telemetry.OutcomeDenied
	default:
		event.Outcome = telemetry.OutcomeFailed
	}
	s.observer.Observe(ctx, event)
}

// reserve is Start -> Reserved: admission and slot reservation.
func (s *ProvisioningService) reserve(ctx context.Context, x *execution) (sagaState, error) {
	state, existed, err := s.load(ctx, x.req.ProjectID)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			return stateRolledBack, err
		}
		return stateRolledBack, x.fail(domain.FailureCritical, "load quota document", err)
	}
	if !existed {
		slog.Debug("using freshly initialized quota document", "project_id", x.req.ProjectID)
	}

	if decision := Admit(state, x.req.AgentID); !decision.Allowed {
		return stateRolledBack, decision.Err
	}

	x.original = state.Clone()

	now := s.now()
	state.Agents = append(state.Agents, domain.AgentRecord{
		ID:        x.req.AgentID,
		Name:      x.req.AgentName,
		CreatedAt: now,
		Status:    domain.AgentStatusReserved,
	})
	state.Usage.ActiveCount++
	state.LastUpdated = now

	if err := checkAccounting(state); err != nil {
		return stateRolledBack, x.fail(domain.FailureCritical, "quota accounting mismatch", err)
	}
	if err := s.save(ctx, x.req.ProjectID, state); err != nil {
		return stateRolledBack, x.fail(domain.FailureReservationPersist, "persist reservation", err)
	}
	x.working = state

	x.log.Complete(stepReserve, &saga.Compensation{
		Action: actionRestoreQuota,
		Run: func(ctx context.Context) error {
			return s.restoreQuota(ctx, x)
		},
	})
	return stateReserved, nil
}

// createUpstream is Reserved -> UpstreamCreated.
func (s *ProvisioningService) createUpstream(ctx context.Context, x *execution) (sagaState, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.controlPlaneTimeout)
	defer cancel()

	response, err := s.controlPlane.CreateAgent(callCtx, x.req.Payload)
	if err != nil {
		return stateRolledBack, x.fail(domain.FailureUpstreamCreate, providerDetails(err), err)
	}

	// Only a name the control plane confirmed is safe to delete by.
	x.upstreamName = response.ResolvedName()

	name := x.upstreamName
	x.log.Complete(stepCreateUpstream, &saga.Compensation{
		Action: actionDeleteUpstream,
		Run: func(ctx context.Context) error {
			if name == "" {
				return fmt.Errorf("%w: control plane did not report an agent name", saga.ErrCleanupSkipped)
			}
			if err := s.controlPlane.DeleteAgent(ctx, name); err != nil && !controlplane.IsNotFound(err) {
				return err
			}
			return nil
		},
	})
	return stateUpstreamCreated, nil
}

// finalize is UpstreamCreated -> Finalized: the reserved record is updated
// in place with the confirmed name and marked active.
func (s *ProvisioningService) finalize(ctx context.Context, x *execution) (sagaState, error) {
	state := x.working.Clone()

	i := state.FindAgent(x.req.AgentID)
	if i < 0 {
		return stateRolledBack, fmt.Errorf("reserved record for agent %s disappeared", x.req.AgentID)
	}

	x.recordName = x.upstreamName
	if x.recordName == "" {
		x.recordName = x.req.AgentName
	}
	if x.recordName == "" {
		x.recordName = x.req.AgentID
	}

	now := s.now()
	state.Agents[i].Name = x.recordName
	state.Agents[i].Status = domain.AgentStatusActive
	state.LastUpdated = now

	if err := checkAccounting(state); err != nil {
		return stateRolledBack, x.fail(domain.FailureCritical, "quota accounting mismatch", err)
	}

	if err := s.save(ctx, x.req.ProjectID, state); err != nil {
		return stateRolledBack, x.fail(domain.FailureFinalization, "persist finalized agent", err)
	}
	x.working = state

	x.log.Complete(stepFinalize, nil)
	return stateFinalized, nil
}

// restoreQuota writes the pre-reservation document back over the last
// version this saga persisted.
func (s *ProvisioningService) restoreQuota(ctx context.Context, x *execution) error {
	restored := x.original.Clone()
	restored.Version = x.working.Version

	if err := s.store.Save(ctx, x.req.ProjectID, restored); err != nil {
		return err
	}
	x.working = restored
	return nil
}

// checkAccounting refuses to persist a document whose usage counter
// disagrees with its slot-holding records.
func checkAccounting(state *domain.QuotaState) error {
	if held := state.HeldSlots(); held != state.Usage.ActiveCount {
		return fmt.Errorf("project %s counts %d active agents but %d records hold a slot",
			state.ProjectID, state.Usage.ActiveCount, held)
	}
	return nil
}

func (s *ProvisioningService) load(ctx context.Context, projectID string) (*domain.QuotaState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Load(ctx, projectID)
}

func (s *ProvisioningService) save(ctx context.Context, projectID string, state *domain.QuotaState) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Save(ctx, projectID, state)
}

func providerDetails(err error) string {
	var providerErr *controlplane.ProviderError
	switch {
	case errors.As(err, &providerErr):
		return fmt.Sprintf("control plane returned HTTP %d: %s", providerErr.StatusCode, providerErr.Body)
	case errors.Is(err, controlplane.ErrProviderUnavailable):
		return "control plane unavailable"
	default:
		return "create agent in control plane"
	}
}
