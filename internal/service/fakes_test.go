package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/mtlprog/agentprov/internal/controlplane"
	"github.com/mtlprog/agentprov/internal/domain"
	"github.com/mtlprog/agentprov/internal/telemetry"
)

// journal records the order of side effects across the store and the
// control plane.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// memStore is an in-memory quota store with the same version
// compare-and-swap semantics as the Postgres repository.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]*domain.QuotaState
	projects  map[string]bool
	loads     int
	saves     int
	loadErr   error
	saveHook  func(n int) error
	journal   *journal
	maxAgents int
}

func newMemStore(j *journal) *memStore {
	return &memStore{
		docs:      make(map[string]*domain.QuotaState),
		projects:  make(map[string]bool),
		journal:   j,
		maxAgents: domain.DefaultMaxAgents,
	}
}

// addProject registers a project. A nil doc leaves the quota document to
// be initialized on first Load.
func (m *memStore) addProject(projectID string, doc *domain.QuotaState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectID] = true
	if doc != nil {
		m.docs[projectID] = doc.Clone()
	}
}

func (m *memStore) Load(_ context.Context, projectID string) (*domain.QuotaState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	if !m.projects[projectID] {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
	}
	doc, ok := m.docs[projectID]
	if !ok {
		doc = domain.NewDefaultQuotaState(projectID, m.maxAgents, time.Now())
		m.docs[projectID] = doc
	}
	return doc.Clone(), ok, nil
}

func (m *memStore) Save(_ context.Context, projectID string, state *domain.QuotaState) error {
	m.mu.Lock()
	m.saves++
	n := m.saves
	hook := m.saveHook
	m.mu.Unlock()

	if m.journal != nil {
		m.journal.add("save")
	}
	if hook != nil {
		if err := hook(n); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[projectID]
	if !ok || current.Version != state.Version {
		return fmt.Errorf("%w: project %s expected version %d", domain.ErrQuotaConflict, projectID, state.Version)
	}
	stored := state.Clone()
	stored.Version = current.Version + 1
	m.docs[projectID] = stored
	state.Version = stored.Version
	return nil
}

func (m *memStore) ListProjectsWithReservations(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, doc := range m.docs {
		for _, agent := range doc.Agents {
			if agent.Status == domain.AgentStatusReserved {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// get returns a copy of the stored document.
func (m *memStore) get(projectID string) *domain.QuotaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[projectID]
	if !ok {
		return nil
	}
	return doc.Clone()
}

// bump simulates a concurrent writer advancing the stored version.
func (m *memStore) bump(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[projectID]; ok {
		doc.Version++
	}
}

func (m *memStore) counts() (loads, saves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.saves
}

// controlPlaneMock is a testify mock of the control plane.
type controlPlaneMock struct {
	mock.Mock
}

func (c *controlPlaneMock) CreateAgent(ctx context.Context, payload json.RawMessage) (*controlplane.CreateAgentResponse, error) {
	args := c.Called(ctx, payload)
	resp, _ := args.Get(0).(*controlplane.CreateAgentResponse)
	return resp, args.Error(1)
}

func (c *controlPlaneMock) DeleteAgent(ctx context.Context, agentName string) error {
	args := c.Called(ctx, agentName)
	return args.Error(0)
}

// eventRecorder collects telemetry events.
type eventRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *eventRecorder) Observe(_ context.Context, event telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.Event, len(r.events))
	copy(out, r.events)
	return out
}

// find returns the first event for step, or nil.
func (r *eventRecorder) find(step string) *telemetry.Event {
	for _, event := range r.all() {
		if event.Step == step {
			e := event
			return &e
		}
	}
	return nil
}
