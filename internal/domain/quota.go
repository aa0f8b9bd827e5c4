package domain

import "time"

// DefaultMaxAgents is the agent ceiling given to a project whose quota
// document is created on first access.
const DefaultMaxAgents = 2

// AgentStatus represents the lifecycle state of an agent record inside a
// project's quota document.
type AgentStatus string

const (
	// AgentStatusReserved marks a slot taken by a provisioning request that
	// has not yet been confirmed by the control plane.
	AgentStatusReserved AgentStatus = "reserved"
	// AgentStatusActive marks an agent confirmed by the control plane.
	AgentStatusActive AgentStatus = "active"
)

// HoldsSlot returns true if records with this status count against the
// project's agent ceiling.
func (s AgentStatus) HoldsSlot() bool {
	return s == AgentStatusReserved || s == AgentStatusActive
}

// AgentRecord is one agent entry in a project's quota document.
type AgentRecord struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedAt time.Time   `json:"createdAt"`
	Status    AgentStatus `json:"status"`
}

// QuotaLimits holds the configured ceilings of a project.
type QuotaLimits struct {
	MaxAgents int
}

// QuotaUsage holds the current consumption of a project.
type QuotaUsage struct {
	ActiveCount int
}

// QuotaState is the per-project agent quota document. It is read and
// replaced as a whole; Version is the compare-and-swap token maintained by
// the repository.
type QuotaState struct {
	ProjectID   string
	Limits      QuotaLimits
	Usage       QuotaUsage
	Agents      []AgentRecord
	LastUpdated time.Time
	Version     int64
}

// NewDefaultQuotaState returns the document used for a project that has none yet.
func NewDefaultQuotaState(projectID string, maxAgents int, now time.Time) *QuotaState {
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}
	return &QuotaState{
		ProjectID:   projectID,
		Limits:      QuotaLimits{MaxAgents: maxAgents},
		Agents:      []AgentRecord{},
		LastUpdated: now,
	}
}

// Clone returns a deep copy of the state. Snapshots taken for compensation
// must not share the Agents backing array with the working copy.
func (q *QuotaState) Clone() *QuotaState {
	clone := *q
	clone.Agents = make([]AgentRecord, len(q.Agents))
	copy(clone.Agents, q.Agents)
	return &clone
}

// FindAgent returns the index of the record with the given ID, or -1.
func (q *QuotaState) FindAgent(agentID string) int {
	for i := range q.Agents {
		if q.Agents[i].ID == agentID {
			return i
		}
	}
	return -1
}

// HeldSlots counts the records that occupy a slot.
func (q *QuotaState) HeldSlots() int {
	n := 0
	for _, a := range q.Agents {
		if a.Status.HoldsSlot() {
			n++
		}
	}
	return n
}

// HasCapacity reports whether one more agent fits under the ceiling.
func (q *QuotaState) HasCapacity() bool {
	return q.Usage.ActiveCount < q.Limits.MaxAgents
}

// RemoveAgent drops the record at index i and releases its slot.
func (q *QuotaState) RemoveAgent(i int, now time.Time) AgentRecord {
	removed := q.Agents[i]
	q.Agents = append(q.Agents[:i:i], q.Agents[i+1:]...)
	if removed.Status.HoldsSlot() && q.Usage.ActiveCount > 0 {
		q.Usage.ActiveCount--
	}
	q.LastUpdated = now
	return removed
}
