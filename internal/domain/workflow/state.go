package workflow

import "github.com/garyjia/devportal-approvals/internal/domain/entity"

// State is a node of the approval request lifecycle
type State string

const (
	StatePending  State = State(entity.StatusPending)
	StateApproved State = State(entity.StatusApproved)
	StateRejected State = State(entity.StatusRejected)
)

// FromStatus converts a persisted request status to a machine state
func FromStatus(s entity.RequestStatus) State {
	return State(s)
}

// Status converts the state back to the persisted request status
func (s State) Status() entity.RequestStatus {
	return entity.RequestStatus(s)
}

// IsTerminal returns true if the state is a terminal state (no further transitions allowed)
func (s State) IsTerminal() bool {
	switch s {
	case StateApproved, StateRejected:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known request state
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected:
		return true
	}
	return false
}
