package workflow

import "sync"

var requestMachine = sync.OnceValue(buildRequestMachine)

func buildRequestMachine() StateMachineBuilder {
	b := NewBuilder()
	b.Configure(StatePending).
		PermitIf(TriggerExpire, StateRejected, func(t Tally) bool { return t.Expired }).
		PermitIf(TriggerReject, StateRejected, func(t Tally) bool { return t.Rejections > 0 }).
		PermitIf(TriggerApprove, StateApproved, func(t Tally) bool {
			return t.MinApprovals > 0 && t.Approvals >= t.MinApprovals
		})
	b.Configure(StateApproved)
	b.Configure(StateRejected)
	return b
}

// NewRequestMachine returns a machine for a request currently in state
func NewRequestMachine(state State) StateMachine {
	return requestMachine().Build(state)
}

// evaluation order: an elapsed deadline wins over late votes, a veto wins over approvals
var evaluationOrder = []Trigger{TriggerExpire, TriggerReject, TriggerApprove}

// Evaluate computes the state a request should move to given its tally.
// changed is false when the request stays where it is.
func Evaluate(current State, tally Tally) (next State, trigger Trigger, changed bool) {
	if current.IsTerminal() {
		return current, "", false
	}
	m := NewRequestMachine(current)
	for _, trig := range evaluationOrder {
		if err := m.Fire(trig, tally); err == nil {
			return m.State(), trig, true
		}
	}
	return current, "", false
}
