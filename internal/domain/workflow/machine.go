package workflow

// StateMachine tracks the current state of one request and validates transitions
type StateMachine interface {
	// State returns the current state
	State() State

	// CanFire returns true if the trigger is configured for the current state
	CanFire(trigger Trigger) bool

	// Fire executes the trigger against the given tally, transitioning if a guard passes
	Fire(trigger Trigger, tally Tally) error

	// PermittedTriggers returns the triggers whose guards pass for tally
	PermittedTriggers(tally Tally) []Trigger
}

// Tally summarizes the decisions recorded on a request
type Tally struct {
	// Approvals counts distinct approvers whose latest decision is approve
	Approvals int
	// Rejections counts distinct approvers whose latest decision is reject
	Rejections   int
	MinApprovals int
	// Expired is true when the request deadline has been reached
	Expired bool
}
