package workflow

// Trigger represents an event that can cause a state transition
type Trigger string

const (
	TriggerApprove Trigger = "APPROVE"
	TriggerReject  Trigger = "REJECT"
	TriggerExpire  Trigger = "EXPIRE"
)

func (t Trigger) String() string {
	return string(t)
}
