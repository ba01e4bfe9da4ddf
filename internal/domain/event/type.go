package event

// Type identifies the type of domain event
type Type string

const (
	TypeRequestCreated   Type = "request.created"
	TypeDecisionRecorded Type = "decision.recorded"
	TypeRequestResolved  Type = "request.resolved"
)

func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeRequestCreated, TypeDecisionRecorded, TypeRequestResolved:
		return true
	default:
		return false
	}
}

// Payload keys shared by producers and consumers
const (
	KeyTitle     = "title"
	KeyStatus    = "status"
	KeyApprover  = "approver"
	KeyDecision  = "decision"
	KeyTrigger   = "trigger"
	KeyApprovers = "approvers"
	KeyEntityRef = "entity_ref"
	KeyCreatedBy = "created_by"
)
