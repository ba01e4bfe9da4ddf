package entity

import (
	"math"
	"strings"
	"time"

	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
)

// RequestStatus is the lifecycle status of an approval request
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// IsTerminal returns true once the request can no longer change status
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// IsValid returns true if s is a known status
func (s RequestStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// DecisionKind is a single approver's vote
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
)

// IsValid returns true if d is approve or reject
func (d DecisionKind) IsValid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// DefaultMinApprovals is applied when a request does not set a threshold
const DefaultMinApprovals = 1

// MaxTimeoutMinutes is the largest timeout whose deadline fits in a time.Duration
const MaxTimeoutMinutes = int(math.MaxInt64 / int64(time.Minute))

// ExpiryActor is recorded as updatedBy when a request times out
const ExpiryActor = "system:expiry"

// ApprovalRequest is a persisted gate blocking a workflow step
type ApprovalRequest struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"taskId"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Approvers      []string      `json:"approvers"`
	MinApprovals   int           `json:"minApprovals"`
	TimeoutMinutes *int          `json:"timeoutMinutes,omitempty"`
	Status         RequestStatus `json:"status"`
	EntityRef      string        `json:"entityRef,omitempty"`
	CreatedBy      string        `json:"createdBy,omitempty"`
	UpdatedBy      string        `json:"updatedBy,omitempty"`
	Comment        string        `json:"comment,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
}

// Deadline returns createdAt + timeoutMinutes. ok is false when the request
// has no timeout.
func (r *ApprovalRequest) Deadline() (deadline time.Time, ok bool) {
	if r.TimeoutMinutes == nil {
		return time.Time{}, false
	}
	return r.CreatedAt.Add(time.Duration(*r.TimeoutMinutes) * time.Minute), true
}

// IsExpired reports whether a pending request has reached its deadline at now
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	if r.Status != StatusPending {
		return false
	}
	deadline, ok := r.Deadline()
	if !ok {
		return false
	}
	return !now.Before(deadline)
}

// ExpiredBySystem reports whether the request was rejected by its timeout
func (r *ApprovalRequest) ExpiredBySystem() bool {
	return r.Status == StatusRejected && r.UpdatedBy == ExpiryActor
}

// ApprovalDecision is one approver's recorded vote on a request
type ApprovalDecision struct {
	ID        string       `json:"id"`
	RequestID string       `json:"requestId"`
	Approver  string       `json:"approver"`
	Decision  DecisionKind `json:"decision"`
	Comment   string       `json:"comment,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// NewRequest holds the caller-supplied fields of a request to create
type NewRequest struct {
	TaskID         string
	Title          string
	Description    string
	Approvers      []string
	MinApprovals   int
	TimeoutMinutes *int
	EntityRef      string
	CreatedBy      string
}

// Normalize trims approver refs, drops blanks and duplicates, and applies
// the default threshold
func (n *NewRequest) Normalize() {
	seen := make(map[string]bool, len(n.Approvers))
	approvers := make([]string, 0, len(n.Approvers))
	for _, a := range n.Approvers {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		approvers = append(approvers, a)
	}
	n.Approvers = approvers
	n.TaskID = strings.TrimSpace(n.TaskID)
	if n.MinApprovals == 0 {
		n.MinApprovals = DefaultMinApprovals
	}
}

// Validate checks the fields required for persistence
func (n *NewRequest) Validate() error {
	if n.TaskID == "" {
		return apperr.Validation("taskId is required for approval requests")
	}
	if strings.TrimSpace(n.Title) == "" {
		return apperr.Validation("title is required")
	}
	if len(n.Approvers) == 0 {
		return apperr.Validation("at least one approver is required")
	}
	if n.MinApprovals < 1 {
		return apperr.Validation("minApprovals must be a positive integer, got %d", n.MinApprovals)
	}
	if n.TimeoutMinutes != nil && *n.TimeoutMinutes < 0 {
		return apperr.Validation("timeoutMinutes must not be negative, got %d", *n.TimeoutMinutes)
	}
	if n.TimeoutMinutes != nil && *n.TimeoutMinutes > MaxTimeoutMinutes {
		return apperr.Validation("timeoutMinutes must be at most %d, got %d", MaxTimeoutMinutes, *n.TimeoutMinutes)
	}
	return nil
}

// NewDecision holds the fields of a decision to record
type NewDecision struct {
	RequestID string
	Approver  string
	Decision  DecisionKind
	Comment   string
}

// Validate checks the decision fields
func (n *NewDecision) Validate() error {
	if strings.TrimSpace(n.RequestID) == "" {
		return apperr.Validation("requestId is required")
	}
	if strings.TrimSpace(n.Approver) == "" {
		return apperr.Validation("approver is required")
	}
	if !n.Decision.IsValid() {
		return apperr.Validation("decision must be approve or reject, got %q", n.Decision)
	}
	return nil
}

// DecisionOutcome is the result of recording a decision
type DecisionOutcome struct {
	Decision *ApprovalDecision
	// Request reflects the request after the decision was applied
	Request *ApprovalRequest
	// Transitioned is true when this decision moved the request out of pending
	Transitioned bool
}

// RequestFilter narrows ListRequests
type RequestFilter struct {
	Status RequestStatus
	Limit  int
	Offset int
}
