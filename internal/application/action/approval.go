package action

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/garyjia/devportal-approvals/internal/application/service"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/internal/domain/entity"
)

// ApprovalActionID is the template action identifier
const ApprovalActionID = "scaffolder:approval"

// Input defaults applied when decoding raw template input
const (
	DefaultTitle       = "Approval required"
	DefaultDescription = "A new resource is being created that requires your approval"
)

// ApprovalInput is the template input of scaffolder:approval
type ApprovalInput struct {
	Title            string   `yaml:"title" json:"title"`
	Description      string   `yaml:"description" json:"description"`
	Approvers        []string `yaml:"approvers" json:"approvers"`
	MinApprovals     *int     `yaml:"minApprovals,omitempty" json:"minApprovals,omitempty"`
	TimeoutInMinutes *int     `yaml:"timeoutInMinutes,omitempty" json:"timeoutInMinutes,omitempty"`
}

// DecodeApprovalInput parses YAML or JSON template input and applies the
// title and description defaults
func DecodeApprovalInput(raw []byte) (*ApprovalInput, error) {
	in := &ApprovalInput{}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := yaml.Unmarshal(raw, in); err != nil {
			return nil, apperr.Validation("invalid action input: %v", err)
		}
	}
	if in.Title == "" {
		in.Title = DefaultTitle
	}
	if in.Description == "" {
		in.Description = DefaultDescription
	}
	return in, nil
}

// Validate checks the input before any request is created
func (in *ApprovalInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return apperr.Validation("title is required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return apperr.Validation("description is required")
	}
	if len(in.Approvers) < 1 {
		return apperr.Validation("At least one approver is required")
	}
	if in.MinApprovals != nil && *in.MinApprovals < 1 {
		return apperr.Validation("minApprovals must be a positive integer")
	}
	if in.TimeoutInMinutes != nil && *in.TimeoutInMinutes < 0 {
		return apperr.Validation("timeoutInMinutes must not be negative")
	}
	if in.TimeoutInMinutes != nil && *in.TimeoutInMinutes > entity.MaxTimeoutMinutes {
		return apperr.Validation("timeoutInMinutes must be at most %d", entity.MaxTimeoutMinutes)
	}
	return nil
}

// ApprovalAction creates an approval request and suspends the task until
// the request resolves
type ApprovalAction struct {
	approvals service.ApprovalService
	logger    Logger
	now       func() time.Time
}

// NewApprovalAction creates the scaffolder:approval action
func NewApprovalAction(approvals service.ApprovalService, logger Logger) *ApprovalAction {
	return &ApprovalAction{approvals: approvals, logger: logger, now: time.Now}
}

func (a *ApprovalAction) ID() string { return ApprovalActionID }

func (a *ApprovalAction) Description() string {
	return "Pauses template execution until required approvals are received"
}

// Handle runs the action. A rejected or timed out request is a normal
// outcome reported through the approved output.
func (a *ApprovalAction) Handle(ctx context.Context, inv *Invocation) (Output, error) {
	in, err := DecodeApprovalInput(inv.RawInput)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	taskID := a.taskID(inv)
	minApprovals := entity.DefaultMinApprovals
	if in.MinApprovals != nil {
		minApprovals = *in.MinApprovals
	}

	a.logger.Info("Creating approval request",
		"task_id", taskID,
		"title", in.Title,
		"approvers", in.Approvers,
	)

	requestID, err := a.approvals.CreateRequest(ctx, service.CreateParams{
		TaskID:         taskID,
		Title:          in.Title,
		Description:    in.Description,
		Approvers:      in.Approvers,
		MinApprovals:   minApprovals,
		TimeoutMinutes: in.TimeoutInMinutes,
		CreatedBy:      inv.User,
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("Approval request created, waiting for decision",
		"task_id", taskID,
		"request_id", requestID,
	)

	result, err := a.approvals.WaitForDecision(ctx, requestID)
	if err != nil {
		a.logger.Error("Waiting for approval failed",
			"task_id", taskID,
			"request_id", requestID,
			"error", err,
		)
		return nil, err
	}

	decisions := result.Decisions
	if decisions == nil {
		decisions = []*entity.ApprovalDecision{}
	}

	a.logger.Info("Approval request completed",
		"task_id", taskID,
		"request_id", requestID,
		"approved", result.Approved,
	)

	return Output{
		"approved":  result.Approved,
		"requestId": requestID,
		"decisions": decisions,
	}, nil
}

// taskID prefers the invocation task id, then the task spec, then a
// synthetic id so an approval can still be recorded
func (a *ApprovalAction) taskID(inv *Invocation) string {
	if id := strings.TrimSpace(inv.TaskID); id != "" {
		return id
	}
	if inv.Task != nil {
		if id := strings.TrimSpace(inv.Task.TaskID); id != "" {
			return id
		}
	}
	id := SyntheticTaskID(a.now())
	a.logger.Info("Invocation carries no task id, using synthetic id", "task_id", id)
	return id
}

// SyntheticTaskID builds synthetic-<unix ms>-<7 base36 chars>
func SyntheticTaskID(now time.Time) string {
	suffix := strconv.FormatInt(rand.Int64N(78364164096), 36) // 36^7
	if len(suffix) < 7 {
		suffix = strings.Repeat("0", 7-len(suffix)) + suffix
	}
	return fmt.Sprintf("synthetic-%d-%s", now.UnixMilli(), suffix)
}
