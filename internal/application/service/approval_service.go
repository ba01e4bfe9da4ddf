package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/internal/domain/entity"
	"github.com/garyjia/devportal-approvals/internal/domain/event"
	"github.com/garyjia/devportal-approvals/internal/domain/workflow"
)

// Wait defaults
const (
	DefaultPollInterval           = 5 * time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultSweepBatch             = 100
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// CreateParams are the caller-supplied fields of a new request
type CreateParams struct {
	TaskID         string
	Title          string
	Description    string
	Approvers      []string
	MinApprovals   int
	TimeoutMinutes *int
	// EntityRef optionally links the request to a catalog entity whose title
	// prefixes the request title
	EntityRef string
	CreatedBy string
}

// StatusUpdate records a decision expressed as a target status
type StatusUpdate struct {
	RequestID string
	Status    entity.RequestStatus
	Actor     string
	Comment   string
}

// WaitResult is the outcome a waiter observes
type WaitResult struct {
	Approved  bool                       `json:"approved"`
	Decisions []*entity.ApprovalDecision `json:"decisions"`
}

// ApprovalService manages approval requests and the wait-for-decision protocol
type ApprovalService interface {
	CreateRequest(ctx context.Context, params CreateParams) (string, error)
	GetRequest(ctx context.Context, id string) (*entity.ApprovalRequest, error)
	ListRequests(ctx context.Context, filter entity.RequestFilter) ([]*entity.ApprovalRequest, error)
	ListDecisions(ctx context.Context, id string) ([]*entity.ApprovalDecision, error)

	// WaitForDecision blocks until the request is terminal, missing or timed
	// out, or ctx is done. Cancellation leaves the request untouched.
	WaitForDecision(ctx context.Context, id string) (*WaitResult, error)

	Approve(ctx context.Context, id, approver, comment string) (*entity.DecisionOutcome, error)
	Reject(ctx context.Context, id, approver, comment string) (*entity.DecisionOutcome, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) (*entity.ApprovalRequest, error)

	// ExpireOverdue persists the timeout of up to limit overdue requests and
	// returns how many were expired
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// Options tunes the service
type Options struct {
	PollInterval           time.Duration
	MaxConsecutiveFailures int
	Now                    func() time.Time
}

// Dependencies groups the collaborators. Catalog, Notifier and Events are optional.
type Dependencies struct {
	Store    port.ApprovalStore
	Catalog  port.EntityCatalog
	Notifier port.DecisionNotifier
	Events   dispatcher.Dispatcher
	Logger   Logger
}

type approvalServiceImpl struct {
	store    port.ApprovalStore
	catalog  port.EntityCatalog
	notifier port.DecisionNotifier
	events   dispatcher.Dispatcher
	logger   Logger

	pollInterval time.Duration
	maxFailures  int
	now          func() time.Time
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(deps Dependencies, opts Options) ApprovalService {
	s := &approvalServiceImpl{
		store:        deps.Store,
		catalog:      deps.Catalog,
		notifier:     deps.Notifier,
		events:       deps.Events,
		logger:       deps.Logger,
		pollInterval: opts.PollInterval,
		maxFailures:  opts.MaxConsecutiveFailures,
		now:          opts.Now,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.maxFailures <= 0 {
		s.maxFailures = DefaultMaxConsecutiveFailures
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateRequest validates, enriches and persists a request
func (s *approvalServiceImpl) CreateRequest(ctx context.Context, params CreateParams) (string, error) {
	req := &entity.NewRequest{
		TaskID:         params.TaskID,
		Title:          strings.TrimSpace(params.Title),
		Description:    params.Description,
		Approvers:      params.Approvers,
		MinApprovals:   params.MinApprovals,
		TimeoutMinutes: params.TimeoutMinutes,
		EntityRef:      strings.TrimSpace(params.EntityRef),
		CreatedBy:      params.CreatedBy,
	}

	// reject bad input before any catalog round trip
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}

	if req.EntityRef != "" && s.catalog != nil {
		ent, err := s.catalog.GetEntityByRef(ctx, req.EntityRef)
		if err != nil {
			s.logger.Error("Failed to resolve entity for approval request",
				"entity_ref", req.EntityRef,
				"error", err,
			)
			return "", err
		}
		req.Title = fmt.Sprintf("[%s] %s", ent.DisplayName(), req.Title)
	}

	id, err := s.store.CreateRequest(ctx, req)
	if err != nil {
		return "", err
	}

	s.logger.Info("Approval request created",
		"request_id", id,
		"task_id", req.TaskID,
		"title", req.Title,
		"approvers", req.Approvers,
		"min_approvals", req.MinApprovals,
		"timeout_minutes", timeoutValue(req.TimeoutMinutes),
		"created_by", req.CreatedBy,
	)

	s.emit(ctx, event.NewEvent(event.TypeRequestCreated, id, req.TaskID, map[string]interface{}{
		event.KeyTitle:     req.Title,
		event.KeyApprovers: req.Approvers,
		event.KeyEntityRef: req.EntityRef,
		event.KeyCreatedBy: req.CreatedBy,
	}))

	return id, nil
}

func (s *approvalServiceImpl) GetRequest(ctx context.Context, id string) (*entity.ApprovalRequest, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *approvalServiceImpl) ListRequests(ctx context.Context, filter entity.RequestFilter) ([]*entity.ApprovalRequest, error) {
	return s.store.ListRequests(ctx, filter)
}

// ListDecisions returns the decisions of an existing request
func (s *approvalServiceImpl) ListDecisions(ctx context.Context, id string) ([]*entity.ApprovalDecision, error) {
	if _, err := s.store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDecisions(ctx, id)
}

func (s *approvalServiceImpl) Approve(ctx context.Context, id, approver, comment string) (*entity.DecisionOutcome, error) {
	return s.recordDecision(ctx, id, approver, entity.DecisionApprove, comment)
}

func (s *approvalServiceImpl) Reject(ctx context.Context, id, approver, comment string) (*entity.DecisionOutcome, error) {
	return s.recordDecision(ctx, id, approver, entity.DecisionReject, comment)
}

// UpdateStatus maps approved/rejected onto a decision by the actor
func (s *approvalServiceImpl) UpdateStatus(ctx context.Context, update StatusUpdate) (*entity.ApprovalRequest, error) {
	var kind entity.DecisionKind
	switch update.Status {
	case entity.StatusApproved:
		kind = entity.DecisionApprove
	case entity.StatusRejected:
		kind = entity.DecisionReject
	default:
		return nil, apperr.Validation("status must be approved or rejected, got %q", update.Status)
	}

	outcome, err := s.recordDecision(ctx, update.RequestID, update.Actor, kind, update.Comment)
	if err != nil {
		return nil, err
	}
	return outcome.Request, nil
}

func (s *approvalServiceImpl) recordDecision(ctx context.Context, id, approver string, kind entity.DecisionKind, comment string) (*entity.DecisionOutcome, error) {
	outcome, err := s.store.RecordDecision(ctx, &entity.NewDecision{
		RequestID: id,
		Approver:  strings.TrimSpace(approver),
		Decision:  kind,
		Comment:   comment,
	})
	if err != nil {
		if !errors.Is(err, apperr.ErrValidation) && !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Error("Failed to record decision",
				"request_id", id,
				"approver", approver,
				"decision", kind,
				"error", err,
			)
		}
		return nil, err
	}

	req := outcome.Request
	s.logger.Info("Decision recorded",
		"request_id", id,
		"approver", outcome.Decision.Approver,
		"decision", kind,
		"status", req.Status,
		"transitioned", outcome.Transitioned,
	)

	s.emit(ctx, event.NewEvent(event.TypeDecisionRecorded, id, req.TaskID, map[string]interface{}{
		event.KeyApprover: outcome.Decision.Approver,
		event.KeyDecision: string(kind),
		event.KeyStatus:   string(req.Status),
		event.KeyTitle:    req.Title,
	}))
	if outcome.Transitioned {
		s.emitResolved(ctx, req, triggerFor(req, kind))
	}

	return outcome, nil
}

// WaitForDecision polls the store until the request resolves. A notifier, when
// configured, shortens the wait between polls.
func (s *approvalServiceImpl) WaitForDecision(ctx context.Context, id string) (*WaitResult, error) {
	var wake <-chan struct{}
	if s.notifier != nil {
		ch, release, err := s.notifier.Subscribe(ctx, id)
		if err != nil {
			s.logger.Error("Decision notifier unavailable, falling back to polling",
				"request_id", id,
				"error", err,
			)
		} else {
			wake = ch
			defer release()
		}
	}

	failures := 0
	for {
		result, done, err := s.poll(ctx, id)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			failures++
			s.logger.Error("Polling approval request failed",
				"request_id", id,
				"attempt", failures,
				"max_attempts", s.maxFailures,
				"error", err,
			)
			if failures >= s.maxFailures {
				return nil, apperr.Internal(err, "waiting for request %s aborted after %d consecutive failures", id, failures)
			}
		case done:
			return result, nil
		default:
			failures = 0
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
		}
	}
}

// poll performs one observation. done reports that result is final.
func (s *approvalServiceImpl) poll(ctx context.Context, id string) (*WaitResult, bool, error) {
	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Info("Approval request not found while waiting", "request_id", id)
		return notApproved(), true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if req.Status == entity.StatusPending {
		now := s.now()
		if !req.IsExpired(now) {
			return nil, false, nil
		}
		req = s.expire(ctx, req, now)
		if req.Status == entity.StatusPending || req.ExpiredBySystem() {
			return notApproved(), true, nil
		}
	}

	if req.ExpiredBySystem() {
		return notApproved(), true, nil
	}

	decisions, err := s.store.ListDecisions(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return &WaitResult{Approved: req.Status == entity.StatusApproved, Decisions: decidedBy(req, decisions)}, true, nil
}

// decidedBy keeps the decisions recorded up to the terminal transition.
// Later decisions are kept for audit only.
func decidedBy(req *entity.ApprovalRequest, decisions []*entity.ApprovalDecision) []*entity.ApprovalDecision {
	if req.ResolvedAt == nil {
		return decisions
	}
	final := make([]*entity.ApprovalDecision, 0, len(decisions))
	for _, d := range decisions {
		if !d.CreatedAt.After(*req.ResolvedAt) {
			final = append(final, d)
		}
	}
	return final
}

// expire persists a detected timeout. Failure to persist does not change the
// waiter's outcome; the sweeper retries later.
func (s *approvalServiceImpl) expire(ctx context.Context, req *entity.ApprovalRequest, now time.Time) *entity.ApprovalRequest {
	current, expired, err := s.store.ExpireRequest(ctx, req.ID, now)
	if err != nil {
		s.logger.Error("Failed to persist request timeout",
			"request_id", req.ID,
			"error", err,
		)
		return req
	}
	if expired {
		s.logger.Info("Approval request timed out",
			"request_id", req.ID,
			"timeout_minutes", timeoutValue(req.TimeoutMinutes),
		)
		s.emitResolved(ctx, current, workflow.TriggerExpire)
	}
	return current
}

// ExpireOverdue persists timeouts for requests nobody is waiting on
func (s *approvalServiceImpl) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultSweepBatch
	}
	now := s.now()
	overdue, err := s.store.ListOverdue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	var errs []error
	for _, req := range overdue {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		current, expired, err := s.store.ExpireRequest(ctx, req.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", req.ID, err))
			continue
		}
		if expired {
			count++
			s.emitResolved(ctx, current, workflow.TriggerExpire)
		}
	}

	if count > 0 {
		s.logger.Info("Expired overdue approval requests", "count", count)
	}
	return count, errors.Join(errs...)
}

func (s *approvalServiceImpl) emitResolved(ctx context.Context, req *entity.ApprovalRequest, trigger workflow.Trigger) {
	s.emit(ctx, event.NewEvent(event.TypeRequestResolved, req.ID, req.TaskID, map[string]interface{}{
		event.KeyStatus:  string(req.Status),
		event.KeyTrigger: trigger.String(),
		event.KeyTitle:   req.Title,
	}))
}

// emit hands events to the dispatcher without tying them to the caller's deadline
func (s *approvalServiceImpl) emit(ctx context.Context, evt *event.Event) {
	if s.events == nil {
		return
	}
	s.events.DispatchAsync(context.WithoutCancel(ctx), evt)
}

func triggerFor(req *entity.ApprovalRequest, kind entity.DecisionKind) workflow.Trigger {
	switch {
	case req.ExpiredBySystem():
		return workflow.TriggerExpire
	case kind == entity.DecisionReject:
		return workflow.TriggerReject
	default:
		return workflow.TriggerApprove
	}
}

func notApproved() *WaitResult {
	return &WaitResult{Approved: false, Decisions: []*entity.ApprovalDecision{}}
}

func timeoutValue(minutes *int) interface{} {
	if minutes == nil {
		return nil
	}
	return *minutes
}
