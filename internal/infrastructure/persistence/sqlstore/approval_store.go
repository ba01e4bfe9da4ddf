package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/internal/domain/entity"
	"github.com/garyjia/devportal-approvals/internal/domain/workflow"
	"github.com/garyjia/devportal-approvals/pkg/database"
)

// ExpiryActor is recorded as updated_by when a request times out
const ExpiryActor = entity.ExpiryActor

// List paging bounds
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

const requestColumns = `id, task_id, title, description, approvers, min_approvals,
	timeout_minutes, status, entity_ref, created_by, updated_by, comment,
	created_at, updated_at, resolved_at`

// ApprovalStore implements port.ApprovalStore on database/sql
type ApprovalStore struct {
	db     *database.DB
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures the store
type Option func(*ApprovalStore)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *ApprovalStore) { s.now = now }
}

// WithIDGenerator overrides id generation
func WithIDGenerator(gen func() string) Option {
	return func(s *ApprovalStore) { s.newID = gen }
}

// NewApprovalStore creates a store on db. The schema must already be migrated.
func NewApprovalStore(db *database.DB, logger *zap.Logger, opts ...Option) *ApprovalStore {
	s := &ApprovalStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		newID:  newUUID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ port.ApprovalStore = (*ApprovalStore)(nil)

func newUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// timestamps are kept in UTC at microsecond precision so both drivers round-trip them
func (s *ApprovalStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateRequest validates and persists a pending request
func (s *ApprovalStore) CreateRequest(ctx context.Context, req *entity.NewRequest) (string, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}

	approvers, err := json.Marshal(req.Approvers)
	if err != nil {
		return "", apperr.Internal(err, "failed to encode approvers")
	}

	id := s.newID()
	now := s.timestamp()

	var timeout sql.NullInt64
	var expiresAt sql.NullTime
	if req.TimeoutMinutes != nil {
		timeout = sql.NullInt64{Int64: int64(*req.TimeoutMinutes), Valid: true}
		expiresAt = sql.NullTime{Time: now.Add(time.Duration(*req.TimeoutMinutes) * time.Minute), Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO approval_requests (
			id, task_id, title, description, approvers, min_approvals,
			timeout_minutes, status, entity_ref, created_by, updated_by, comment,
			created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.Executor(ctx).ExecContext(ctx, query,
		id,
		req.TaskID,
		req.Title,
		req.Description,
		string(approvers),
		req.MinApprovals,
		timeout,
		string(entity.StatusPending),
		req.EntityRef,
		req.CreatedBy,
		req.CreatedBy,
		"",
		now,
		now,
		expiresAt,
	)
	if err != nil {
		s.logger.Error("Failed to create approval request", zap.String("task_id", req.TaskID), zap.Error(err))
		return "", apperr.Internal(err, "failed to create approval request")
	}

	return id, nil
}

// GetRequest returns the request or apperr.ErrNotFound
func (s *ApprovalStore) GetRequest(ctx context.Context, id string) (*entity.ApprovalRequest, error) {
	return s.getRequest(ctx, id, false)
}

func (s *ApprovalStore) getRequest(ctx context.Context, id string, lock bool) (*entity.ApprovalRequest, error) {
	query := "SELECT " + requestColumns + " FROM approval_requests WHERE id = ?"
	if lock {
		query += s.db.LockClause()
	}

	req, err := scanRequest(s.db.Executor(ctx).QueryRowContext(ctx, s.db.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("approval request %s", id)
	}
	if err != nil {
		s.logger.Error("Failed to get approval request", zap.String("request_id", id), zap.Error(err))
		return nil, apperr.Internal(err, "failed to get approval request")
	}
	return req, nil
}

// ListRequests returns requests newest first
func (s *ApprovalStore) ListRequests(ctx context.Context, filter entity.RequestFilter) ([]*entity.ApprovalRequest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + requestColumns + " FROM approval_requests"
	var args []interface{}
	if filter.Status != "" {
		if !filter.Status.IsValid() {
			return nil, apperr.Validation("unknown status %q", filter.Status)
		}
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.queryRequests(ctx, query, args...)
}

// ListOverdue returns pending requests whose deadline is at or before now
func (s *ApprovalStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*entity.ApprovalRequest, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := "SELECT " + requestColumns + ` FROM approval_requests
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC, id ASC LIMIT ?`

	return s.queryRequests(ctx, query, string(entity.StatusPending), now.UTC().Truncate(time.Microsecond), limit)
}

func (s *ApprovalStore) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*entity.ApprovalRequest, error) {
	rows, err := s.db.Executor(ctx).QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		s.logger.Error("Failed to list approval requests", zap.Error(err))
		return nil, apperr.Internal(err, "failed to list approval requests")
	}
	defer rows.Close()

	requests := make([]*entity.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Internal(err, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "failed to iterate approval requests")
	}
	return requests, nil
}

// RecordDecision inserts the decision and recomputes the request status while
// holding the request row lock
func (s *ApprovalStore) RecordDecision(ctx context.Context, d *entity.NewDecision) (*entity.DecisionOutcome, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var outcome *entity.DecisionOutcome
	err := s.db.WithTransaction(ctx, func(ctx context.Context) error {
		req, err := s.getRequest(ctx, d.RequestID, true)
		if err != nil {
			return err
		}

		now := s.timestamp()
		existing, err := s.findDecision(ctx, d.RequestID, d.Approver)
		if err != nil {
			return err
		}

		if req.Status.IsTerminal() {
			if existing != nil {
				return apperr.Conflict("request %s is already %s and %s has decided", req.ID, req.Status, d.Approver)
			}
			decision, err := s.insertDecision(ctx, d, now)
			if err != nil {
				return err
			}
			outcome = &entity.DecisionOutcome{Decision: decision, Request: req}
			return nil
		}

		var decision *entity.ApprovalDecision
		if existing != nil {
			decision, err = s.updateDecision(ctx, existing, d, now)
		} else {
			decision, err = s.insertDecision(ctx, d, now)
		}
		if err != nil {
			return err
		}

		tally, err := s.tally(ctx, req, now)
		if err != nil {
			return err
		}

		transitioned, err := s.applyTally(ctx, req, tally, d.Approver, d.Comment, now)
		if err != nil {
			return err
		}

		outcome = &entity.DecisionOutcome{Decision: decision, Request: req, Transitioned: transitioned}
		return nil
	})
	if err != nil {
		return nil, s.classify(err, "failed to record decision")
	}

	return outcome, nil
}

// applyTally moves req to the state its tally dictates, or just stamps the
// update metadata when it stays pending
func (s *ApprovalStore) applyTally(ctx context.Context, req *entity.ApprovalRequest, tally workflow.Tally, actor, comment string, now time.Time) (bool, error) {
	next, trigger, changed := workflow.Evaluate(workflow.FromStatus(req.Status), tally)
	if trigger == workflow.TriggerExpire {
		actor, comment = ExpiryActor, ""
	}

	if !changed {
		query := s.db.Rebind(`UPDATE approval_requests SET updated_by = ?, comment = ?, updated_at = ? WHERE id = ?`)
		if _, err := s.db.Executor(ctx).ExecContext(ctx, query, actor, comment, now, req.ID); err != nil {
			return false, apperr.Internal(err, "failed to touch approval request")
		}
		req.UpdatedBy, req.Comment, req.UpdatedAt = actor, comment, now
		return false, nil
	}

	ok, err := s.transition(ctx, req.ID, next.Status(), actor, comment, now)
	if err != nil || !ok {
		return false, err
	}

	req.Status = next.Status()
	req.UpdatedBy, req.Comment, req.UpdatedAt = actor, comment, now
	resolved := now
	req.ResolvedAt = &resolved

	s.logger.Info("Approval request resolved",
		zap.String("request_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.String("trigger", trigger.String()),
		zap.Int("approvals", tally.Approvals),
		zap.Int("min_approvals", tally.MinApprovals))

	return true, nil
}

// transition is the only place a request leaves pending. The status guard
// keeps concurrent terminal writes idempotent.
func (s *ApprovalStore) transition(ctx context.Context, id string, status entity.RequestStatus, actor, comment string, now time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE approval_requests
		SET status = ?, updated_by = ?, comment = ?, updated_at = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`)
	result, err := s.db.Executor(ctx).ExecContext(ctx, query,
		string(status), actor, comment, now, now, id, string(entity.StatusPending))
	if err != nil {
		s.logger.Error("Failed to update request status", zap.String("request_id", id), zap.Error(err))
		return false, apperr.Internal(err, "failed to update request status")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apperr.Internal(err, "failed to read affected rows")
	}
	return n == 1, nil
}

func (s *ApprovalStore) tally(ctx context.Context, req *entity.ApprovalRequest, now time.Time) (workflow.Tally, error) {
	tally := workflow.Tally{MinApprovals: req.MinApprovals, Expired: req.IsExpired(now)}

	query := s.db.Rebind(`SELECT decision, COUNT(*) FROM approval_decisions WHERE request_id = ? GROUP BY decision`)
	rows, err := s.db.Executor(ctx).QueryContext(ctx, query, req.ID)
	if err != nil {
		return tally, apperr.Internal(err, "failed to count decisions")
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return tally, apperr.Internal(err, "failed to scan decision count")
		}
		switch entity.DecisionKind(kind) {
		case entity.DecisionApprove:
			tally.Approvals = count
		case entity.DecisionReject:
			tally.Rejections = count
		}
	}
	if err := rows.Err(); err != nil {
		return tally, apperr.Internal(err, "failed to iterate decision counts")
	}
	return tally, nil
}

func (s *ApprovalStore) findDecision(ctx context.Context, requestID, approver string) (*entity.ApprovalDecision, error) {
	query := s.db.Rebind(`
		SELECT id, request_id, approver, decision, comment, created_at
		FROM approval_decisions
		WHERE request_id = ? AND approver = ?
	`)
	d, err := scanDecision(s.db.Executor(ctx).QueryRowContext(ctx, query, requestID, approver))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to get decision")
	}
	return d, nil
}

func (s *ApprovalStore) insertDecision(ctx context.Context, d *entity.NewDecision, now time.Time) (*entity.ApprovalDecision, error) {
	decision := &entity.ApprovalDecision{
		ID:        s.newID(),
		RequestID: d.RequestID,
		Approver:  d.Approver,
		Decision:  d.Decision,
		Comment:   d.Comment,
		CreatedAt: now,
	}

	query := s.db.Rebind(`
		INSERT INTO approval_decisions (id, request_id, approver, decision, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.Executor(ctx).ExecContext(ctx, query,
		decision.ID, decision.RequestID, decision.Approver, string(decision.Decision), decision.Comment, decision.CreatedAt)
	if err != nil {
		s.logger.Error("Failed to insert decision",
			zap.String("request_id", d.RequestID),
			zap.String("approver", d.Approver),
			zap.Error(err))
		return nil, apperr.Internal(err, "failed to insert decision")
	}
	return decision, nil
}

// updateDecision replaces an approver's vote while the request is pending
func (s *ApprovalStore) updateDecision(ctx context.Context, existing *entity.ApprovalDecision, d *entity.NewDecision, now time.Time) (*entity.ApprovalDecision, error) {
	query := s.db.Rebind(`UPDATE approval_decisions SET decision = ?, comment = ?, created_at = ? WHERE id = ?`)
	if _, err := s.db.Executor(ctx).ExecContext(ctx, query, string(d.Decision), d.Comment, now, existing.ID); err != nil {
		return nil, apperr.Internal(err, "failed to update decision")
	}
	updated := *existing
	updated.Decision = d.Decision
	updated.Comment = d.Comment
	updated.CreatedAt = now
	return &updated, nil
}

// ListDecisions returns decisions ordered by creation time ascending
func (s *ApprovalStore) ListDecisions(ctx context.Context, requestID string) ([]*entity.ApprovalDecision, error) {
	query := s.db.Rebind(`
		SELECT id, request_id, approver, decision, comment, created_at
		FROM approval_decisions
		WHERE request_id = ?
		ORDER BY created_at ASC, id ASC
	`)
	rows, err := s.db.Executor(ctx).QueryContext(ctx, query, requestID)
	if err != nil {
		s.logger.Error("Failed to list decisions", zap.String("request_id", requestID), zap.Error(err))
		return nil, apperr.Internal(err, "failed to list decisions")
	}
	defer rows.Close()

	decisions := make([]*entity.ApprovalDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, apperr.Internal(err, "failed to scan decision")
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "failed to iterate decisions")
	}
	return decisions, nil
}

// ExpireRequest rejects a pending request whose deadline has passed at now
func (s *ApprovalStore) ExpireRequest(ctx context.Context, id string, now time.Time) (*entity.ApprovalRequest, bool, error) {
	var (
		result  *entity.ApprovalRequest
		expired bool
	)
	err := s.db.WithTransaction(ctx, func(ctx context.Context) error {
		req, err := s.getRequest(ctx, id, true)
		if err != nil {
			return err
		}
		result = req
		if !req.IsExpired(now) {
			return nil
		}

		ts := now.UTC().Truncate(time.Microsecond)
		ok, err := s.transition(ctx, id, entity.StatusRejected, ExpiryActor, "", ts)
		if err != nil || !ok {
			return err
		}

		req.Status = entity.StatusRejected
		req.UpdatedBy = ExpiryActor
		req.Comment = ""
		req.UpdatedAt = ts
		req.ResolvedAt = &ts
		expired = true
		return nil
	})
	if err != nil {
		return nil, false, s.classify(err, "failed to expire request")
	}

	if expired {
		s.logger.Info("Approval request expired", zap.String("request_id", id))
	}
	return result, expired, nil
}

// classify keeps domain error kinds and wraps anything else as internal
func (s *ApprovalStore) classify(err error, msg string) error {
	for _, kind := range []error{apperr.ErrValidation, apperr.ErrNotFound, apperr.ErrConflict, apperr.ErrInternal} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return apperr.Internal(err, "%s", msg)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (*entity.ApprovalRequest, error) {
	var (
		req        entity.ApprovalRequest
		approvers  string
		status     string
		timeout    sql.NullInt64
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&req.ID,
		&req.TaskID,
		&req.Title,
		&req.Description,
		&approvers,
		&req.MinApprovals,
		&timeout,
		&status,
		&req.EntityRef,
		&req.CreatedBy,
		&req.UpdatedBy,
		&req.Comment,
		&req.CreatedAt,
		&req.UpdatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(approvers), &req.Approvers); err != nil {
		return nil, fmt.Errorf("failed to decode approvers of %s: %w", req.ID, err)
	}
	req.Status = entity.RequestStatus(status)
	if timeout.Valid {
		minutes := int(timeout.Int64)
		req.TimeoutMinutes = &minutes
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		req.ResolvedAt = &t
	}

	return &req, nil
}

func scanDecision(row scanner) (*entity.ApprovalDecision, error) {
	var (
		d    entity.ApprovalDecision
		kind string
	)
	if err := row.Scan(&d.ID, &d.RequestID, &d.Approver, &kind, &d.Comment, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Decision = entity.DecisionKind(kind)
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}
