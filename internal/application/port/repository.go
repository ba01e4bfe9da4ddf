package port

import (
	"context"
	"time"

	"github.com/garyjia/devportal-approvals/internal/domain/entity"
)

// ApprovalStore is the durable owner of approval requests and their decisions.
// Implementations return apperr kinds: ErrValidation, ErrNotFound, ErrConflict
// and ErrInternal for driver failures.
type ApprovalStore interface {
	// CreateRequest validates and persists a pending request and returns its id
	CreateRequest(ctx context.Context, req *entity.NewRequest) (string, error)

	GetRequest(ctx context.Context, id string) (*entity.ApprovalRequest, error)

	ListRequests(ctx context.Context, filter entity.RequestFilter) ([]*entity.ApprovalRequest, error)

	// RecordDecision inserts the decision and recomputes the request status in
	// one transaction with the request row locked
	RecordDecision(ctx context.Context, d *entity.NewDecision) (*entity.DecisionOutcome, error)

	// ListDecisions returns decisions ordered by creation time ascending
	ListDecisions(ctx context.Context, requestID string) ([]*entity.ApprovalDecision, error)

	// ExpireRequest rejects the request if it is still pending and its deadline
	// has passed at now. expired is false when nothing changed, in which case
	// the returned request reflects the current persisted state.
	ExpireRequest(ctx context.Context, id string, now time.Time) (req *entity.ApprovalRequest, expired bool, err error)

	// ListOverdue returns pending requests whose deadline is at or before now
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*entity.ApprovalRequest, error)
}
