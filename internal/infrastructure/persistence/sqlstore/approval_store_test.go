package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/internal/domain/entity"
	"github.com/garyjia/devportal-approvals/pkg/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*ApprovalStore, *fakeClock) {
	t.Helper()
	logger := zap.NewNop()
	db, err := database.New(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "approvals.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = database.NewMigrator(db, logger).Up(context.Background())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewApprovalStore(db, logger, WithClock(clock.Now)), clock
}

func intPtr(v int) *int { return &v }

func deployRequest() *entity.NewRequest {
	return &entity.NewRequest{
		TaskID:       "task-1",
		Title:        "Deploy",
		Description:  "Deploy payments to production",
		Approvers:    []string{"user:default/alice", "user:default/bob"},
		MinApprovals: 2,
		CreatedBy:    "user:default/carol",
	}
}

func decide(t *testing.T, s *ApprovalStore, id, approver string, kind entity.DecisionKind) *entity.DecisionOutcome {
	t.Helper()
	out, err := s.RecordDecision(context.Background(), &entity.NewDecision{
		RequestID: id,
		Approver:  approver,
		Decision:  kind,
	})
	require.NoError(t, err)
	return out
}

func TestCreateAndGetRequest(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	req := deployRequest()
	req.TimeoutMinutes = intPtr(30)
	id, err := s.CreateRequest(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "Deploy", got.Title)
	assert.Equal(t, []string{"user:default/alice", "user:default/bob"}, got.Approvers)
	assert.Equal(t, 2, got.MinApprovals)
	require.NotNil(t, got.TimeoutMinutes)
	assert.Equal(t, 30, *got.TimeoutMinutes)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Equal(t, "user:default/carol", got.CreatedBy)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))
	assert.Nil(t, got.ResolvedAt)

	again, err := s.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, got, again, "reads must not mutate the request")
}

func TestCreateRequest_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *entity.NewRequest)
	}{
		{"empty approvers", func(r *entity.NewRequest) { r.Approvers = []string{} }},
		{"blank approvers", func(r *entity.NewRequest) { r.Approvers = []string{" ", ""} }},
		{"missing task id", func(r *entity.NewRequest) { r.TaskID = "" }},
		{"missing title", func(r *entity.NewRequest) { r.Title = " " }},
		{"negative threshold", func(r *entity.NewRequest) { r.MinApprovals = -1 }},
		{"negative timeout", func(r *entity.NewRequest) { r.TimeoutMinutes = intPtr(-5) }},
		{"timeout past duration range", func(r *entity.NewRequest) { r.TimeoutMinutes = intPtr(entity.MaxTimeoutMinutes + 1) }},
		{"huge timeout", func(r *entity.NewRequest) { r.TimeoutMinutes = intPtr(200_000_000) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := deployRequest()
			tt.mutate(req)
			_, err := s.CreateRequest(ctx, req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	all, err := s.ListRequests(ctx, entity.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "invalid requests must not be persisted")
}

func TestCreateRequest_LargestTimeoutIsNotOverdue(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	req := deployRequest()
	req.TimeoutMinutes = intPtr(entity.MaxTimeoutMinutes)
	id, err := s.CreateRequest(ctx, req)
	require.NoError(t, err)

	got, err := s.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.IsExpired(clock.Now()))

	overdue, err := s.ListOverdue(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestCreateRequest_DefaultsThreshold(t *testing.T) {
	s, _ := newTestStore(t)
	req := deployRequest()
	req.MinApprovals = 0

	id, err := s.CreateRequest(context.Background(), req)
	require.NoError(t, err)

	got, err := s.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MinApprovals)
}

func TestGetRequest_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecordDecision_QuorumApproves(t *testing.T) {
	s, clock := newTestStore(t)
	id, err := s.CreateRequest(context.Background(), deployRequest())
	require.NoError(t, err)

	first := decide(t, s, id, "user:default/alice", entity.DecisionApprove)
	assert.False(t, first.Transitioned)
	assert.Equal(t, entity.StatusPending, first.Request.Status)

	// the same approver again does not count twice
	clock.Advance(time.Second)
	repeat := decide(t, s, id, "user:default/alice", entity.DecisionApprove)
	assert.False(t, repeat.Transitioned)
	assert.Equal(t, first.Decision.ID, repeat.Decision.ID)

	clock.Advance(time.Second)
	second := decide(t, s, id, "user:default/bob", entity.DecisionApprove)
	assert.True(t, second.Transitioned)
	assert.Equal(t, entity.StatusApproved, second.Request.Status)

	got, err := s.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, got.Status)
	assert.Equal(t, "user:default/bob", got.UpdatedBy)
	require.NotNil(t, got.ResolvedAt)

	decisions, err := s.ListDecisions(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "user:default/alice", decisions[0].Approver)
	assert.Equal(t, "user:default/bob", decisions[1].Approver)
}

func TestRecordDecision_RejectVetoes(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.CreateRequest(context.Background(), deployRequest())
	require.NoError(t, err)

	decide(t, s, id, "user:default/alice", entity.DecisionApprove)
	out := decide(t, s, id, "user:default/bob", entity.DecisionReject)

	assert.True(t, out.Transitioned)
	assert.Equal(t, entity.StatusRejected, out.Request.Status)
}

func TestRecordDecision_ChangedVoteWhilePending(t *testing.T) {
	s, _ := newTestStore(t)
	req := deployRequest()
	req.MinApprovals = 1
	id, err := s.CreateRequest(context.Background(), req)
	require.NoError(t, err)

	out := decide(t, s, id, "user:default/alice", entity.DecisionReject)
	assert.Equal(t, entity.StatusRejected, out.Request.Status)

	// once rejected the vote is final
	_, err = s.RecordDecision(context.Background(), &entity.NewDecision{
		RequestID: id, Approver: "user:default/alice", Decision: entity.DecisionApprove,
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRecordDecision_AfterTerminalAppendsForAudit(t *testing.T) {
	s, _ := newTestStore(t)
	req := deployRequest()
	req.MinApprovals = 1
	id, err := s.CreateRequest(context.Background(), req)
	require.NoError(t, err)

	decide(t, s, id, "user:default/alice", entity.DecisionApprove)
	late := decide(t, s, id, "user:default/bob", entity.DecisionReject)

	assert.False(t, late.Transitioned)
	assert.Equal(t, entity.StatusApproved, late.Request.Status, "late reject must not resurrect the request")

	decisions, err := s.ListDecisions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

func TestRecordDecision_Errors(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.RecordDecision(context.Background(), &entity.NewDecision{
		RequestID: "missing", Approver: "user:default/alice", Decision: entity.DecisionApprove,
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.RecordDecision(context.Background(), &entity.NewDecision{
		RequestID: "missing", Approver: "user:default/alice", Decision: "maybe",
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRecordDecision_ConcurrentApprovalsTransitionOnce(t *testing.T) {
	s, _ := newTestStore(t)
	req := deployRequest()
	req.Approvers = []string{"group:default/admins"}
	req.MinApprovals = 3
	id, err := s.CreateRequest(context.Background(), req)
	require.NoError(t, err)

	const voters = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
		errs        []error
	)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := s.RecordDecision(context.Background(), &entity.NewDecision{
				RequestID: id,
				Approver:  fmt.Sprintf("user:default/voter-%d", i),
				Decision:  entity.DecisionApprove,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if out.Transitioned {
				transitions++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, transitions)

	got, err := s.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, got.Status)

	decisions, err := s.ListDecisions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, decisions, voters)
}

func TestExpireRequest(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	req := deployRequest()
	req.TimeoutMinutes = intPtr(10)
	id, err := s.CreateRequest(ctx, req)
	require.NoError(t, err)

	got, expired, err := s.ExpireRequest(ctx, id, clock.Now().Add(9*time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, entity.StatusPending, got.Status)

	got, expired, err = s.ExpireRequest(ctx, id, clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, entity.StatusRejected, got.Status)
	assert.Equal(t, ExpiryActor, got.UpdatedBy)

	// second call is a no-op reporting the persisted state
	got, expired, err = s.ExpireRequest(ctx, id, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, entity.StatusRejected, got.Status)

	_, _, err = s.ExpireRequest(ctx, "missing", clock.Now())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestExpireRequest_ZeroTimeoutAndNoTimeout(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	zero := deployRequest()
	zero.TimeoutMinutes = intPtr(0)
	zeroID, err := s.CreateRequest(ctx, zero)
	require.NoError(t, err)

	never := deployRequest()
	neverID, err := s.CreateRequest(ctx, never)
	require.NoError(t, err)

	_, expired, err := s.ExpireRequest(ctx, zeroID, clock.Now())
	require.NoError(t, err)
	assert.True(t, expired)

	_, expired, err = s.ExpireRequest(ctx, neverID, clock.Now().Add(24*365*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestRecordDecision_AfterDeadlineExpires(t *testing.T) {
	s, clock := newTestStore(t)
	req := deployRequest()
	req.MinApprovals = 1
	req.TimeoutMinutes = intPtr(5)
	id, err := s.CreateRequest(context.Background(), req)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	out, err := s.RecordDecision(context.Background(), &entity.NewDecision{
		RequestID: id,
		Approver:  "user:default/alice",
		Decision:  entity.DecisionApprove,
		Comment:   "looks fine",
	})
	require.NoError(t, err)

	assert.True(t, out.Transitioned)
	assert.Equal(t, entity.StatusRejected, out.Request.Status)
	assert.Equal(t, ExpiryActor, out.Request.UpdatedBy)
	assert.Empty(t, out.Request.Comment)

	got, err := s.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ExpiryActor, got.UpdatedBy)
	assert.Empty(t, got.Comment, "an expiry does not carry the late voter's comment")
	assert.True(t, got.ExpiredBySystem())
}

func TestListOverdue(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for _, minutes := range []int{1, 5, 60} {
		req := deployRequest()
		req.TaskID = fmt.Sprintf("task-%d", minutes)
		req.TimeoutMinutes = intPtr(minutes)
		_, err := s.CreateRequest(ctx, req)
		require.NoError(t, err)
	}
	_, err := s.CreateRequest(ctx, deployRequest())
	require.NoError(t, err)

	overdue, err := s.ListOverdue(ctx, clock.Now().Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, "task-1", overdue[0].TaskID)
	assert.Equal(t, "task-5", overdue[1].TaskID)

	limited, err := s.ListOverdue(ctx, clock.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListRequests(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		req := deployRequest()
		req.MinApprovals = 1
		req.TaskID = fmt.Sprintf("task-%d", i)
		id, err := s.CreateRequest(ctx, req)
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}
	decide(t, s, ids[0], "user:default/alice", entity.DecisionApprove)

	all, err := s.ListRequests(ctx, entity.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")

	pending, err := s.ListRequests(ctx, entity.RequestFilter{Status: entity.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	page, err := s.ListRequests(ctx, entity.RequestFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	_, err = s.ListRequests(ctx, entity.RequestFilter{Status: "archived"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
