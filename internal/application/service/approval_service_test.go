package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/internal/domain/entity"
	"github.com/garyjia/devportal-approvals/internal/domain/event"
	"github.com/garyjia/devportal-approvals/internal/domain/workflow"
)

// memStore is an in-memory port.ApprovalStore. Hooks inject failures.
type memStore struct {
	mu        sync.Mutex
	seq       int
	now       func() time.Time
	requests  map[string]*entity.ApprovalRequest
	decisions map[string][]*entity.ApprovalDecision

	getHook     func(call int) error
	getCalls    int
	createCalls int
	expireCalls int
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:       now,
		requests:  map[string]*entity.ApprovalRequest{},
		decisions: map[string][]*entity.ApprovalDecision{},
	}
}

func (m *memStore) CreateRequest(ctx context.Context, n *entity.NewRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	n.Normalize()
	if err := n.Validate(); err != nil {
		return "", err
	}
	m.seq++
	id := fmt.Sprintf("req-%d", m.seq)
	now := m.now()
	m.requests[id] = &entity.ApprovalRequest{
		ID: id, TaskID: n.TaskID, Title: n.Title, Description: n.Description,
		Approvers: n.Approvers, MinApprovals: n.MinApprovals, TimeoutMinutes: n.TimeoutMinutes,
		Status: entity.StatusPending, EntityRef: n.EntityRef, CreatedBy: n.CreatedBy,
		CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (m *memStore) GetRequest(ctx context.Context, id string) (*entity.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getHook != nil {
		if err := m.getHook(m.getCalls); err != nil {
			return nil, err
		}
	}
	req, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("approval request %s", id)
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) ListRequests(ctx context.Context, filter entity.RequestFilter) ([]*entity.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*entity.ApprovalRequest{}
	for _, r := range m.requests {
		if filter.Status == "" || r.Status == filter.Status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) RecordDecision(ctx context.Context, d *entity.NewDecision) (*entity.DecisionOutcome, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[d.RequestID]
	if !ok {
		return nil, apperr.NotFound("approval request %s", d.RequestID)
	}

	var existing *entity.ApprovalDecision
	for _, dec := range m.decisions[d.RequestID] {
		if dec.Approver == d.Approver {
			existing = dec
		}
	}
	if req.Status.IsTerminal() && existing != nil {
		return nil, apperr.Conflict("already decided")
	}
	if existing != nil {
		existing.Decision, existing.Comment = d.Decision, d.Comment
	} else {
		existing = &entity.ApprovalDecision{
			ID: fmt.Sprintf("dec-%d", len(m.decisions[d.RequestID])+1), RequestID: d.RequestID,
			Approver: d.Approver, Decision: d.Decision, Comment: d.Comment, CreatedAt: m.now(),
		}
		m.decisions[d.RequestID] = append(m.decisions[d.RequestID], existing)
	}

	tally := workflow.Tally{MinApprovals: req.MinApprovals, Expired: req.IsExpired(m.now())}
	for _, dec := range m.decisions[d.RequestID] {
		if dec.Decision == entity.DecisionApprove {
			tally.Approvals++
		} else {
			tally.Rejections++
		}
	}
	transitioned := false
	if !req.Status.IsTerminal() {
		next, trig, changed := workflow.Evaluate(workflow.FromStatus(req.Status), tally)
		if changed {
			req.Status = next.Status()
			req.UpdatedBy = d.Approver
			if trig == workflow.TriggerExpire {
				req.UpdatedBy = entity.ExpiryActor
			}
			resolved := m.now()
			req.ResolvedAt = &resolved
			transitioned = true
		}
	}
	cpReq, cpDec := *req, *existing
	return &entity.DecisionOutcome{Decision: &cpDec, Request: &cpReq, Transitioned: transitioned}, nil
}

func (m *memStore) ListDecisions(ctx context.Context, id string) ([]*entity.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.ApprovalDecision, 0, len(m.decisions[id]))
	for _, d := range m.decisions[id] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ExpireRequest(ctx context.Context, id string, now time.Time) (*entity.ApprovalRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireCalls++
	req, ok := m.requests[id]
	if !ok {
		return nil, false, apperr.NotFound("approval request %s", id)
	}
	expired := req.IsExpired(now)
	if expired {
		req.Status = entity.StatusRejected
		req.UpdatedBy = entity.ExpiryActor
		req.ResolvedAt = &now
	}
	cp := *req
	return &cp, expired, nil
}

func (m *memStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*entity.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*entity.ApprovalRequest{}
	for _, r := range m.requests {
		if r.IsExpired(now) && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) status(id string) entity.RequestStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].Status
}

type mockCatalog struct {
	getFunc func(ctx context.Context, ref string) (*port.CatalogEntity, error)
}

func (m *mockCatalog) GetEntityByRef(ctx context.Context, ref string) (*port.CatalogEntity, error) {
	return m.getFunc(ctx, ref)
}

// chanNotifier hands out one shared channel per request
type chanNotifier struct {
	mu       sync.Mutex
	channels map[string]chan struct{}
	released atomic.Int32
}

func (n *chanNotifier) Notify(ctx context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.channels[id]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *chanNotifier) Subscribe(ctx context.Context, id string) (<-chan struct{}, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channels == nil {
		n.channels = map[string]chan struct{}{}
	}
	ch := make(chan struct{}, 1)
	n.channels[id] = ch
	return ch, func() { n.released.Add(1) }, nil
}

type mockLogger struct{}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   ApprovalService
	store *memStore
	clock *testClock
}

func newFixture(t *testing.T, mutate func(*Dependencies)) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemStore(clock.Now)
	deps := Dependencies{Store: store, Logger: &mockLogger{}}
	if mutate != nil {
		mutate(&deps)
	}
	svc := NewApprovalService(deps, Options{
		PollInterval:           5 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		Now:                    clock.Now,
	})
	return &fixture{svc: svc, store: store, clock: clock}
}

func intPtr(v int) *int { return &v }

func deployParams() CreateParams {
	return CreateParams{
		TaskID:       "task-1",
		Title:        "Deploy",
		Description:  "Deploy payments",
		Approvers:    []string{"user:default/alice", "user:default/bob"},
		MinApprovals: 2,
	}
}

func TestApprovalService_CreateRequest(t *testing.T) {
	t.Run("empty approvers fail before persistence", func(t *testing.T) {
		f := newFixture(t, nil)
		params := deployParams()
		params.Approvers = []string{}

		_, err := f.svc.CreateRequest(context.Background(), params)
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Zero(t, f.store.createCalls)
	})

	t.Run("entity title prefixes request title", func(t *testing.T) {
		f := newFixture(t, func(d *Dependencies) {
			d.Catalog = &mockCatalog{getFunc: func(ctx context.Context, ref string) (*port.CatalogEntity, error) {
				return &port.CatalogEntity{Ref: ref, Title: "Payments API"}, nil
			}}
		})
		params := deployParams()
		params.EntityRef = "component:default/payments"

		id, err := f.svc.CreateRequest(context.Background(), params)
		require.NoError(t, err)

		req, err := f.svc.GetRequest(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "[Payments API] Deploy", req.Title)
		assert.Equal(t, "component:default/payments", req.EntityRef)
	})

	t.Run("unresolvable entity is surfaced", func(t *testing.T) {
		f := newFixture(t, func(d *Dependencies) {
			d.Catalog = &mockCatalog{getFunc: func(ctx context.Context, ref string) (*port.CatalogEntity, error) {
				return nil, apperr.NotFound("entity %s", ref)
			}}
		})
		params := deployParams()
		params.EntityRef = "component:default/ghost"

		_, err := f.svc.CreateRequest(context.Background(), params)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.Zero(t, f.store.createCalls)
	})

	t.Run("emits request.created", func(t *testing.T) {
		events := dispatcher.NewDispatcher()
		var got []*event.Event
		var mu sync.Mutex
		events.SubscribeAll("capture", func(ctx context.Context, evt *event.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, evt)
			return nil
		})
		f := newFixture(t, func(d *Dependencies) { d.Events = events })

		id, err := f.svc.CreateRequest(context.Background(), deployParams())
		require.NoError(t, err)
		require.NoError(t, events.Close())

		require.Len(t, got, 1)
		assert.Equal(t, event.TypeRequestCreated, got[0].Type)
		assert.Equal(t, id, got[0].RequestID)
		assert.Equal(t, "task-1", got[0].TaskID)
	})
}

func TestApprovalService_DeployScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.CreateRequest(ctx, deployParams())
	require.NoError(t, err)

	out, err := f.svc.Approve(ctx, id, "user:default/alice", "looks good")
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Equal(t, entity.StatusPending, f.store.status(id), "one of two approvals keeps it pending")

	out, err = f.svc.Approve(ctx, id, "user:default/bob", "")
	require.NoError(t, err)
	assert.True(t, out.Transitioned)

	res, err := f.svc.WaitForDecision(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, "user:default/alice", res.Decisions[0].Approver)
}

func TestApprovalService_WaitForDecision(t *testing.T) {
	t.Run("resolves once quorum is reached while waiting", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		id, err := f.svc.CreateRequest(ctx, deployParams())
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = f.svc.Approve(ctx, id, "user:default/alice", "")
			time.Sleep(20 * time.Millisecond)
			_, _ = f.svc.Approve(ctx, id, "user:default/bob", "")
		}()

		res, err := f.svc.WaitForDecision(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.Len(t, res.Decisions, 2)
	})

	t.Run("single reject vetoes prior approvals", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		id, err := f.svc.CreateRequest(ctx, deployParams())
		require.NoError(t, err)

		_, err = f.svc.Approve(ctx, id, "user:default/alice", "")
		require.NoError(t, err)
		_, err = f.svc.Reject(ctx, id, "user:default/bob", "not today")
		require.NoError(t, err)

		res, err := f.svc.WaitForDecision(ctx, id)
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Len(t, res.Decisions, 2)
	})

	t.Run("missing request resolves not approved", func(t *testing.T) {
		f := newFixture(t, nil)

		res, err := f.svc.WaitForDecision(context.Background(), "nope")
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.NotNil(t, res.Decisions)
		assert.Empty(t, res.Decisions)
	})

	t.Run("elapsed timeout resolves not approved and persists", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		params := deployParams()
		params.TimeoutMinutes = intPtr(30)
		id, err := f.svc.CreateRequest(ctx, params)
		require.NoError(t, err)
		_, err = f.svc.Approve(ctx, id, "user:default/alice", "")
		require.NoError(t, err)

		f.clock.Advance(30 * time.Minute)

		res, err := f.svc.WaitForDecision(ctx, id)
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Empty(t, res.Decisions)
		assert.Equal(t, entity.StatusRejected, f.store.status(id))
		assert.Equal(t, 1, f.store.expireCalls)
	})

	t.Run("zero timeout resolves on first poll", func(t *testing.T) {
		f := newFixture(t, nil)
		params := deployParams()
		params.TimeoutMinutes = intPtr(0)
		id, err := f.svc.CreateRequest(context.Background(), params)
		require.NoError(t, err)

		res, err := f.svc.WaitForDecision(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Equal(t, 1, f.store.getCalls)
	})

	t.Run("cancellation returns ctx error and leaves request pending", func(t *testing.T) {
		f := newFixture(t, nil)
		id, err := f.svc.CreateRequest(context.Background(), deployParams())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err = f.svc.WaitForDecision(ctx, id)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, entity.StatusPending, f.store.status(id))
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		f := newFixture(t, nil)
		params := deployParams()
		params.MinApprovals = 1
		id, err := f.svc.CreateRequest(context.Background(), params)
		require.NoError(t, err)
		_, err = f.svc.Approve(context.Background(), id, "user:default/alice", "")
		require.NoError(t, err)

		f.store.mu.Lock()
		f.store.getHook = func(call int) error {
			if call <= 2 {
				return apperr.Internal(errors.New("database is locked"), "failed to get approval request")
			}
			return nil
		}
		f.store.mu.Unlock()

		res, err := f.svc.WaitForDecision(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, res.Approved)
	})

	t.Run("gives up after consecutive failures", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.getHook = func(call int) error {
			return errors.New("connection refused")
		}

		_, err := f.svc.WaitForDecision(context.Background(), "req-1")
		assert.ErrorIs(t, err, apperr.ErrInternal)
		assert.Equal(t, 3, f.store.getCalls)
	})

	t.Run("notifier wakes waiter before the poll interval", func(t *testing.T) {
		notifier := &chanNotifier{}
		clock := &testClock{now: time.Now()}
		store := newMemStore(clock.Now)
		svc := NewApprovalService(Dependencies{Store: store, Notifier: notifier, Logger: &mockLogger{}},
			Options{PollInterval: time.Hour, Now: clock.Now})

		params := deployParams()
		params.MinApprovals = 1
		id, err := svc.CreateRequest(context.Background(), params)
		require.NoError(t, err)

		done := make(chan *WaitResult, 1)
		go func() {
			res, _ := svc.WaitForDecision(context.Background(), id)
			done <- res
		}()

		require.Eventually(t, func() bool {
			store.mu.Lock()
			defer store.mu.Unlock()
			return store.getCalls >= 1
		}, time.Second, time.Millisecond)

		_, err = svc.Approve(context.Background(), id, "user:default/alice", "")
		require.NoError(t, err)
		require.NoError(t, notifier.Notify(context.Background(), id))

		select {
		case res := <-done:
			require.NotNil(t, res)
			assert.True(t, res.Approved)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not woken by the notifier")
		}
		assert.Equal(t, int32(1), notifier.released.Load())
	})
}

func TestApprovalService_WaitIgnoresDecisionsAfterResolution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	params := deployParams()
	params.MinApprovals = 1
	id, err := f.svc.CreateRequest(ctx, params)
	require.NoError(t, err)

	out, err := f.svc.Approve(ctx, id, "user:default/alice", "ship it")
	require.NoError(t, err)
	require.True(t, out.Transitioned)

	f.clock.Advance(time.Minute)
	late, err := f.svc.Reject(ctx, id, "user:default/bob", "too late")
	require.NoError(t, err)
	assert.False(t, late.Transitioned)

	all, err := f.svc.ListDecisions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, all, 2, "late decisions stay on record")

	result, err := f.svc.WaitForDecision(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.Approved)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, "user:default/alice", result.Decisions[0].Approver)
	assert.Equal(t, entity.DecisionApprove, result.Decisions[0].Decision)
}

func TestApprovalService_ReadsAreIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, err := f.svc.CreateRequest(ctx, deployParams())
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, id, "user:default/alice", "")
	require.NoError(t, err)

	first, err := f.svc.GetRequest(ctx, id)
	require.NoError(t, err)
	firstDecisions, err := f.svc.ListDecisions(ctx, id)
	require.NoError(t, err)

	second, err := f.svc.GetRequest(ctx, id)
	require.NoError(t, err)
	secondDecisions, err := f.svc.ListDecisions(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstDecisions, secondDecisions)

	_, err = f.svc.ListDecisions(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestApprovalService_UpdateStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	params := deployParams()
	params.MinApprovals = 1
	id, err := f.svc.CreateRequest(ctx, params)
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, StatusUpdate{RequestID: id, Status: entity.StatusPending, Actor: "user:default/alice"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	req, err := f.svc.UpdateStatus(ctx, StatusUpdate{RequestID: id, Status: entity.StatusApproved, Actor: "user:default/alice", Comment: "ship it"})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, req.Status)

	_, err = f.svc.UpdateStatus(ctx, StatusUpdate{RequestID: id, Status: entity.StatusRejected, Actor: "user:default/alice"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.svc.UpdateStatus(ctx, StatusUpdate{RequestID: "missing", Status: entity.StatusApproved, Actor: "user:default/alice"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestApprovalService_ExpireOverdue(t *testing.T) {
	events := dispatcher.NewDispatcher()
	var resolved atomic.Int32
	events.Subscribe(event.TypeRequestResolved, "count", func(ctx context.Context, evt *event.Event) error {
		if evt.GetPayloadString(event.KeyTrigger) == workflow.TriggerExpire.String() {
			resolved.Add(1)
		}
		return nil
	})
	f := newFixture(t, func(d *Dependencies) { d.Events = events })
	ctx := context.Background()

	for _, minutes := range []int{5, 10, 120} {
		params := deployParams()
		params.TimeoutMinutes = intPtr(minutes)
		_, err := f.svc.CreateRequest(ctx, params)
		require.NoError(t, err)
	}
	_, err := f.svc.CreateRequest(ctx, deployParams())
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	n, err := f.svc.ExpireOverdue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.ExpireOverdue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, events.Close())
	assert.Equal(t, int32(2), resolved.Load())
}
