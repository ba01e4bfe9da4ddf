package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/garyjia/devportal-approvals/internal/application/service"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/internal/domain/entity"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	service          service.ApprovalService
	defaultApprovers []string
	health           func(ctx context.Context) error
	logger           Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(svc service.ApprovalService, defaultApprovers []string, logger Logger) *Handlers {
	return &Handlers{service: svc, defaultApprovers: defaultApprovers, logger: logger}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// CreateApprovalRequest is the body of POST /approvals
type CreateApprovalRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Approvers      []string `json:"approvers"`
	EntityRef      string   `json:"entityRef"`
	TaskID         string   `json:"taskId"`
	MinApprovals   int      `json:"minApprovals"`
	TimeoutMinutes *int     `json:"timeoutMinutes"`
}

// UpdateStatusRequest is the body of PUT /approvals/:id/status
type UpdateStatusRequest struct {
	Status  entity.RequestStatus `json:"status"`
	Comment string               `json:"comment"`
}

// ListResponse wraps collection responses
type ListResponse[T any] struct {
	Items []T `json:"items"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CreateApproval handles POST /approvals
func (h *Handlers) CreateApproval(c *gin.Context) {
	var req CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	// An omitted list takes the defaults; an explicit empty list is rejected
	// by validation
	approvers := req.Approvers
	if approvers == nil {
		approvers = h.defaultApprovers
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = "manual-" + uuid.NewString()
	}

	principal := principalFrom(c)
	id, err := h.service.CreateRequest(c.Request.Context(), service.CreateParams{
		TaskID:         taskID,
		Title:          req.Title,
		Description:    req.Description,
		Approvers:      approvers,
		MinApprovals:   req.MinApprovals,
		TimeoutMinutes: req.TimeoutMinutes,
		EntityRef:      req.EntityRef,
		CreatedBy:      principal.UserRef,
	})
	if err != nil {
		h.fail(c, "Failed to create approval request", err)
		return
	}

	created, err := h.service.GetRequest(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to load created request", err, "id", id)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListApprovals handles GET /approvals
func (h *Handlers) ListApprovals(c *gin.Context) {
	filter := entity.RequestFilter{Status: entity.RequestStatus(c.Query("status"))}

	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		writeError(c, err)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		writeError(c, err)
		return
	}

	requests, err := h.service.ListRequests(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "Failed to list approval requests", err)
		return
	}
	if requests == nil {
		requests = []*entity.ApprovalRequest{}
	}
	c.JSON(http.StatusOK, ListResponse[*entity.ApprovalRequest]{Items: requests})
}

// GetApproval handles GET /approvals/:id
func (h *Handlers) GetApproval(c *gin.Context) {
	id := c.Param("id")
	req, err := h.service.GetRequest(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get approval request", err, "id", id)
		return
	}
	c.JSON(http.StatusOK, req)
}

// UpdateStatus handles PUT /approvals/:id/status. The caller's decision is
// recorded and the updated request returned.
func (h *Handlers) UpdateStatus(c *gin.Context) {
	id := c.Param("id")
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	principal := principalFrom(c)
	updated, err := h.service.UpdateStatus(c.Request.Context(), service.StatusUpdate{
		RequestID: id,
		Status:    req.Status,
		Actor:     principal.UserRef,
		Comment:   req.Comment,
	})
	if err != nil {
		h.fail(c, "Failed to update approval status", err, "id", id, "actor", principal.UserRef)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ListDecisions handles GET /approvals/:id/decisions
func (h *Handlers) ListDecisions(c *gin.Context) {
	id := c.Param("id")
	decisions, err := h.service.ListDecisions(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to list decisions", err, "id", id)
		return
	}
	if decisions == nil {
		decisions = []*entity.ApprovalDecision{}
	}
	c.JSON(http.StatusOK, ListResponse[*entity.ApprovalDecision]{Items: decisions})
}

// fail writes err and logs it when it maps to a server error
func (h *Handlers) fail(c *gin.Context, msg string, err error, keysAndValues ...interface{}) {
	if statusFor(err) == http.StatusInternalServerError {
		h.logger.Error(msg, append(keysAndValues, "error", err)...)
	}
	writeError(c, err)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}
