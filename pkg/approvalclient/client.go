// Package approvalclient is a Go client for the approval service HTTP API.
package approvalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultPollInterval is used by WaitForDecision when no interval is given
const DefaultPollInterval = 5 * time.Second

// Request is an approval request as returned by the API
type Request struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"taskId"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Approvers      []string   `json:"approvers"`
	MinApprovals   int        `json:"minApprovals"`
	TimeoutMinutes *int       `json:"timeoutMinutes,omitempty"`
	Status         string     `json:"status"`
	EntityRef      string     `json:"entityRef,omitempty"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	UpdatedBy      string     `json:"updatedBy,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Pending reports whether the request still awaits a decision
func (r *Request) Pending() bool {
	return r.Status == "pending"
}

// Decision is one approver's recorded vote
type Decision struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	Approver  string    `json:"approver"`
	Decision  string    `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateInput is the body of a create call. Nil Approvers lets the server
// apply its defaults.
type CreateInput struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Approvers      []string `json:"approvers,omitempty"`
	EntityRef      string   `json:"entityRef,omitempty"`
	TaskID         string   `json:"taskId,omitempty"`
	MinApprovals   int      `json:"minApprovals,omitempty"`
	TimeoutMinutes *int     `json:"timeoutMinutes,omitempty"`
}

// ListOptions filters ListApprovals
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("approval api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures the client
type Option func(*Client)

// WithToken authenticates with a bearer token
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUserHeader sends user in header name. Only honoured by servers
// running with a dev user header.
func WithUserHeader(name, user string) Option {
	return func(c *Client) { c.userHeader, c.user = name, user }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client calls the approval API mounted under /api/approval
type Client struct {
	baseURL    string
	token      string
	userHeader string
	user       string
	httpClient *http.Client
}

// New creates a client for the service at baseURL, e.g. http://localhost:7007
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/approval",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateApproval creates a request
func (c *Client) CreateApproval(ctx context.Context, in CreateInput) (*Request, error) {
	var out Request
	if err := c.do(ctx, http.MethodPost, "/approvals", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetApproval fetches a request by id
func (c *Client) GetApproval(ctx context.Context, id string) (*Request, error) {
	var out Request
	if err := c.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListApprovals lists requests, newest first
func (c *Client) ListApprovals(ctx context.Context, opts ListOptions) ([]Request, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/approvals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Items []Request `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// UpdateStatus records the caller's decision. status is approved or rejected.
func (c *Client) UpdateStatus(ctx context.Context, id, status, comment string) (*Request, error) {
	body := map[string]string{"status": status}
	if comment != "" {
		body["comment"] = comment
	}
	var out Request
	if err := c.do(ctx, http.MethodPut, "/approvals/"+url.PathEscape(id)+"/status", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDecisions lists the decisions recorded on a request
func (c *Client) ListDecisions(ctx context.Context, id string) ([]Decision, error) {
	var out struct {
		Items []Decision `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(id)+"/decisions", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// WaitForDecision polls until the request leaves pending or ctx is done
func (c *Client) WaitForDecision(ctx context.Context, id string, interval time.Duration) (*Request, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := c.GetApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		if !req.Pending() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userHeader != "" && c.user != "" {
		req.Header.Set(c.userHeader, c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
