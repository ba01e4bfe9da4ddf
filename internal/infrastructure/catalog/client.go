// Package catalog looks up software catalog entities over HTTP.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/pkg/utils"
)

// DefaultTimeout bounds a single catalog lookup
const DefaultTimeout = 10 * time.Second

// Config holds catalog client configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements port.EntityCatalog against the catalog REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a catalog client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

var _ port.EntityCatalog = (*Client)(nil)

type entityResponse struct {
	Kind     string `json:"kind"`
	Metadata struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
		Title     string `json:"title"`
	} `json:"metadata"`
}

// GetEntityByRef fetches ref. Refs without a kind are treated as components.
func (c *Client) GetEntityByRef(ctx context.Context, ref string) (*port.CatalogEntity, error) {
	parsed, err := utils.ParseEntityRef(ref, utils.DefaultKind)
	if err != nil {
		return nil, apperr.Validation("invalid entityRef %q", ref)
	}

	endpoint := fmt.Sprintf("%s/entities/by-name/%s/%s/%s", c.baseURL,
		url.PathEscape(parsed.Kind), url.PathEscape(parsed.Namespace), url.PathEscape(parsed.Name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Internal(err, "failed to build catalog request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Catalog request failed", zap.String("ref", parsed.String()), zap.Error(err))
		return nil, apperr.Internal(err, "catalog lookup failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.NotFound("entity %s not found", parsed.String())
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("Catalog returned error",
			zap.String("ref", parsed.String()),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, apperr.Internal(nil, "catalog returned status %d", resp.StatusCode)
	}

	var body entityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperr.Internal(err, "failed to decode catalog entity")
	}

	entity := &port.CatalogEntity{
		Ref:       parsed.String(),
		Kind:      body.Kind,
		Namespace: body.Metadata.Namespace,
		Name:      body.Metadata.Name,
		Title:     body.Metadata.Title,
	}
	if entity.Namespace == "" {
		entity.Namespace = parsed.Namespace
	}
	if entity.Name == "" {
		entity.Name = parsed.Name
	}
	return entity, nil
}

// StaticCatalog serves entities from memory. Used when no catalog URL is
// configured; unknown refs resolve to an entity with no title.
type StaticCatalog struct {
	Entities map[string]*port.CatalogEntity
}

// GetEntityByRef returns the stored entity, or one built from ref
func (s *StaticCatalog) GetEntityByRef(ctx context.Context, ref string) (*port.CatalogEntity, error) {
	parsed, err := utils.ParseEntityRef(ref, utils.DefaultKind)
	if err != nil {
		return nil, apperr.Validation("invalid entityRef %q", ref)
	}
	if e, ok := s.Entities[parsed.String()]; ok {
		return e, nil
	}
	return &port.CatalogEntity{
		Ref:       parsed.String(),
		Kind:      parsed.Kind,
		Namespace: parsed.Namespace,
		Name:      parsed.Name,
	}, nil
}
