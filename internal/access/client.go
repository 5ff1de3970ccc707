package access

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/staffhub/staffhub/internal/permcache"
	"github.com/staffhub/staffhub/internal/platform/httpx"
)

// Upstream is the backend API holding the source of truth for pages, roles and
// users.
type Upstream interface {
	PageVisibility(ctx context.Context, pageKey string) (bool, error)
	AllPages(ctx context.Context) ([]permcache.PageVisibility, error)
	UpdatePageVisibility(ctx context.Context, pageKey string, enabled bool) error
	RolePermission(ctx context.Context, roleKey, pageKey string) (bool, error)
	RolePages(ctx context.Context, roleKey string) ([]permcache.PageAccess, error)
	UpdateRolePages(ctx context.Context, roleKey string, pages []permcache.PageAccess) error
	UserPermissions(ctx context.Context, userID string) (permcache.UserPermissionSet, error)
}

// BreakerConfig tunes the circuit breaker in front of the backend API.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig trips after 5 requests with at least 60% failures.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Client calls the backend API over HTTP JSON.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient builds a Client for baseURL. A nil httpClient uses a client with
// a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client, breaker BreakerConfig, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend-api",
		MaxRequests: breaker.MaxRequests,
		Interval:    breaker.Interval,
		Timeout:     breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breaker.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", slog.String("name", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, httpx.ErrNotFound) || errors.Is(err, context.Canceled)
		},
	})
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		breaker: cb,
		logger:  logger,
	}
}

type visibilityBody struct {
	IsEnabled bool `json:"is_enabled"`
}

type accessBody struct {
	HasAccess bool `json:"has_access"`
}

// PageVisibility fetches {is_enabled} for one page.
func (c *Client) PageVisibility(ctx context.Context, pageKey string) (bool, error) {
	var out visibilityBody
	err := c.do(ctx, http.MethodGet, "/api/pages/"+url.PathEscape(pageKey)+"/visibility", nil, &out)
	return out.IsEnabled, err
}

// AllPages fetches the visibility of every page.
func (c *Client) AllPages(ctx context.Context) ([]permcache.PageVisibility, error) {
	var out []permcache.PageVisibility
	if err := c.do(ctx, http.MethodGet, "/api/pages/visibility", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePageVisibility toggles one page.
func (c *Client) UpdatePageVisibility(ctx context.Context, pageKey string, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/api/pages/"+url.PathEscape(pageKey)+"/visibility", visibilityBody{IsEnabled: enabled}, nil)
}

// RolePermission fetches {has_access} for roleKey on pageKey.
func (c *Client) RolePermission(ctx context.Context, roleKey, pageKey string) (bool, error) {
	var out accessBody
	err := c.do(ctx, http.MethodGet, "/api/roles/"+url.PathEscape(roleKey)+"/pages/"+url.PathEscape(pageKey)+"/access", nil, &out)
	return out.HasAccess, err
}

// RolePages fetches every page permission of roleKey.
func (c *Client) RolePages(ctx context.Context, roleKey string) ([]permcache.PageAccess, error) {
	var out []permcache.PageAccess
	if err := c.do(ctx, http.MethodGet, "/api/roles/"+url.PathEscape(roleKey)+"/pages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRolePages replaces the page permissions of roleKey.
func (c *Client) UpdateRolePages(ctx context.Context, roleKey string, pages []permcache.PageAccess) error {
	if pages == nil {
		pages = []permcache.PageAccess{}
	}
	return c.do(ctx, http.MethodPut, "/api/roles/"+url.PathEscape(roleKey)+"/pages", pages, nil)
}

// UserPermissions fetches the effective permission set of userID.
func (c *Client) UserPermissions(ctx context.Context, userID string) (permcache.UserPermissionSet, error) {
	var out permcache.UserPermissionSet
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/permissions", nil, &out); err != nil {
		return permcache.UserPermissionSet{}, err
	}
	out.UserID = userID
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s %s: %v", httpx.ErrUnavailable, method, path, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("access: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("access: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", httpx.ErrUpstream, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", httpx.ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: status %d", httpx.ErrUpstream, method, path, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", httpx.ErrUpstream, path, err)
	}
	return nil
}
