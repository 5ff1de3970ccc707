// Package access answers page visibility and permission questions, serving
// from the permission cache and falling back to the backend API.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/staffhub/staffhub/internal/permcache"
	"github.com/staffhub/staffhub/internal/platform/httpx"
)

// Service applies the fetch-then-cache pattern and keeps the cache coherent
// when pages, roles or sessions change.
type Service struct {
	cache    *permcache.Cache
	upstream Upstream
	group    singleflight.Group
	logger   *slog.Logger
}

// NewService wires the cache with the backend API.
func NewService(cache *permcache.Cache, upstream Upstream, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: cache, upstream: upstream, logger: logger}
}

// PageVisibility reports whether pageKey is enabled.
func (s *Service) PageVisibility(ctx context.Context, pageKey string) (permcache.PageVisibility, error) {
	if err := requireID("page key", pageKey); err != nil {
		return permcache.PageVisibility{}, err
	}
	if v, ok := s.cache.PageVisibilityFor(ctx, pageKey); ok {
		return v, nil
	}
	return load(ctx, s, permcache.PageVisibilityKey(pageKey), func(ctx context.Context) (permcache.PageVisibility, error) {
		enabled, err := s.upstream.PageVisibility(ctx, pageKey)
		if err != nil {
			return permcache.PageVisibility{}, err
		}
		v := permcache.PageVisibility{PageKey: pageKey, IsEnabled: enabled}
		s.cache.StorePageVisibility(ctx, v)
		return v, nil
	})
}

// AllPages returns the visibility of every page.
func (s *Service) AllPages(ctx context.Context) (permcache.PagesSnapshot, error) {
	if snap, ok := s.cache.AllPages(ctx); ok {
		return snap, nil
	}
	return load(ctx, s, permcache.AllPagesVisibilityKey(), s.refreshAllPages)
}

// SetPageVisibility toggles pageKey upstream and drops the stale cache entries.
func (s *Service) SetPageVisibility(ctx context.Context, pageKey string, enabled bool) error {
	if err := requireID("page key", pageKey); err != nil {
		return err
	}
	if err := s.upstream.UpdatePageVisibility(ctx, pageKey, enabled); err != nil {
		return err
	}
	if err := s.cache.InvalidatePage(ctx, pageKey); err != nil {
		return err
	}
	s.logger.Info("page visibility changed", slog.String("page", pageKey), slog.Bool("enabled", enabled))
	return nil
}

// RolePermission reports whether roleKey may open pageKey.
func (s *Service) RolePermission(ctx context.Context, roleKey, pageKey string) (permcache.RolePermission, error) {
	if err := requireID("role key", roleKey); err != nil {
		return permcache.RolePermission{}, err
	}
	if err := requireID("page key", pageKey); err != nil {
		return permcache.RolePermission{}, err
	}
	if p, ok := s.cache.RolePermissionFor(ctx, roleKey, pageKey); ok {
		return p, nil
	}
	return load(ctx, s, permcache.RolePermissionKey(roleKey, pageKey), func(ctx context.Context) (permcache.RolePermission, error) {
		allowed, err := s.upstream.RolePermission(ctx, roleKey, pageKey)
		if err != nil {
			return permcache.RolePermission{}, err
		}
		p := permcache.RolePermission{RoleKey: roleKey, PageKey: pageKey, HasAccess: allowed}
		s.cache.StoreRolePermission(ctx, p)
		return p, nil
	})
}

// RolePages returns every page permission of roleKey.
func (s *Service) RolePages(ctx context.Context, roleKey string) (permcache.RolePages, error) {
	if err := requireID("role key", roleKey); err != nil {
		return permcache.RolePages{}, err
	}
	if p, ok := s.cache.RolePagesFor(ctx, roleKey); ok {
		return p, nil
	}
	return load(ctx, s, permcache.RoleAllPagesKey(roleKey), func(ctx context.Context) (permcache.RolePages, error) {
		return s.refreshRolePages(ctx, roleKey)
	})
}

// UpdateRolePages replaces the page permissions of roleKey upstream and drops
// every cache entry derived from the role.
func (s *Service) UpdateRolePages(ctx context.Context, roleKey string, pages []permcache.PageAccess) error {
	if err := requireID("role key", roleKey); err != nil {
		return err
	}
	if err := s.upstream.UpdateRolePages(ctx, roleKey, pages); err != nil {
		return err
	}
	if err := s.cache.InvalidateRole(ctx, roleKey); err != nil {
		return err
	}
	s.logger.Info("role permissions changed", slog.String("role", roleKey), slog.Int("pages", len(pages)))
	return nil
}

// UserPermissions returns the effective permission set of userID.
func (s *Service) UserPermissions(ctx context.Context, userID string) (permcache.UserPermissionSet, error) {
	if err := requireID("user id", userID); err != nil {
		return permcache.UserPermissionSet{}, err
	}
	if u, ok := s.cache.UserPermissionsFor(ctx, userID); ok {
		return u, nil
	}
	return load(ctx, s, permcache.UserPermissionsKey(userID), func(ctx context.Context) (permcache.UserPermissionSet, error) {
		u, err := s.upstream.UserPermissions(ctx, userID)
		if err != nil {
			return permcache.UserPermissionSet{}, err
		}
		u.UserID = userID
		s.cache.StoreUserPermissions(ctx, u)
		return u, nil
	})
}

// UserCanOpen reports whether pageKey is enabled and granted to userID.
func (s *Service) UserCanOpen(ctx context.Context, userID, pageKey string) (bool, error) {
	vis, err := s.PageVisibility(ctx, pageKey)
	if err != nil {
		return false, err
	}
	if !vis.IsEnabled {
		return false, nil
	}
	perms, err := s.UserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return perms.CanOpen(pageKey), nil
}

// Logout wipes the cache so nothing leaks into the next session.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("permission cache cleared on logout", slog.String("user", userID))
	return nil
}

// Invalidate drops one key.
func (s *Service) Invalidate(ctx context.Context, key string) error {
	return s.cache.Invalidate(ctx, key)
}

// InvalidatePrefix drops every key under prefix.
func (s *Service) InvalidatePrefix(ctx context.Context, prefix string) error {
	if err := s.cache.InvalidateByPrefix(ctx, prefix); err != nil {
		if errors.Is(err, permcache.ErrEmptyPrefix) {
			return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
		}
		return err
	}
	return nil
}

// InvalidatePage drops the cached state of pageKey.
func (s *Service) InvalidatePage(ctx context.Context, pageKey string) error {
	return s.cache.InvalidatePage(ctx, pageKey)
}

// InvalidateRole drops every entry derived from roleKey.
func (s *Service) InvalidateRole(ctx context.Context, roleKey string) error {
	return s.cache.InvalidateRole(ctx, roleKey)
}

// InvalidateUser drops every entry of userID.
func (s *Service) InvalidateUser(ctx context.Context, userID string) error {
	return s.cache.InvalidateUser(ctx, userID)
}

// Clear wipes the cache namespace.
func (s *Service) Clear(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

// Warm refetches the all-pages snapshot and the page permissions of roles,
// overwriting whatever is cached.
func (s *Service) Warm(ctx context.Context, roles []string) error {
	if _, err := s.refreshAllPages(ctx); err != nil {
		return fmt.Errorf("warm pages: %w", err)
	}
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if _, err := s.refreshRolePages(ctx, role); err != nil {
			return fmt.Errorf("warm role %s: %w", role, err)
		}
	}
	return nil
}

func (s *Service) refreshAllPages(ctx context.Context) (permcache.PagesSnapshot, error) {
	pages, err := s.upstream.AllPages(ctx)
	if err != nil {
		return permcache.PagesSnapshot{}, err
	}
	if pages == nil {
		pages = []permcache.PageVisibility{}
	}
	snap := permcache.PagesSnapshot{Pages: pages}
	s.cache.StoreAllPages(ctx, snap)
	return snap, nil
}

func (s *Service) refreshRolePages(ctx context.Context, roleKey string) (permcache.RolePages, error) {
	pages, err := s.upstream.RolePages(ctx, roleKey)
	if err != nil {
		return permcache.RolePages{}, err
	}
	if pages == nil {
		pages = []permcache.PageAccess{}
	}
	p := permcache.RolePages{RoleKey: roleKey, Pages: pages}
	s.cache.StoreRolePages(ctx, p)
	return p, nil
}

func requireID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s required", httpx.ErrValidation, name)
	}
	return nil
}
