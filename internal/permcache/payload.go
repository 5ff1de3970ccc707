package permcache

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
)

// PageVisibility is the admin controlled enabled flag of one page.
type PageVisibility struct {
	PageKey   string `json:"page_key"`
	IsEnabled bool   `json:"is_enabled"`
}

// PagesSnapshot holds the visibility of every page.
type PagesSnapshot struct {
	Pages []PageVisibility `json:"pages"`
}

// Enabled reports whether pageKey is present and enabled in the snapshot.
func (s PagesSnapshot) Enabled(pageKey string) (bool, bool) {
	for _, p := range s.Pages {
		if p.PageKey == pageKey {
			return p.IsEnabled, true
		}
	}
	return false, false
}

// RolePermission records whether a role may open a page.
type RolePermission struct {
	RoleKey   string `json:"role_key"`
	PageKey   string `json:"page_key"`
	HasAccess bool   `json:"has_access"`
}

// PageAccess is one row of a role's page permissions.
type PageAccess struct {
	PageKey   string `json:"page_key"`
	HasAccess bool   `json:"has_access"`
}

// RolePages holds every page permission of a role.
type RolePages struct {
	RoleKey string       `json:"role_key"`
	Pages   []PageAccess `json:"pages"`
}

// UserPermissionSet is the effective permission set of a signed-in user.
type UserPermissionSet struct {
	UserID      string   `json:"user_id"`
	RoleKey     string   `json:"role_key"`
	Permissions []string `json:"permissions"`
	Pages       []string `json:"pages"`
}

// CanOpen reports whether pageKey is among the user's pages.
func (u UserPermissionSet) CanOpen(pageKey string) bool {
	for _, p := range u.Pages {
		if p == pageKey {
			return true
		}
	}
	return false
}

// PageVisibilityFor returns the cached visibility of pageKey.
func (c *Cache) PageVisibilityFor(ctx context.Context, pageKey string) (PageVisibility, bool) {
	return lookup[PageVisibility](ctx, c, PageVisibilityKey(pageKey))
}

// StorePageVisibility caches v under its page key.
func (c *Cache) StorePageVisibility(ctx context.Context, v PageVisibility) {
	c.Set(ctx, PageVisibilityKey(v.PageKey), v, 0)
}

// AllPages returns the cached visibility snapshot.
func (c *Cache) AllPages(ctx context.Context) (PagesSnapshot, bool) {
	return lookup[PagesSnapshot](ctx, c, AllPagesVisibilityKey())
}

// StoreAllPages caches the visibility snapshot.
func (c *Cache) StoreAllPages(ctx context.Context, s PagesSnapshot) {
	c.Set(ctx, AllPagesVisibilityKey(), s, 0)
}

// RolePermissionFor returns the cached access decision for roleKey on pageKey.
func (c *Cache) RolePermissionFor(ctx context.Context, roleKey, pageKey string) (RolePermission, bool) {
	return lookup[RolePermission](ctx, c, RolePermissionKey(roleKey, pageKey))
}

// StoreRolePermission caches p.
func (c *Cache) StoreRolePermission(ctx context.Context, p RolePermission) {
	c.Set(ctx, RolePermissionKey(p.RoleKey, p.PageKey), p, 0)
}

// RolePagesFor returns every cached page permission of roleKey.
func (c *Cache) RolePagesFor(ctx context.Context, roleKey string) (RolePages, bool) {
	return lookup[RolePages](ctx, c, RoleAllPagesKey(roleKey))
}

// StoreRolePages caches p.
func (c *Cache) StoreRolePages(ctx context.Context, p RolePages) {
	c.Set(ctx, RoleAllPagesKey(p.RoleKey), p, 0)
}

// UserPermissionsFor returns the cached permission set of userID.
func (c *Cache) UserPermissionsFor(ctx context.Context, userID string) (UserPermissionSet, bool) {
	return lookup[UserPermissionSet](ctx, c, UserPermissionsKey(userID))
}

// StoreUserPermissions caches u.
func (c *Cache) StoreUserPermissions(ctx context.Context, u UserPermissionSet) {
	c.Set(ctx, UserPermissionsKey(u.UserID), u, 0)
}

// Flag returns a plain boolean stored under key.
func (c *Cache) Flag(ctx context.Context, key string) (bool, bool) {
	return lookup[bool](ctx, c, key)
}

// lookup decodes a hit into the payload type of its namespace. A value that
// does not fit the type is handled like a corrupt entry.
func lookup[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var out T
	entry, ok := c.load(ctx, key)
	if !ok {
		return out, false
	}
	dec := json.NewDecoder(bytes.NewReader(entry.Value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		c.logger.Warn("permcache decode payload", slog.String("key", key), slog.Any("error", err))
		c.metrics.lookup(namespaceOf(key), resultCorrupt)
		c.discard(ctx, key)
		var zero T
		return zero, false
	}
	c.metrics.lookup(namespaceOf(key), resultHit)
	return out, true
}
