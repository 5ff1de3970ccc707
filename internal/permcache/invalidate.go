package permcache

import "context"

// InvalidatePage drops the cached state of pageKey and the all-pages snapshot
// that embeds it.
func (c *Cache) InvalidatePage(ctx context.Context, pageKey string) error {
	keys := []string{PageVisibilityKey(pageKey), AllPagesVisibilityKey()}
	if err := c.remove(ctx, keys...); err != nil {
		return err
	}
	for _, key := range keys {
		c.notify(ctx, Event{Op: OpInvalidate, Key: key})
	}
	return nil
}

// InvalidateRole drops every entry of roleKey. User permission sets are merged
// from roles, so they are dropped as well.
func (c *Cache) InvalidateRole(ctx context.Context, roleKey string) error {
	if err := c.InvalidateByPrefix(ctx, RolePrefix(roleKey)); err != nil {
		return err
	}
	return c.InvalidateByPrefix(ctx, userPrefix)
}

// InvalidateUser drops every entry of userID.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	return c.InvalidateByPrefix(ctx, UserPrefix(userID))
}
