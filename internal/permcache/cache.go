// Package permcache memoizes permission and page-visibility answers fetched
// from the backend API. Entries carry an absolute expiry and are evicted
// lazily on read; there is no size bound and no background sweep.
package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// Namespace prefixes every key owned by the cache. Clear only touches keys
	// under it so unrelated data sharing the store survives.
	Namespace = "perm:"
	// DefaultTTL applies when Set is called without a positive ttl.
	DefaultTTL = 5 * time.Minute
)

// ErrEmptyPrefix is returned when prefix invalidation is asked to match everything.
var ErrEmptyPrefix = errors.New("permcache: empty prefix")

// Store is the string keyed backing store the cache persists into.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Entry is the persisted form of a cached value.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at"`
	StoredAt  int64           `json:"stored_at"`
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

// Cache is a TTL cache over a Store. Construct one per process and pass it to
// consumers; it holds no package level state.
type Cache struct {
	store    Store
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
	notifier Notifier
}

// Option customises a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger used for swallowed storage failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Cache) {
		c.metrics = metrics
	}
}

// WithNotifier publishes every local invalidation to other instances.
func WithNotifier(notifier Notifier) Option {
	return func(c *Cache) {
		c.notifier = notifier
	}
}

// New constructs a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the default time-to-live applied by Set.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the stored value for key while it is fresh. Missing, expired and
// unreadable entries are all reported as a miss; the latter two are removed.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, ok := c.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Lookup is Get returning the whole entry, timestamps included.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	entry, ok := c.load(ctx, key)
	if ok {
		c.metrics.lookup(namespaceOf(key), resultHit)
	}
	return entry, ok
}

// Set stores value under key for ttl, or the default TTL when ttl <= 0. A
// failed write is logged and dropped; the caller carries on uncached.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("permcache encode value", slog.String("key", key), slog.Any("error", err))
		c.metrics.failure("encode")
		return
	}
	now := c.clock()
	raw, err := json.Marshal(Entry{
		Value:     payload,
		ExpiresAt: now.Add(ttl).UnixMilli(),
		StoredAt:  now.UnixMilli(),
	})
	if err != nil {
		c.logger.Warn("permcache encode entry", slog.String("key", key), slog.Any("error", err))
		c.metrics.failure("encode")
		return
	}
	if err := c.store.Set(ctx, key, string(raw)); err != nil {
		c.logger.Warn("permcache write", slog.String("key", key), slog.Any("error", err))
		c.metrics.failure("set")
	}
}

// Invalidate removes exactly key. Removing an absent key is a no-op.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.remove(ctx, key); err != nil {
		return err
	}
	c.notify(ctx, Event{Op: OpInvalidate, Key: key})
	return nil
}

// InvalidateByPrefix removes every key starting with prefix.
func (c *Cache) InvalidateByPrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return ErrEmptyPrefix
	}
	if err := c.removePrefix(ctx, prefix); err != nil {
		return err
	}
	c.notify(ctx, Event{Op: OpPrefix, Key: prefix})
	return nil
}

// Clear removes every entry in the cache namespace.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.removePrefix(ctx, Namespace); err != nil {
		return err
	}
	c.notify(ctx, Event{Op: OpClear})
	return nil
}

// load reads a fresh entry. Misses are counted here; the caller counts the hit
// once it has accepted the value.
func (c *Cache) load(ctx context.Context, key string) (Entry, bool) {
	ns := namespaceOf(key)
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("permcache read", slog.String("key", key), slog.Any("error", err))
		c.metrics.failure("get")
		c.metrics.lookup(ns, resultMiss)
		return Entry{}, false
	}
	if !found {
		c.metrics.lookup(ns, resultMiss)
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || len(entry.Value) == 0 {
		c.logger.Warn("permcache corrupt entry", slog.String("key", key), slog.Any("error", err))
		c.metrics.lookup(ns, resultCorrupt)
		c.discard(ctx, key)
		return Entry{}, false
	}
	if entry.Expired(c.clock()) {
		c.metrics.lookup(ns, resultExpired)
		c.discard(ctx, key)
		return Entry{}, false
	}
	return entry, true
}

// discard drops an entry found stale on read. Failure only costs a later retry.
func (c *Cache) discard(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, key); err != nil {
		c.logger.Warn("permcache evict", slog.String("key", key), slog.Any("error", err))
		c.metrics.failure("evict")
	}
}

func (c *Cache) remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.store.Remove(ctx, keys...); err != nil {
		c.metrics.failure("invalidate")
		return fmt.Errorf("permcache: invalidate: %w", err)
	}
	return nil
}

func (c *Cache) removePrefix(ctx context.Context, prefix string) error {
	keys, err := c.store.Keys(ctx, prefix)
	if err != nil {
		c.metrics.failure("keys")
		return fmt.Errorf("permcache: list %q: %w", prefix, err)
	}
	return c.remove(ctx, keys...)
}

func (c *Cache) notify(ctx context.Context, ev Event) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(ctx, ev); err != nil {
		c.logger.Warn("permcache broadcast", slog.String("op", string(ev.Op)), slog.Any("error", err))
		c.metrics.failure("broadcast")
	}
}

// apply replays an invalidation received from another instance without
// publishing it again.
func (c *Cache) apply(ctx context.Context, ev Event) error {
	switch ev.Op {
	case OpInvalidate:
		return c.remove(ctx, ev.Key)
	case OpPrefix:
		if ev.Key == "" {
			return ErrEmptyPrefix
		}
		return c.removePrefix(ctx, ev.Key)
	case OpClear:
		return c.removePrefix(ctx, Namespace)
	default:
		return fmt.Errorf("permcache: unknown event op %q", ev.Op)
	}
}
