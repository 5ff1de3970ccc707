package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/staffhub/staffhub/internal/platform/kv"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type failingStore struct {
	*kv.Memory
	setErr    error
	removeErr error
	keysErr   error
	getErr    error
}

func (s *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	return s.Memory.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.Memory.Set(ctx, key, value)
}

func (s *failingStore) Remove(ctx context.Context, keys ...string) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	return s.Memory.Remove(ctx, keys...)
}

func (s *failingStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.keysErr != nil {
		return nil, s.keysErr
	}
	return s.Memory.Keys(ctx, prefix)
}

type recordingNotifier struct {
	events []Event
}

func (r *recordingNotifier) Publish(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *kv.Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := kv.NewMemory()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(store, opts...), store, clock
}

func storedKeys(t *testing.T, store Store) []string {
	t.Helper()
	keys, err := store.Keys(context.Background(), "")
	require.NoError(t, err)
	return keys
}

func TestSetThenGetReturnsValue(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()

	cache.Set(ctx, PageVisibilityKey("dashboard"), PageVisibility{PageKey: "dashboard", IsEnabled: true}, time.Minute)

	raw, ok := cache.Get(ctx, PageVisibilityKey("dashboard"))
	require.True(t, ok)
	require.JSONEq(t, `{"page_key":"dashboard","is_enabled":true}`, string(raw))

	entry, ok := cache.Lookup(ctx, PageVisibilityKey("dashboard"))
	require.True(t, ok)
	require.Equal(t, clock.now.UnixMilli(), entry.StoredAt)
	require.Equal(t, clock.now.Add(time.Minute).UnixMilli(), entry.ExpiresAt)
}

func TestGetMissingKeyIsMiss(t *testing.T) {
	cache, _, _ := newTestCache(t)
	_, ok := cache.Get(context.Background(), "perm:page:nothing")
	require.False(t, ok)
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	cache, store, clock := newTestCache(t)
	ctx := context.Background()
	key := RolePermissionKey("hr", "payroll")

	cache.Set(ctx, key, true, time.Minute)
	clock.Advance(time.Minute - time.Millisecond)
	_, ok := cache.Get(ctx, key)
	require.True(t, ok, "entry must be fresh until its expiry instant")

	clock.Advance(time.Millisecond)
	_, ok = cache.Get(ctx, key)
	require.False(t, ok, "entry must be stale at its expiry instant")
	require.Equal(t, 0, store.Len())
}

func TestNonPositiveTTLUsesDefault(t *testing.T) {
	cache, _, clock := newTestCache(t, WithTTL(2*time.Minute))
	ctx := context.Background()
	require.Equal(t, 2*time.Minute, cache.TTL())

	cache.Set(ctx, "perm:a", 1, 0)
	cache.Set(ctx, "perm:b", 1, -time.Second)

	for _, key := range []string{"perm:a", "perm:b"} {
		entry, ok := cache.Lookup(ctx, key)
		require.True(t, ok)
		require.Equal(t, clock.now.Add(2*time.Minute).UnixMilli(), entry.ExpiresAt)
	}
}

func TestDefaultTTLIsFiveMinutes(t *testing.T) {
	cache := New(kv.NewMemory())
	require.Equal(t, 5*time.Minute, cache.TTL())
}

func TestSetOverwritesAndRestartsTTL(t *testing.T) {
	cache, _, clock := newTestCache(t)
	ctx := context.Background()

	cache.Set(ctx, "perm:flag", false, time.Minute)
	clock.Advance(50 * time.Second)
	cache.Set(ctx, "perm:flag", true, time.Minute)
	clock.Advance(50 * time.Second)

	v, ok := cache.Flag(ctx, "perm:flag")
	require.True(t, ok)
	require.True(t, v)
}

func TestCorruptEntryIsMissAndRemoved(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "perm:broken", "{not json"))
	require.NoError(t, store.Set(ctx, "perm:empty", `{"expires_at":99999999999999}`))

	_, ok := cache.Get(ctx, "perm:broken")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "perm:empty")
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestTypedLookupMismatchIsMissAndRemoved(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()
	key := PageVisibilityKey("reports")

	cache.Set(ctx, key, map[string]any{"unexpected": 1}, 0)

	_, ok := cache.PageVisibilityFor(ctx, "reports")
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestTypedRoundTrips(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := context.Background()

	snap := PagesSnapshot{Pages: []PageVisibility{{PageKey: "a", IsEnabled: true}, {PageKey: "b"}}}
	cache.StoreAllPages(ctx, snap)
	got, ok := cache.AllPages(ctx)
	require.True(t, ok)
	require.Equal(t, snap, got)
	enabled, found := got.Enabled("b")
	require.True(t, found)
	require.False(t, enabled)
	_, found = got.Enabled("c")
	require.False(t, found)

	perm := RolePermission{RoleKey: "hr", PageKey: "payroll", HasAccess: true}
	cache.StoreRolePermission(ctx, perm)
	gotPerm, ok := cache.RolePermissionFor(ctx, "hr", "payroll")
	require.True(t, ok)
	require.Equal(t, perm, gotPerm)

	pages := RolePages{RoleKey: "hr", Pages: []PageAccess{{PageKey: "payroll", HasAccess: true}}}
	cache.StoreRolePages(ctx, pages)
	gotPages, ok := cache.RolePagesFor(ctx, "hr")
	require.True(t, ok)
	require.Equal(t, pages, gotPages)

	user := UserPermissionSet{UserID: "u-1", RoleKey: "hr", Permissions: []string{"roles.manage"}, Pages: []string{"payroll"}}
	cache.StoreUserPermissions(ctx, user)
	gotUser, ok := cache.UserPermissionsFor(ctx, "u-1")
	require.True(t, ok)
	require.Equal(t, user, gotUser)
	require.True(t, gotUser.CanOpen("payroll"))
	require.False(t, gotUser.CanOpen("admin"))

	vis := PageVisibility{PageKey: "payroll", IsEnabled: true}
	cache.StorePageVisibility(ctx, vis)
	gotVis, ok := cache.PageVisibilityFor(ctx, "payroll")
	require.True(t, ok)
	require.Equal(t, vis, gotVis)
}

func TestInvalidateRemovesOnlyThatKey(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()
	cache.Set(ctx, "perm:role:hr:payroll", true, 0)
	cache.Set(ctx, "perm:role:hr:payroll2", true, 0)

	require.NoError(t, cache.Invalidate(ctx, "perm:role:hr:payroll"))
	require.NoError(t, cache.Invalidate(ctx, "perm:role:hr:absent"))

	require.Equal(t, []string{"perm:role:hr:payroll2"}, storedKeys(t, store))
}

func TestInvalidateByPrefix(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()
	cache.Set(ctx, RolePermissionKey("hr", "a"), true, 0)
	cache.Set(ctx, RoleAllPagesKey("hr"), RolePages{RoleKey: "hr"}, 0)
	cache.Set(ctx, RolePermissionKey("hr2", "a"), true, 0)

	require.NoError(t, cache.InvalidateByPrefix(ctx, RolePrefix("hr")))
	require.Equal(t, []string{"perm:role:hr2:a"}, storedKeys(t, store))

	require.ErrorIs(t, cache.InvalidateByPrefix(ctx, ""), ErrEmptyPrefix)
	require.Equal(t, 1, store.Len())
}

func TestClearKeepsForeignKeys(t *testing.T) {
	cache, store, _ := newTestCache(t)
	ctx := context.Background()
	cache.Set(ctx, PageVisibilityKey("a"), PageVisibility{PageKey: "a"}, 0)
	cache.Set(ctx, UserPermissionsKey("u"), UserPermissionSet{UserID: "u"}, 0)
	require.NoError(t, store.Set(ctx, "theme", "dark"))

	require.NoError(t, cache.Clear(ctx))
	require.Equal(t, []string{"theme"}, storedKeys(t, store))
}

func TestSetFailsOpen(t *testing.T) {
	store := &failingStore{Memory: kv.NewMemory(), setErr: errors.New("quota exceeded")}
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	cache := New(store, WithMetrics(metrics))

	require.NotPanics(t, func() {
		cache.Set(context.Background(), "perm:a", true, 0)
	})
	_, ok := cache.Get(context.Background(), "perm:a")
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.failures.WithLabelValues("set")))
}

func TestSetUnencodableValueIsDropped(t *testing.T) {
	cache, store, _ := newTestCache(t)
	cache.Set(context.Background(), "perm:a", make(chan int), 0)
	require.Equal(t, 0, store.Len())
}

func TestStoreReadFailureIsMiss(t *testing.T) {
	store := &failingStore{Memory: kv.NewMemory(), getErr: errors.New("disk gone")}
	cache := New(store)
	_, ok := cache.Get(context.Background(), "perm:a")
	require.False(t, ok)
}

func TestInvalidationErrorsAreReturned(t *testing.T) {
	removeErr := errors.New("remove failed")
	keysErr := errors.New("scan failed")
	ctx := context.Background()

	cache := New(&failingStore{Memory: kv.NewMemory(), removeErr: removeErr})
	require.ErrorIs(t, cache.Invalidate(ctx, "perm:a"), removeErr)

	cache = New(&failingStore{Memory: kv.NewMemory(), keysErr: keysErr})
	require.ErrorIs(t, cache.InvalidateByPrefix(ctx, "perm:"), keysErr)
	require.ErrorIs(t, cache.Clear(ctx), keysErr)
}

func TestLookupMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	cache, store, clock := newTestCache(t, WithMetrics(metrics))
	ctx := context.Background()

	cache.Set(ctx, PageVisibilityKey("a"), PageVisibility{PageKey: "a"}, time.Second)
	_, _ = cache.Get(ctx, PageVisibilityKey("a"))
	_, _ = cache.Get(ctx, PageVisibilityKey("b"))
	clock.Advance(time.Second)
	_, _ = cache.Get(ctx, PageVisibilityKey("a"))
	require.NoError(t, store.Set(ctx, UserPermissionsKey("u"), "garbage"))
	_, _ = cache.Get(ctx, UserPermissionsKey("u"))

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("page", resultHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("page", resultMiss)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("page", resultExpired)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("user", resultCorrupt)))
}

func TestTypedMismatchCountsOnlyCorrupt(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	cache, _, _ := newTestCache(t, WithMetrics(metrics))
	ctx := context.Background()

	cache.Set(ctx, PageVisibilityKey("reports"), map[string]any{"unexpected": 1}, 0)
	_, ok := cache.PageVisibilityFor(ctx, "reports")
	require.False(t, ok)

	require.Zero(t, testutil.ToFloat64(metrics.lookups.WithLabelValues("page", resultHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("page", resultCorrupt)))

	cache.StorePageVisibility(ctx, PageVisibility{PageKey: "reports", IsEnabled: true})
	_, ok = cache.PageVisibilityFor(ctx, "reports")
	require.True(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.lookups.WithLabelValues("page", resultHit)))
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	first.lookup("page", resultHit)
	second.lookup("page", resultHit)
	require.Equal(t, 2.0, testutil.ToFloat64(first.lookups.WithLabelValues("page", resultHit)))
}

func TestInvalidationsAreNotified(t *testing.T) {
	notifier := &recordingNotifier{}
	cache, _, _ := newTestCache(t, WithNotifier(notifier))
	ctx := context.Background()

	require.NoError(t, cache.Invalidate(ctx, "perm:a"))
	require.NoError(t, cache.InvalidateByPrefix(ctx, "perm:role:"))
	require.NoError(t, cache.Clear(ctx))

	require.Equal(t, []Event{
		{Op: OpInvalidate, Key: "perm:a"},
		{Op: OpPrefix, Key: "perm:role:"},
		{Op: OpClear},
	}, notifier.events)
}

func TestApplyDoesNotRenotify(t *testing.T) {
	notifier := &recordingNotifier{}
	cache, store, _ := newTestCache(t, WithNotifier(notifier))
	ctx := context.Background()
	cache.Set(ctx, "perm:a", 1, 0)
	cache.Set(ctx, "perm:role:hr:all", 1, 0)
	cache.Set(ctx, "perm:user:u:permissions", 1, 0)

	require.NoError(t, cache.apply(ctx, Event{Op: OpInvalidate, Key: "perm:a"}))
	require.NoError(t, cache.apply(ctx, Event{Op: OpPrefix, Key: "perm:role:"}))
	require.Equal(t, []string{"perm:user:u:permissions"}, storedKeys(t, store))
	require.NoError(t, cache.apply(ctx, Event{Op: OpClear}))
	require.Equal(t, 0, store.Len())

	require.ErrorIs(t, cache.apply(ctx, Event{Op: OpPrefix}), ErrEmptyPrefix)
	require.Error(t, cache.apply(ctx, Event{Op: "bogus"}))
	require.Empty(t, notifier.events)
}

func TestEntryJSONShape(t *testing.T) {
	raw, err := json.Marshal(Entry{Value: json.RawMessage(`true`), ExpiresAt: 2, StoredAt: 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"value":true,"expires_at":2,"stored_at":1}`, string(raw))
}
