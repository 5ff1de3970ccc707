package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/staffhub/staffhub/internal/app"
	"github.com/staffhub/staffhub/internal/permcache"
	"github.com/staffhub/staffhub/internal/platform/kv"
	"github.com/staffhub/staffhub/jobs"
)

func newTestRoot(t *testing.T) (*cli.Command, *kv.Memory, *bytes.Buffer) {
	t.Helper()
	store := kv.NewMemory()
	cache := permcache.New(store)
	ctx := context.Background()
	cache.StorePageVisibility(ctx, permcache.PageVisibility{PageKey: "dashboard", IsEnabled: true})
	cache.StoreRolePages(ctx, permcache.RolePages{RoleKey: "hr"})
	cache.StoreUserPermissions(ctx, permcache.UserPermissionSet{UserID: "u-1"})
	require.NoError(t, store.Set(ctx, "theme", "dark"))

	open := func(context.Context) (*app.Runtime, error) {
		return &app.Runtime{Logger: slog.Default(), Store: store, Cache: cache}, nil
	}
	out := new(bytes.Buffer)
	root := &cli.Command{
		Name:     "staffhub",
		Writer:   out,
		Commands: []*cli.Command{CacheCommand(open)},
	}
	return root, store, out
}

func TestCacheKeysCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	require.NoError(t, root.Run(context.Background(), []string{"staffhub", "cache", "keys"}))
	require.Equal(t, "perm:page:dashboard\nperm:role:hr:all\nperm:user:u-1:permissions\n", out.String())
}

func TestCacheGetCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	require.NoError(t, root.Run(context.Background(), []string{"staffhub", "cache", "get", "perm:page:dashboard"}))

	var got struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "perm:page:dashboard", got.Key)
	require.JSONEq(t, `{"page_key":"dashboard","is_enabled":true}`, string(got.Value))

	root, _, _ = newTestRoot(t)
	require.Error(t, root.Run(context.Background(), []string{"staffhub", "cache", "get", "perm:page:nope"}))
}

func TestCacheInvalidateCommand(t *testing.T) {
	root, store, out := newTestRoot(t)
	require.NoError(t, root.Run(context.Background(), []string{"staffhub", "cache", "invalidate", "--role", "hr"}))
	require.Contains(t, out.String(), "invalidated role hr")

	keys, err := store.Keys(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"perm:page:dashboard", "theme"}, keys)
}

func TestCacheInvalidateNeedsExactlyOneScope(t *testing.T) {
	root, _, _ := newTestRoot(t)
	require.Error(t, root.Run(context.Background(), []string{"staffhub", "cache", "invalidate"}))

	root, _, _ = newTestRoot(t)
	err := root.Run(context.Background(), []string{"staffhub", "cache", "invalidate", "--key", "a", "--page", "b"})
	require.ErrorContains(t, err, "exclusive")
}

func TestCacheClearCommand(t *testing.T) {
	root, store, _ := newTestRoot(t)
	require.NoError(t, root.Run(context.Background(), []string{"staffhub", "cache", "clear"}))
	require.Equal(t, 1, store.Len())
}

func TestJobsInvalidateRejectsBadScope(t *testing.T) {
	open := func(context.Context) (*JobsCLI, error) {
		return &JobsCLI{}, nil
	}
	root := &cli.Command{Name: "staffhub", Commands: []*cli.Command{JobsCommand(open)}}
	err := root.Run(context.Background(), []string{"staffhub", "jobs", "invalidate", "--scope", "role"})
	require.ErrorIs(t, err, jobs.ErrInvalidScope)
}
