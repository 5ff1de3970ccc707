package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/staffhub/staffhub/internal/permcache"
	"github.com/staffhub/staffhub/internal/platform/httpx"
)

type stubAuthorizer struct {
	sets  map[string]permcache.UserPermissionSet
	pages map[string]bool
	err   error
}

func (s stubAuthorizer) UserPermissions(_ context.Context, userID string) (permcache.UserPermissionSet, error) {
	if s.err != nil {
		return permcache.UserPermissionSet{}, s.err
	}
	set, ok := s.sets[userID]
	if !ok {
		return permcache.UserPermissionSet{}, httpx.ErrNotFound
	}
	return set, nil
}

func (s stubAuthorizer) UserCanOpen(_ context.Context, userID, pageKey string) (bool, error) {
	set, err := s.UserPermissions(context.Background(), userID)
	if err != nil {
		return false, err
	}
	return s.pages[pageKey] && set.CanOpen(pageKey), nil
}

func newAuthorizer() stubAuthorizer {
	return stubAuthorizer{
		sets: map[string]permcache.UserPermissionSet{
			"admin": {UserID: "admin", Permissions: []string{"Roles.Manage"}, Pages: []string{"admin", "hidden"}},
			"staff": {UserID: "staff", Pages: []string{"dashboard"}},
		},
		pages: map[string]bool{"admin": true, "dashboard": true, "hidden": false},
	}
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, userID string) int {
	t.Helper()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr.Code
}

func TestRequirePage(t *testing.T) {
	m := Middleware{Authorizer: newAuthorizer()}

	require.Equal(t, http.StatusOK, serve(t, m.RequirePage("admin"), "admin"))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequirePage("admin"), "staff"))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequirePage("hidden"), "admin"))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequirePage("admin"), ""))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequirePage("admin"), "ghost"))
	require.Equal(t, http.StatusOK, serve(t, m.RequirePage(" "), ""))
}

func TestRequireAny(t *testing.T) {
	m := Middleware{Authorizer: newAuthorizer()}

	require.Equal(t, http.StatusOK, serve(t, m.RequireAny("roles.manage", "pages.manage"), "admin"))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequireAny("roles.manage"), "staff"))
	require.Equal(t, http.StatusForbidden, serve(t, m.RequireAny("roles.manage"), ""))
	require.Equal(t, http.StatusOK, serve(t, m.RequireAny(), "staff"))
}

func TestAuthorizerFailureIs500(t *testing.T) {
	auth := newAuthorizer()
	auth.err = errors.New("backend down")
	m := Middleware{Authorizer: auth}

	require.Equal(t, http.StatusInternalServerError, serve(t, m.RequirePage("admin"), "admin"))
	require.Equal(t, http.StatusInternalServerError, serve(t, m.RequireAny("roles.manage"), "admin"))
}

func TestUserIDTrimsHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserIDHeader, "  u-1 ")
	id, ok := Middleware{}.UserID(req)
	require.True(t, ok)
	require.Equal(t, "u-1", id)
}
