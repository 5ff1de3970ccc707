package permcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyBuilders(t *testing.T) {
	cases := map[string]struct {
		got  string
		want string
	}{
		"page":           {PageVisibilityKey("dashboard"), "perm:page:dashboard"},
		"all pages":      {AllPagesVisibilityKey(), "perm:pages:all"},
		"role page":      {RolePermissionKey("hr", "payroll"), "perm:role:hr:payroll"},
		"role all":       {RoleAllPagesKey("hr"), "perm:role:hr:all"},
		"user":           {UserPermissionsKey("42"), "perm:user:42:permissions"},
		"role prefix":    {RolePrefix("hr"), "perm:role:hr:"},
		"user prefix":    {UserPrefix("42"), "perm:user:42:"},
		"escaped colon":  {RolePermissionKey("a:b", "c"), "perm:role:a%3Ab:c"},
		"escaped pct":    {PageVisibilityKey("50%"), "perm:page:50%25"},
		"page named all": {RolePermissionKey("hr", "all"), "perm:role:hr:%61ll"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.got)
		})
	}
}

func TestKeysStayInNamespace(t *testing.T) {
	for _, key := range []string{
		PageVisibilityKey("x"),
		AllPagesVisibilityKey(),
		RolePermissionKey("r", "p"),
		RoleAllPagesKey("r"),
		UserPermissionsKey("u"),
	} {
		require.True(t, strings.HasPrefix(key, Namespace), key)
	}
}

func TestRolePrefixDoesNotReachNeighbour(t *testing.T) {
	// "a" must not match keys of role "a:b".
	require.False(t, strings.HasPrefix(RolePermissionKey("a:b", "c"), RolePrefix("a")))
	require.False(t, strings.HasPrefix(RoleAllPagesKey("hr2"), RolePrefix("hr")))
	require.NotEqual(t, RolePermissionKey("hr", "all"), RoleAllPagesKey("hr"))
	require.NotEqual(t, RolePermissionKey("hr", "%61ll"), RolePermissionKey("hr", "all"))
}

func TestNamespaceOf(t *testing.T) {
	require.Equal(t, "page", namespaceOf(PageVisibilityKey("x")))
	require.Equal(t, "pages", namespaceOf(AllPagesVisibilityKey()))
	require.Equal(t, "role", namespaceOf(RoleAllPagesKey("x")))
	require.Equal(t, "user", namespaceOf(UserPermissionsKey("x")))
	require.Equal(t, "other", namespaceOf("perm:flag"))
	require.Equal(t, "other", namespaceOf("theme"))
}
