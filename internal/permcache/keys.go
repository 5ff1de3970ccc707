package permcache

import "strings"

const (
	pagePrefix     = Namespace + "page:"
	allPagesKey    = Namespace + "pages:all"
	rolePrefix     = Namespace + "role:"
	userPrefix     = Namespace + "user:"
	allSegment     = "all"
	permissionsTag = "permissions"
)

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// PageVisibilityKey is perm:page:{pageKey}.
func PageVisibilityKey(pageKey string) string {
	return pagePrefix + escapeSegment(pageKey)
}

// AllPagesVisibilityKey is perm:pages:all.
func AllPagesVisibilityKey() string {
	return allPagesKey
}

// RolePermissionKey is perm:role:{roleKey}:{pageKey}.
func RolePermissionKey(roleKey, pageKey string) string {
	return RolePrefix(roleKey) + escapeLeaf(pageKey)
}

// RoleAllPagesKey is perm:role:{roleKey}:all.
func RoleAllPagesKey(roleKey string) string {
	return RolePrefix(roleKey) + allSegment
}

// UserPermissionsKey is perm:user:{userID}:permissions.
func UserPermissionsKey(userID string) string {
	return UserPrefix(userID) + permissionsTag
}

// RolePrefix matches every key stored for roleKey.
func RolePrefix(roleKey string) string {
	return rolePrefix + escapeSegment(roleKey) + ":"
}

// UserPrefix matches every key stored for userID.
func UserPrefix(userID string) string {
	return userPrefix + escapeSegment(userID) + ":"
}

// escapeSegment keeps identifiers containing ':' from reaching into a
// neighbouring prefix.
func escapeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

// escapeLeaf additionally keeps a page literally named "all" apart from the
// per-role snapshot key.
func escapeLeaf(s string) string {
	if s == allSegment {
		return "%61ll"
	}
	return escapeSegment(s)
}

// namespaceOf returns the partition a key belongs to, used as a metric label.
func namespaceOf(key string) string {
	rest, ok := strings.CutPrefix(key, Namespace)
	if !ok {
		return "other"
	}
	ns, _, _ := strings.Cut(rest, ":")
	switch ns {
	case "page", "pages", "role", "user":
		return ns
	default:
		return "other"
	}
}
