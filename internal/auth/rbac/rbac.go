// Package rbac is the minimal role-based authorization check applied after
// token validation. It is a placeholder seam: the decision logic here is
// intended to be replaced by an external policy engine without changing the
// validator or middleware.
package rbac

import "strings"

// Realm-level roles recognized by the gateway.
const (
	RoleSuperAdmin = "super-admin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleEditor     = "editor"
	RoleOperator   = "operator"
	RoleViewer     = "viewer"
)

// publicPaths are reachable without any authorization decision; the device
// flow endpoints have to be open for unauthenticated devices. Entries are
// matched exactly so e.g. "/tokens" stays protected.
var publicPaths = map[string]struct{}{
	"/healthz":              {},
	"/device_authorization": {},
	"/token":                {},
}

// publicPathPrefixes open whole subtrees, and therefore end in "/".
var publicPathPrefixes = []string{
	"/.well-known/",
}

// superAdminPathPrefixes require RoleSuperAdmin regardless of other roles.
var superAdminPathPrefixes = []string{
	"/admin/system",
	"/admin/tenants",
}

// writeRoles may issue POST and PUT requests; deleteRoles is the smaller
// set allowed to DELETE.
var writeRoles = map[string]struct{}{
	RoleAdmin:    {},
	RoleManager:  {},
	RoleEditor:   {},
	RoleOperator: {},
}

var deleteRoles = map[string]struct{}{
	RoleAdmin:   {},
	RoleManager: {},
}

// IsPublicPath reports whether the path needs no bearer token at all.
func IsPublicPath(path string) bool {
	if _, ok := publicPaths[path]; ok {
		return true
	}
	return hasAnyPrefix(path, publicPathPrefixes)
}

// Allowed decides whether the given realm roles may perform method on path.
//
// Decision order: public paths pass; super-admin passes everything; paths
// under a super-admin-only prefix reject everyone else; admin passes the
// rest; GET needs any authenticated role; POST/PUT need a write-capable
// role; DELETE needs a delete-capable role. Everything else is rejected.
func Allowed(roles []string, method, path string) bool {
	if IsPublicPath(path) {
		return true
	}

	if hasRole(roles, RoleSuperAdmin) {
		return true
	}
	if hasAnyPrefix(path, superAdminPathPrefixes) {
		return false
	}
	if hasRole(roles, RoleAdmin) {
		return true
	}

	switch method {
	case "GET", "HEAD":
		return len(roles) > 0
	case "POST", "PUT", "PATCH":
		return hasAnyRole(roles, writeRoles)
	case "DELETE":
		return hasAnyRole(roles, deleteRoles)
	}

	return false
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func hasAnyRole(roles []string, allowed map[string]struct{}) bool {
	for _, r := range roles {
		if _, ok := allowed[r]; ok {
			return true
		}
	}
	return false
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
