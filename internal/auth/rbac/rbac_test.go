package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	testCases := []struct {
		name   string
		roles  []string
		method string
		path   string
		want   bool
	}{
		{"public path without roles", nil, "POST", "/token", true},
		{"public device endpoint", nil, "POST", "/device_authorization", true},
		{"health endpoint", nil, "GET", "/healthz", true},

		{"super-admin passes everything", []string{RoleSuperAdmin}, "DELETE", "/admin/system/keys", true},
		{"admin blocked on super-admin path", []string{RoleAdmin}, "GET", "/admin/system/keys", false},
		{"admin passes ordinary delete", []string{RoleAdmin}, "DELETE", "/crm/customers/42", true},

		{"any role may read", []string{RoleViewer}, "GET", "/crm/customers", true},
		{"no roles may not read", nil, "GET", "/crm/customers", false},

		{"viewer cannot write", []string{RoleViewer}, "POST", "/crm/customers", false},
		{"editor can write", []string{RoleEditor}, "POST", "/crm/customers", true},
		{"operator can update", []string{RoleOperator}, "PUT", "/erp/orders/7", true},

		{"editor cannot delete", []string{RoleEditor}, "DELETE", "/crm/customers/42", false},
		{"manager can delete", []string{RoleManager}, "DELETE", "/crm/customers/42", true},

		{"unknown method rejected", []string{RoleManager}, "TRACE", "/crm/customers", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Allowed(tc.roles, tc.method, tc.path))
		})
	}
}

func TestAllowedUnknownMethodAdminBypass(t *testing.T) {
	// Admin bypass happens before the method switch, so even odd methods
	// pass for admins outside super-admin paths.
	assert.True(t, Allowed([]string{RoleAdmin}, "TRACE", "/crm/customers"))
}

func TestIsPublicPath(t *testing.T) {
	assert.True(t, IsPublicPath("/.well-known/openid-configuration"))
	assert.False(t, IsPublicPath("/device/verify"))
}

func TestIsPublicPathMatchesEndpointsExactly(t *testing.T) {
	assert.True(t, IsPublicPath("/token"))
	assert.True(t, IsPublicPath("/healthz"))
	assert.True(t, IsPublicPath("/device_authorization"))

	// Neighbouring paths must not ride along on a prefix match.
	assert.False(t, IsPublicPath("/tokens"))
	assert.False(t, IsPublicPath("/token-admin"))
	assert.False(t, IsPublicPath("/token/introspect"))
	assert.False(t, IsPublicPath("/healthz2"))
	assert.False(t, IsPublicPath("/device_authorizations"))
}
