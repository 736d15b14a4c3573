package auth

import (
	"slices"

	"github.com/leozw/shopcore/internal/registry"
)

type Kind string

const (
	KindPlatformOperator Kind = "platform_operator"
	KindTenantAdmin      Kind = "tenant_admin"
	KindLegacyUser       Kind = "legacy_user"
)

const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"

	// PermissionAll grants every permission.
	PermissionAll = "*"
)

type Identity struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Principal is the resolved caller. It is one of *PlatformOperator,
// *TenantAdmin or *LegacyUser.
type Principal interface {
	Kind() Kind
	Identity() Identity
	sealed()
}

// PlatformOperator runs the platform and passes every check.
type PlatformOperator struct {
	User Identity
}

func (*PlatformOperator) Kind() Kind           { return KindPlatformOperator }
func (p *PlatformOperator) Identity() Identity { return p.User }
func (*PlatformOperator) sealed()              {}

// TenantAdmin is a user of one shop, bound to that shop's connection.
type TenantAdmin struct {
	User     Identity
	TenantID string
	Conn     *registry.Conn
}

func (*TenantAdmin) Kind() Kind           { return KindTenantAdmin }
func (a *TenantAdmin) Identity() Identity { return a.User }
func (*TenantAdmin) sealed()              {}

// LegacyUser comes from the shared pre-tenancy user table.
type LegacyUser struct {
	User Identity
}

func (*LegacyUser) Kind() Kind           { return KindLegacyUser }
func (u *LegacyUser) Identity() Identity { return u.User }
func (*LegacyUser) sealed()              {}

func IsPlatformOperator(p Principal) bool {
	_, ok := p.(*PlatformOperator)
	return ok
}

// IsAdmin is true for platform operators and for users holding the
// admin role.
func IsAdmin(p Principal) bool {
	if p == nil {
		return false
	}
	if IsPlatformOperator(p) {
		return true
	}
	role := p.Identity().Role
	return role == RoleAdmin || role == RoleSuperAdmin
}

func HasRole(p Principal, roles ...string) bool {
	if p == nil {
		return false
	}
	if IsPlatformOperator(p) {
		return true
	}
	return slices.Contains(roles, p.Identity().Role)
}

func HasPermission(p Principal, permission string) bool {
	if p == nil {
		return false
	}
	if IsPlatformOperator(p) {
		return true
	}
	perms := p.Identity().Permissions
	return slices.Contains(perms, PermissionAll) || slices.Contains(perms, permission)
}

func HasAnyPermission(p Principal, permissions ...string) bool {
	for _, perm := range permissions {
		if HasPermission(p, perm) {
			return true
		}
	}
	return false
}

// TenantOf returns the shop a principal is bound to, if any.
func TenantOf(p Principal) (*TenantAdmin, bool) {
	a, ok := p.(*TenantAdmin)
	return a, ok
}
