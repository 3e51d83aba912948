package rbac

import (
	"context"
	"strings"
)

// Checker answers "may this role do that" against a role-to-permission
// table. A nil table means the package default policy.
type Checker struct {
	table map[string][]string
}

func NewChecker(table map[string][]string) *Checker {
	if table == nil {
		table = RolePermissions
	}
	return &Checker{table: table}
}

// Has reports whether the role grants the permission, directly or through a
// trailing-star pattern ("stage:*", or "*" for everything).
func (c *Checker) Has(role, perm string) bool {
	for _, p := range c.table[role] {
		if permMatches(p, perm) {
			return true
		}
	}
	return false
}

func (c *Checker) Any(role string, perms ...string) bool {
	for _, p := range perms {
		if c.Has(role, p) {
			return true
		}
	}
	return false
}

func (c *Checker) All(role string, perms ...string) bool {
	for _, p := range perms {
		if !c.Has(role, p) {
			return false
		}
	}
	return true
}

func permMatches(pattern, perm string) bool {
	if pattern == perm {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(perm, prefix)
	}
	return false
}

type roleKey struct{}

// WithRole stores the caller's role for later permission checks.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the role stored by WithRole, or "".
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}
