package auth

import "context"

type scopeContextKey struct{}

// Scope identifies who is acting and for which tenant. Every ledger and
// engine call carries one; the ledger rejects contexts without it.
type Scope struct {
	TenantID string   `json:"tenant_id"`
	ActorID  string   `json:"actor_id"`
	Roles    []string `json:"roles,omitempty"`
}

// IsAdmin reports whether the scope carries the admin role.
func (s Scope) IsAdmin() bool {
	for _, r := range s.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// ContextWithScope attaches the tenant/actor scope to the context.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, &scope)
}

// ScopeFromContext extracts the tenant/actor scope from the context.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	v, ok := ctx.Value(scopeContextKey{}).(*Scope)
	if !ok || v == nil || v.TenantID == "" {
		return Scope{}, false
	}
	return *v, true
}
