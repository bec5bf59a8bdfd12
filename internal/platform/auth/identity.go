package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles carried in the Firebase custom claim, most privileged first.
const (
	RoleAdmin    = "admin"
	RoleStaff    = "staff"
	RoleCustomer = "customer"
)

var rolePrecedence = []string{RoleAdmin, RoleStaff, RoleCustomer}

// Identity is a Firebase-authenticated end user or operator.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// newIdentity lower-cases and de-duplicates roles, keeping claim order.
func newIdentity(uid, email string, roles []string) *Identity {
	id := &Identity{UID: strings.TrimSpace(uid), Email: strings.TrimSpace(email)}
	for _, role := range roles {
		if role = normaliseRole(role); role != "" && !slices.Contains(id.Roles, role) {
			id.Roles = append(id.Roles, role)
		}
	}
	return id
}

// HasRole matches role case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	want := normaliseRole(role)
	return want != "" && slices.ContainsFunc(i.Roles, func(r string) bool { return normaliseRole(r) == want })
}

// HasAnyRole reports whether at least one of roles is held.
func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// IsOperator is true for staff and admins, who may act on orders they do not own.
func (i *Identity) IsOperator() bool {
	return i.HasAnyRole(RoleAdmin, RoleStaff)
}

// ActorID is what order history and the audit log record for this caller: "admin:<uid>",
// "staff:<uid>" or "user:<uid>".
func (i *Identity) ActorID() string {
	if i == nil || strings.TrimSpace(i.UID) == "" {
		return ""
	}
	if role := i.PrimaryRole(); role == RoleAdmin || role == RoleStaff {
		return role + ":" + i.UID
	}
	return "user:" + i.UID
}

// PrimaryRole is the most privileged known role held, else the first role in the claim.
func (i *Identity) PrimaryRole() string {
	for _, role := range rolePrecedence {
		if i.HasRole(role) {
			return role
		}
	}
	if i == nil || len(i.Roles) == 0 {
		return ""
	}
	return normaliseRole(i.Roles[0])
}

type identityKey struct{}

// WithIdentity attaches identity to ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity set by the Firebase middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}
