// Package authz decides which roles may reach which resources and which order status edges a
// role may drive. Ownership of orders is checked by the services; this package only answers
// role questions.
package authz

import (
	"fmt"
	"net/http"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
)

// Resources guarded by role policies.
const (
	ResourceOrders    = "orders"
	ResourcePayments  = "payments"
	ResourceInventory = "inventory"
	ResourceReports   = "reports"
	ResourceAudit     = "audit"
)

// Actions checked against resources.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionExport = "export"
	ActionWrite  = "write"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// defaultPolicies grant customers their own order flow, staff read access plus fulfilment edges,
// and admins everything. Status edges use the object "order:<current status>" and the action
// "transition:<target status>".
var defaultPolicies = [][]string{
	{auth.RoleCustomer, ResourceOrders, "^(create|read|update)$"},
	{auth.RoleCustomer, ResourcePayments, "^(create|read)$"},
	{auth.RoleCustomer, "order:pending", "^transition:(confirmed|cancelled)$"},
	{auth.RoleCustomer, "order:confirmed", "^transition:cancelled$"},

	{auth.RoleStaff, ResourceOrders, "^read$"},
	{auth.RoleStaff, ResourcePayments, "^read$"},
	{auth.RoleStaff, ResourceInventory, "^read$"},
	{auth.RoleStaff, ResourceReports, "^read$"},
	{auth.RoleStaff, ResourceAudit, "^read$"},
	{auth.RoleStaff, "order:paid", "^transition:shipped$"},
	{auth.RoleStaff, "order:shipped", "^transition:delivered$"},

	{auth.RoleAdmin, "*", ".*"},
}

var defaultGroupings = [][]string{
	{auth.RoleAdmin, auth.RoleStaff},
}

// Enforcer wraps a casbin enforcer loaded with the order service policies.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

// Option adds policies on top of the defaults.
type Option func(*[][]string)

// WithPolicy grants role the action pattern (a regular expression) on object.
func WithPolicy(role, object, actionPattern string) Option {
	return func(rules *[][]string) {
		*rules = append(*rules, []string{role, object, actionPattern})
	}
}

// New constructs an Enforcer with the built-in policy set.
func New(opts ...Option) (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz: parse model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: create enforcer: %w", err)
	}

	rules := make([][]string, 0, len(defaultPolicies))
	rules = append(rules, defaultPolicies...)
	for _, opt := range opts {
		if opt != nil {
			opt(&rules)
		}
	}
	if _, err := enforcer.AddPolicies(rules); err != nil {
		return nil, fmt.Errorf("authz: load policies: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicies(defaultGroupings); err != nil {
		return nil, fmt.Errorf("authz: load role hierarchy: %w", err)
	}
	return &Enforcer{enforcer: enforcer}, nil
}

// Allowed reports whether any of roles may perform action on resource.
func (e *Enforcer) Allowed(roles []string, resource, action string) bool {
	if e == nil || e.enforcer == nil {
		return false
	}
	for _, role := range roles {
		ok, err := e.enforcer.Enforce(role, resource, action)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// CanTransition reports whether any of roles may move an order from one status to another.
func (e *Enforcer) CanTransition(roles []string, from, to domain.OrderStatus) bool {
	return e.Allowed(roles, "order:"+string(from), "transition:"+string(to))
}

// Require rejects requests whose identity may not perform action on resource. It must run after
// auth.Authenticator.Require.
func (e *Enforcer) Require(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
				return
			}
			if !e.Allowed(identity.Roles, resource, action) {
				httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", fmt.Sprintf("%s on %s is not permitted", action, resource), http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
