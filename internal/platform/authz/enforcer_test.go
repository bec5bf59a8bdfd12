package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
)

func newEnforcer(t *testing.T, opts ...Option) *Enforcer {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func TestCanTransitionByRole(t *testing.T) {
	e := newEnforcer(t)
	customer := []string{auth.RoleCustomer}
	staff := []string{auth.RoleStaff}
	admin := []string{auth.RoleAdmin}

	tests := []struct {
		roles []string
		from  domain.OrderStatus
		to    domain.OrderStatus
		want  bool
	}{
		{customer, domain.OrderStatusPending, domain.OrderStatusConfirmed, true},
		{customer, domain.OrderStatusPending, domain.OrderStatusCancelled, true},
		{customer, domain.OrderStatusConfirmed, domain.OrderStatusCancelled, true},
		{customer, domain.OrderStatusPaid, domain.OrderStatusCancelled, false},
		{customer, domain.OrderStatusConfirmed, domain.OrderStatusPaid, false},
		{customer, domain.OrderStatusPaid, domain.OrderStatusShipped, false},
		{staff, domain.OrderStatusPaid, domain.OrderStatusShipped, true},
		{staff, domain.OrderStatusShipped, domain.OrderStatusDelivered, true},
		{staff, domain.OrderStatusPaid, domain.OrderStatusCancelled, false},
		{admin, domain.OrderStatusPaid, domain.OrderStatusCancelled, true},
		{admin, domain.OrderStatusConfirmed, domain.OrderStatusPaid, true},
		{[]string{"guest"}, domain.OrderStatusPending, domain.OrderStatusCancelled, false},
	}
	for _, tc := range tests {
		got := e.CanTransition(tc.roles, tc.from, tc.to)
		assert.Equal(t, tc.want, got, "%v %s->%s", tc.roles, tc.from, tc.to)
	}
}

func TestAllowedResources(t *testing.T) {
	e := newEnforcer(t)

	assert.True(t, e.Allowed([]string{auth.RoleCustomer}, ResourceOrders, ActionCreate))
	assert.False(t, e.Allowed([]string{auth.RoleCustomer}, ResourceReports, ActionRead))
	assert.True(t, e.Allowed([]string{auth.RoleStaff}, ResourceReports, ActionRead))
	assert.False(t, e.Allowed([]string{auth.RoleStaff}, ResourceInventory, ActionWrite))
	assert.True(t, e.Allowed([]string{auth.RoleAdmin}, ResourceInventory, ActionWrite))
	assert.True(t, e.Allowed([]string{auth.RoleAdmin}, ResourceReports, ActionRead), "admin inherits staff")
	assert.False(t, e.Allowed(nil, ResourceOrders, ActionRead))
}

func TestWithPolicyExtendsDefaults(t *testing.T) {
	e := newEnforcer(t, WithPolicy(auth.RoleStaff, ResourceReports, "^export$"))
	assert.True(t, e.Allowed([]string{auth.RoleStaff}, ResourceReports, ActionExport))
}

func TestRequireMiddleware(t *testing.T) {
	e := newEnforcer(t)
	handler := e.Require(ResourceReports, ActionRead)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(identity *auth.Identity) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/reports/orders/summary", nil)
		if identity != nil {
			req = req.WithContext(auth.WithIdentity(req.Context(), identity))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(nil))
	assert.Equal(t, http.StatusForbidden, serve(&auth.Identity{UID: "u", Roles: []string{auth.RoleCustomer}}))
	assert.Equal(t, http.StatusNoContent, serve(&auth.Identity{UID: "s", Roles: []string{auth.RoleStaff}}))
}
