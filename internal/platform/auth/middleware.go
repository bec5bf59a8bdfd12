package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/orders/internal/platform/httpx"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// Logger is the printf sink the HMAC and OIDC verifiers log rejections to.
type Logger interface {
	Printf(format string, args ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase ID tokens into an Identity on the request context. Roles come
// from a custom claim ("role" by default) holding a string, a list, or a map of role to bool.
type Authenticator struct {
	verifier     TokenVerifier
	roleClaim    string
	fallbackRole string
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim reads roles from claim instead of "role".
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the role of tokens without a role claim. The default is customer.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = normaliseRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

// WithVerificationTimeout bounds each verification call.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    "role",
		fallbackRole: RoleCustomer,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Require verifies the bearer token and rejects identities holding none of allowedRoles. With no
// roles every verified identity passes.
func (a *Authenticator) Require(allowedRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, reject := a.authenticate(r)
			if reject == nil && len(allowedRoles) > 0 && !identity.HasAnyRole(allowedRoles...) {
				reject = &rejection{reason: "insufficient_role", err: httpx.NewError("forbidden", "identity does not have required role", http.StatusForbidden)}
			}
			if reject != nil {
				recordVerification(ctx, "firebase", false, reject.reason)
				respondAuthError(ctx, w, reject.err.Status, reject.err.Code, reject.err.Message)
				return
			}
			recordVerification(ctx, "firebase", true, "ok")
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

// rejection pairs the metric reason with the response sent to the caller.
type rejection struct {
	reason string
	err    httpx.Error
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, *rejection) {
	raw, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &rejection{reason: "token_missing", err: httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized)}
	}
	if a == nil || a.verifier == nil {
		return nil, &rejection{reason: "verifier_unavailable", err: httpx.NewError("verification_unavailable", "authentication service unavailable", http.StatusServiceUnavailable)}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		code, message := verificationFailure(err)
		return nil, &rejection{reason: code, err: httpx.NewError(code, message, http.StatusUnauthorized)}
	}

	email, _ := token.Claims["email"].(string)
	identity := newIdentity(token.UID, email, rolesFromClaims(token.Claims, a.roleClaim))
	if len(identity.Roles) == 0 {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity, nil
}

func verificationFailure(err error) (string, string) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return "token_expired", "firebase id token expired"
	case errors.Is(err, ErrSessionRevoked):
		return "session_revoked", "firebase session revoked"
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return "invalid_token", "firebase id token invalid"
	default:
		return "invalid_token", "firebase id token verification failed"
	}
}

// rolesFromClaims returns the raw role names; newIdentity normalises them.
func rolesFromClaims(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case map[string]any:
		roles := make([]string, 0, len(v))
		for role, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				roles = append(roles, role)
			}
		}
		slices.Sort(roles)
		return roles
	}
	return nil
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="orders"`)
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
