// Package identity resolves connection and request tokens to users.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/parley/internal/domain"
)

const (
	// TokenQueryParam is the query-string key carrying the token on websocket upgrades.
	TokenQueryParam = "token"
	// AuthScheme is the Authorization header scheme for REST requests.
	AuthScheme = "Token"

	defaultResolveTimeout = 3 * time.Second
)

type contextKey int

const identityKey contextKey = iota

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// TokenLookup is the subset of the user store the resolver needs.
type TokenLookup interface {
	UserByToken(ctx context.Context, key string) (*domain.User, error)
}

// Resolver maps an opaque token to an identity. It never fails: anything it
// cannot resolve becomes the anonymous identity.
type Resolver struct {
	users   TokenLookup
	timeout time.Duration
}

// NewResolver creates a resolver bounded by timeout per lookup.
func NewResolver(users TokenLookup, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &Resolver{users: users, timeout: timeout}
}

// Resolve returns the identity behind token, or the anonymous identity when the
// token is missing, malformed, unknown, or the lookup fails.
func (r *Resolver) Resolve(ctx context.Context, token string) domain.Identity {
	token = strings.TrimSpace(token)
	if token == "" || !tokenPattern.MatchString(token) {
		return domain.Anonymous()
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user, err := r.users.UserByToken(ctx, token)
	if err != nil {
		slog.Warn("Token lookup failed", "error", err)
		return domain.Anonymous()
	}
	if user == nil {
		return domain.Anonymous()
	}
	return user.Identity()
}

// TokenFromQuery extracts the token from the request query string.
func TokenFromQuery(r *http.Request) string {
	return r.URL.Query().Get(TokenQueryParam)
}

// TokenFromRequest reads "Authorization: Token <key>", falling back to the query string.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, key, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, AuthScheme) {
			return strings.TrimSpace(key)
		}
	}
	return TokenFromQuery(r)
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the request context.
func FromContext(ctx context.Context) domain.Identity {
	if v, ok := ctx.Value(identityKey).(domain.Identity); ok {
		return v
	}
	return domain.Anonymous()
}

// Middleware rejects anonymous requests and injects the resolved identity.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := resolver.Resolve(r.Context(), TokenFromRequest(r))
			if id.IsAnonymous() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", AuthScheme)
				http.Error(w, `{"error":"authentication credentials were not provided"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
