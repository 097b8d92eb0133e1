package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"imagegate/internal/config"
)

// Authenticator checks bearer tokens against a configured set of opaque API
// keys, in constant time.
type Authenticator struct {
	enabled bool
	byToken map[string]string // token -> key name
}

// New builds an Authenticator from configuration. When disabled, Authenticate
// always succeeds with an empty key name.
func New(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{enabled: cfg.Enabled, byToken: make(map[string]string, len(cfg.Keys))}
	for _, k := range cfg.Keys {
		a.byToken[k.Token] = k.Name
	}
	return a
}

// Enabled reports whether authentication is required.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Authenticate validates a bearer token extracted from an Authorization
// header value (e.g. "Bearer abc123"). It returns the matching key's display
// name and true on success. Comparison against every configured token is
// constant-time per token to avoid leaking which prefix matched.
func (a *Authenticator) Authenticate(authHeader string) (keyName string, ok bool) {
	if !a.enabled {
		return "", true
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(authHeader, prefix)
	if token == "" {
		return "", false
	}

	for candidate, name := range a.byToken {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return name, true
		}
	}
	return "", false
}

// exemptPaths never require authentication regardless of configuration;
// liveness probes carry no credentials.
var exemptPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// Middleware wraps an http.Handler, rejecting requests that fail
// Authenticate with 401 Unauthorized. The resolved key name is stashed in
// the request context under contextKey for downstream rate limiting and
// logging.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		name, ok := a.Authenticate(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(withKeyName(r.Context(), name)))
	})
}
