package auth

import (
	"context"
	"net/http"
	"strings"
)

// Header names used by nodes
const (
	NodeIDHeader    = "X-Node-ID"
	NodeTokenHeader = "X-Node-Token"
	APIKeyHeader    = "X-API-Key"
)

type contextKey int

const (
	nodeIDKey contextKey = iota
	keyNameKey
)

// NodeIDFromContext returns the node authenticated by its token, if any
func NodeIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey).(string)
	return id
}

// KeyNameFromContext returns the name of the API key used, if any
func KeyNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(keyNameKey).(string)
	return name
}

// Authenticator guards HTTP routes. With no API keys configured it lets
// every request through.
type Authenticator struct {
	Keys   *APIKeyManager
	Tokens *TokenManager
}

// Enabled reports whether requests are checked
func (a *Authenticator) Enabled() bool {
	return a != nil && a.Keys != nil && a.Keys.Len() > 0
}

// Operator requires a valid API key
func (a *Authenticator) Operator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		name, err := a.Keys.Validate(apiKey(r))
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyNameKey, name)))
	})
}

// Node accepts either a node token matching X-Node-ID or an API key. An
// authenticated node ID is stored in the request context.
func (a *Authenticator) Node(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if token := r.Header.Get(NodeTokenHeader); token != "" && a.Tokens != nil {
			nodeID := r.Header.Get(NodeIDHeader)
			if err := a.Tokens.ValidateToken(nodeID, token); err != nil {
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), nodeIDKey, nodeID)))
			return
		}
		a.Operator(next).ServeHTTP(w, r)
	})
}

func apiKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"` + msg + `"}`))
}
