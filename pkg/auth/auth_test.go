package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenLifecycle(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tm := NewTokenManager(time.Hour, WithCost(bcrypt.MinCost), WithClock(func() time.Time { return now }))

	token, err := tm.GenerateToken("node-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	assert.NoError(t, tm.ValidateToken("node-1", token))
	assert.ErrorIs(t, tm.ValidateToken("node-1", "wrong"), ErrInvalidToken)
	assert.ErrorIs(t, tm.ValidateToken("node-2", token), ErrInvalidToken)

	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, tm.ValidateToken("node-1", token), ErrTokenExpired)
	assert.Equal(t, 1, tm.CleanupExpiredTokens())
	assert.ErrorIs(t, tm.ValidateToken("node-1", token), ErrInvalidToken)
}

func TestTokenRegenerateReplaces(t *testing.T) {
	tm := NewTokenManager(0, WithCost(bcrypt.MinCost))
	first, err := tm.GenerateToken("node-1")
	require.NoError(t, err)
	second, err := tm.GenerateToken("node-1")
	require.NoError(t, err)

	assert.Error(t, tm.ValidateToken("node-1", first))
	assert.NoError(t, tm.ValidateToken("node-1", second))

	tm.RevokeToken("node-1")
	assert.Error(t, tm.ValidateToken("node-1", second))
}

func TestAPIKeys(t *testing.T) {
	akm := NewAPIKeyManager()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, akm.AddHashed("ops", string(hash)))
	assert.Error(t, akm.AddHashed("bad", "not-a-hash"))

	name, err := akm.Validate("s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ops", name)

	_, err = akm.Validate("nope")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = akm.Validate("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	key, _, err := akm.GenerateAPIKey("ci")
	require.NoError(t, err)
	name, err = akm.Validate(key)
	require.NoError(t, err)
	assert.Equal(t, "ci", name)
	assert.Equal(t, []string{"ci", "ops"}, akm.Names())

	akm.RevokeAPIKey("ci")
	_, err = akm.Validate(key)
	assert.Error(t, err)
}

func TestAuthenticator(t *testing.T) {
	keys := NewAPIKeyManager()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, keys.AddHashed("ops", string(hash)))
	tokens := NewTokenManager(0, WithCost(bcrypt.MinCost))
	nodeToken, err := tokens.GenerateToken("node-1")
	require.NoError(t, err)

	a := &Authenticator{Keys: keys, Tokens: tokens}
	var seenNode, seenKey string
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenNode = NodeIDFromContext(r.Context())
		seenKey = KeyNameFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		handler  http.Handler
		headers  map[string]string
		want     int
		wantNode string
		wantKey  string
	}{
		{"operator without key", a.Operator(ok), nil, http.StatusUnauthorized, "", ""},
		{"operator bearer", a.Operator(ok), map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK, "", "ops"},
		{"operator header", a.Operator(ok), map[string]string{APIKeyHeader: "s3cret"}, http.StatusOK, "", "ops"},
		{"operator rejects node token", a.Operator(ok), map[string]string{NodeIDHeader: "node-1", NodeTokenHeader: nodeToken}, http.StatusUnauthorized, "", ""},
		{"node token", a.Node(ok), map[string]string{NodeIDHeader: "node-1", NodeTokenHeader: nodeToken}, http.StatusOK, "node-1", ""},
		{"node token for other node", a.Node(ok), map[string]string{NodeIDHeader: "node-2", NodeTokenHeader: nodeToken}, http.StatusUnauthorized, "", ""},
		{"node route with api key", a.Node(ok), map[string]string{APIKeyHeader: "s3cret"}, http.StatusOK, "", "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenNode, seenKey = "", ""
			req := httptest.NewRequest("POST", "/x", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			tt.handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, tt.wantNode, seenNode)
			assert.Equal(t, tt.wantKey, seenKey)
		})
	}
}

func TestAuthenticatorDisabled(t *testing.T) {
	a := &Authenticator{Keys: NewAPIKeyManager()}
	assert.False(t, a.Enabled())

	rr := httptest.NewRecorder()
	a.Operator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("abc", "abc") {
		t.Error("equal strings must compare equal")
	}
	if SecureCompare("abc", "abd") {
		t.Error("different strings must not compare equal")
	}
}
