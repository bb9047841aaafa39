package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidKey   = errors.New("invalid api key")
)

// TokenManager issues and checks per-node tokens. A node receives its token
// once, at registration, and presents it on heartbeats and task reports.
type TokenManager struct {
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Hash      string
	NodeID    string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// TokenOption configures a TokenManager
type TokenOption func(*TokenManager)

// WithClock overrides the time source
func WithClock(now func() time.Time) TokenOption {
	return func(tm *TokenManager) { tm.now = now }
}

// WithCost sets the bcrypt cost used to hash tokens
func WithCost(cost int) TokenOption {
	return func(tm *TokenManager) { tm.cost = cost }
}

// NewTokenManager creates a new token manager. ttl <= 0 makes tokens
// valid until revoked.
func NewTokenManager(ttl time.Duration, opts ...TokenOption) *TokenManager {
	tm := &TokenManager{
		tokens: make(map[string]*TokenInfo),
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// GenerateToken issues a token for nodeID, replacing any previous one
func (tm *TokenManager) GenerateToken(nodeID string) (string, error) {
	token, err := randomString()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), tm.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	now := tm.now()
	info := &TokenInfo{Hash: string(hash), NodeID: nodeID, CreatedAt: now}
	if tm.ttl > 0 {
		info.ExpiresAt = now.Add(tm.ttl)
	}

	tm.mu.Lock()
	tm.tokens[nodeID] = info
	tm.mu.Unlock()

	return token, nil
}

// ValidateToken checks token against the one issued to nodeID
func (tm *TokenManager) ValidateToken(nodeID, token string) error {
	tm.mu.RLock()
	info, ok := tm.tokens[nodeID]
	tm.mu.RUnlock()
	if !ok {
		return ErrInvalidToken
	}

	if !info.ExpiresAt.IsZero() && tm.now().After(info.ExpiresAt) {
		return ErrTokenExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(info.Hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// RevokeToken revokes a token for a node
func (tm *TokenManager) RevokeToken(nodeID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.tokens, nodeID)
}

// CleanupExpiredTokens removes expired tokens and returns how many went
func (tm *TokenManager) CleanupExpiredTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	removed := 0
	for nodeID, info := range tm.tokens {
		if !info.ExpiresAt.IsZero() && now.After(info.ExpiresAt) {
			delete(tm.tokens, nodeID)
			removed++
		}
	}
	return removed
}

// APIKeyManager checks operator API keys. Keys are held as bcrypt hashes
// so the coordinator config never needs the plaintext.
type APIKeyManager struct {
	keys map[string][]byte // name -> bcrypt hash
	mu   sync.RWMutex
}

// NewAPIKeyManager creates a new API key manager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		keys: make(map[string][]byte),
	}
}

// AddHashed registers a key by its bcrypt hash
func (akm *APIKeyManager) AddHashed(name, hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("api key %q: %w", name, err)
	}
	akm.mu.Lock()
	defer akm.mu.Unlock()
	akm.keys[name] = []byte(hash)
	return nil
}

// GenerateAPIKey creates a random key under name and returns the plaintext
// together with the hash to put in the config
func (akm *APIKeyManager) GenerateAPIKey(name string) (key, hash string, err error) {
	key, err = randomString()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	h, err := HashKey(key)
	if err != nil {
		return "", "", err
	}
	akm.mu.Lock()
	akm.keys[name] = []byte(h)
	akm.mu.Unlock()
	return key, h, nil
}

// Validate returns the name of the key matching apiKey
func (akm *APIKeyManager) Validate(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrInvalidKey
	}
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	for name, hash := range akm.keys {
		if bcrypt.CompareHashAndPassword(hash, []byte(apiKey)) == nil {
			return name, nil
		}
	}
	return "", ErrInvalidKey
}

// RevokeAPIKey revokes an API key
func (akm *APIKeyManager) RevokeAPIKey(name string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	delete(akm.keys, name)
}

// Names returns the registered key names, sorted
func (akm *APIKeyManager) Names() []string {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	names := make([]string, 0, len(akm.keys))
	for name := range akm.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered keys
func (akm *APIKeyManager) Len() int {
	akm.mu.RLock()
	defer akm.mu.RUnlock()
	return len(akm.keys)
}

// HashKey returns the bcrypt hash of a plaintext key
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomString() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
