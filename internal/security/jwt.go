// Package security implements the daemon's layered security pipeline: JWT
// lifecycle, per-actor rate limiting, content validation, the directory
// guard, and the audit batcher.
package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// JWT validation errors.
var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenRevoked = errors.New("token is revoked")
)

// JWTConfig configures token issuance and rotation.
type JWTConfig struct {
	Secret           string
	Expiry           time.Duration
	RotationInterval time.Duration
	RevocationTTL    time.Duration
}

// Claims are the agent token claims.
type Claims struct {
	AgentID      string   `json:"agent_id"`
	MachineID    string   `json:"machine_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager mints, validates, refreshes, and revokes HS256 agent tokens.
type TokenManager struct {
	cfg JWTConfig
	now func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> revocation time
}

// NewTokenManager creates a token manager with the given config.
func NewTokenManager(cfg JWTConfig) *TokenManager {
	return &TokenManager{
		cfg:     cfg,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// Create mints a token for an agent identity.
func (m *TokenManager) Create(agentID, machineID string, capabilities []string) (string, error) {
	jti, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}
	now := m.now()
	claims := Claims{
		AgentID:      agentID,
		MachineID:    machineID,
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.Expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token. A tampered signature, an expired
// token, or a revoked jti all fail validation.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.Secret), nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	m.mu.Lock()
	_, revoked := m.revoked[claims.ID]
	m.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Refresh issues a replacement token iff the rotation interval has elapsed
// since the token was issued. rotated reports whether a new token was
// minted; when false, the original token is returned unchanged.
func (m *TokenManager) Refresh(tokenString string) (token string, rotated bool, err error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return "", false, err
	}
	if claims.IssuedAt == nil || m.now().Before(claims.IssuedAt.Add(m.cfg.RotationInterval)) {
		return tokenString, false, nil
	}
	fresh, err := m.Create(claims.AgentID, claims.MachineID, claims.Capabilities)
	if err != nil {
		return "", false, err
	}
	return fresh, true, nil
}

// Revoke adds a jti to the revocation list. Entries older than the
// revocation TTL are pruned on each call.
func (m *TokenManager) Revoke(jti string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = now
	for id, at := range m.revoked {
		if now.Sub(at) > m.cfg.RevocationTTL {
			delete(m.revoked, id)
		}
	}
}
