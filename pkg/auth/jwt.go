// Package auth carries the shared secret between shards, the coordinator and
// the repository. Every outbound client is handed its own Signer; there is
// no process-wide auth state.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrShortSecret   = errors.New("secret must be at least 32 characters")
	ErrForbidden     = errors.New("role not permitted")
)

// Roles a caller can present.
const (
	RoleShard       = "shard"
	RoleCoordinator = "coordinator"
	RoleAdmin       = "admin"
)

// MinSecretLength is the shortest shared secret accepted.
const MinSecretLength = 32

var validRoles = []string{RoleShard, RoleCoordinator, RoleAdmin}

// Claims identify a calling service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and validates HS256 tokens with the shared secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewManager returns an error if the secret is shorter than 32 characters.
func NewManager(secret string, ttl time.Duration, issuer string) (*Manager, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Manager{secret: []byte(secret), ttl: ttl, issuer: issuer}, nil
}

// Sign issues a token for subject, e.g. "shard-1-of-4".
func (m *Manager) Sign(subject, role string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty subject", ErrInvalidClaims)
	}
	if !slices.Contains(validRoles, role) {
		return "", time.Time{}, fmt.Errorf("%w: role %q", ErrInvalidClaims, role)
	}

	now := time.Now()
	expires := now.Add(m.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expires, nil
}

// ValidateToken checks signature, expiry and role.
func (m *Manager) ValidateToken(_ context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" || !slices.Contains(validRoles, claims.Role) {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// Name identifies the validator in logs.
func (m *Manager) Name() string {
	return "jwt-hs256"
}
