package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultSessionTTL is how long a minted session stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

const sessionIssuer = "flare"

// minSessionKeyLen guards against weak HMAC keys.
const minSessionKeyLen = 32

// Sessions mints and verifies the signed session tokens handed to clients
// after a successful token validation. Sessions are stateless HS256 JWTs;
// revocation is by expiry only.
type Sessions struct {
	key []byte
	ttl time.Duration
}

// NewSessions creates a session component. key must be at least 32 bytes.
func NewSessions(key []byte, ttl time.Duration) (*Sessions, error) {
	if len(key) < minSessionKeyLen {
		return nil, fmt.Errorf("session key must be at least %d bytes, got %d", minSessionKeyLen, len(key))
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{key: key, ttl: ttl}, nil
}

// Issue mints a session token for the user.
func (s *Sessions) Issue(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		Issuer:    sessionIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer, and expiry of a session token and
// returns the user ID it was minted for.
func (s *Sessions) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			return s.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("session token has no subject")
	}
	return claims.Subject, nil
}
