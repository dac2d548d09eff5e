// Package locktoken issues and verifies the signed credentials that bind a
// device session to a team after a successful team-code verification.
package locktoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a freshly minted token.
const DefaultTTL = 24 * time.Hour

// Claims is the minimal claim set carried by a lock token.
type Claims struct {
	jwt.RegisteredClaims
	TeamID string `json:"tid"`
}

// Token is a minted credential and its expiry.
type Token struct {
	Token     string
	ExpiresAt time.Time
}

// Service signs tokens with HMAC-SHA256 over the claims.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a Service. A non-positive ttl selects DefaultTTL.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("lock token secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of s that reads time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	return &c
}

// TTL is the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Generate mints a token for teamID. Every call produces an independent token.
func (s *Service) Generate(teamID string) (*Token, error) {
	if teamID == "" {
		return nil, errors.New("team id is empty")
	}
	issuedAt := s.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TeamID: teamID,
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign lock token: %w", err)
	}
	return &Token{Token: signed, ExpiresAt: expiresAt}, nil
}

// Verify returns the claims of a valid token, or nil for any malformed,
// tampered, expired or foreign token.
func (s *Service) Verify(tokenString string) *Claims {
	if tokenString == "" {
		return nil
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid || claims.TeamID == "" {
		return nil
	}
	return claims
}

// IsExpired reports whether expiresAt is at or before now.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}
