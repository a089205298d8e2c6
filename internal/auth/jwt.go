// Package auth issues and verifies the signed client token that identifies
// a browser across requests.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const Issuer = "callbox"

// Claims are the only supported JWT claims shape for client tokens.
type Claims struct {
	jwt.RegisteredClaims

	ClientID string `json:"client_id"`
}

type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Manager{
		secret: []byte(secret),
		issuer: Issuer,
		ttl:    ttl,
	}, nil
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// NewClientID returns a fresh client identifier.
func NewClientID() string {
	return uuid.NewString()
}

/* ===================== ISSUE TOKEN ===================== */

func (m *Manager) Issue(now time.Time, clientID string) (string, error) {
	if clientID == "" {
		return "", errors.New("client_id missing")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		ClientID: clientID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

/* ===================== VERIFY TOKEN ===================== */

func (m *Manager) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second), // clock skew tolerance
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if claims.ClientID == "" {
		return Claims{}, errors.New("client_id missing")
	}
	return claims, nil
}
