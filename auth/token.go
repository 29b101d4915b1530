// Package auth provides connection tokens for transports that authenticate,
// currently the websocket transport. Tokens are HS256-signed JWTs carrying
// the client identity.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies a bearer token for a transport connection.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static returns a provider that always yields the given token.
func Static(token string) TokenProvider {
	return staticProvider(token)
}

type staticProvider string

func (p staticProvider) Token(ctx context.Context) (string, error) { return string(p), nil }

const defaultTokenTTL = time.Hour

// HS256Provider mints short-lived HS256 JWTs for a client.
type HS256Provider struct {
	secret   []byte
	clientID string
	ttl      time.Duration
}

// NewHS256 builds a provider signing with secret on behalf of clientID.
// A non-positive ttl defaults to one hour.
func NewHS256(secret []byte, clientID string, ttl time.Duration) *HS256Provider {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &HS256Provider{secret: secret, clientID: clientID, ttl: ttl}
}

func (p *HS256Provider) Token(ctx context.Context) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   p.clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyHS256 validates a token minted by HS256Provider and returns the
// client ID it was issued for.
func VerifyHS256(tokenString string, secret []byte) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}
