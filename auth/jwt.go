// Package auth issues and validates JWTs for the monitoring/admin HTTP
// surface. Unlike the teacher's hand-rolled HMAC implementation, this
// one signs and parses through golang-jwt/jwt/v4.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	issuer   = "horizonq"
	audience = "horizonq-api"
)

// Claims carries the role a token was issued for. HorizonQ is
// single-tenant, so there is no tenant field here unlike the teacher's
// multi-tenant Claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a single HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer builds an Issuer over secret. A secret under 32 bytes is
// refused outright rather than silently accepted, matching the
// teacher's "fail fast on a weak secret" posture.
func NewIssuer(secret string) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: JWT secret must be at least 32 bytes")
	}
	return &Issuer{secret: []byte(secret)}, nil
}

// GenerateToken signs a 24h token for role.
func (i *Issuer) GenerateToken(role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateToken parses and verifies tokenString, returning its claims.
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Issuer != issuer || len(claims.Audience) != 1 || claims.Audience[0] != audience {
		return nil, errors.New("auth: unexpected issuer or audience")
	}
	return claims, nil
}
