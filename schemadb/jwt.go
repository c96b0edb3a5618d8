package schemadb

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	roleAnon          = "anon"
	roleAuthenticated = "authenticated"
)

// Claims is a verified token payload.
type Claims map[string]any

// Role maps the token's role claim onto one of the two database roles queries may assume.
func (c Claims) Role() string {
	if r, _ := c["role"].(string); r == roleAuthenticated {
		return roleAuthenticated
	}
	return roleAnon
}

// VerifyToken checks an HS256 token against secret and returns its claims. An empty token is the
// anonymous caller. exp and nbf are checked against now.
func VerifyToken(token string, secret []byte, now time.Time) (Claims, error) {
	if token == "" {
		return Claims{"role": roleAnon}, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return Claims(claims), nil
}
