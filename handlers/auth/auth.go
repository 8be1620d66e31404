// Package auth validates the HS256 tokens issued to collaborators.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousPrincipal is the identity of every caller when auth is disabled.
const AnonymousPrincipal = "anonymous"

var (
	ErrMissingToken = errors.New("token is required")
	ErrInvalidToken = errors.New("invalid token")
)

// AppClaims represents the custom claims for the JWT. The principal is the
// subject.
type AppClaims struct {
	jwt.RegisteredClaims
	Login string `json:"login,omitempty"`
	Name  string `json:"name,omitempty"`
}

type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for secret. An empty secret disables
// authentication.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

func (v *Verifier) ParseJWT(tokenString string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Principal resolves the caller behind tokenString.
func (v *Verifier) Principal(tokenString string) (string, error) {
	if !v.Enabled() {
		return AnonymousPrincipal, nil
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingToken
	}
	claims, err := v.ParseJWT(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// CreateJWT signs a token for subject. It exists for local development; real
// tokens come from the identity provider.
func (v *Verifier) CreateJWT(subject, name string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("JWT secret is not configured")
	}
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Login: subject,
		Name:  name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
