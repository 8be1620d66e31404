package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledVerifierIsAnonymous(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())

	principal, err := v.Principal("")
	require.NoError(t, err)
	assert.Equal(t, AnonymousPrincipal, principal)

	_, err = v.CreateJWT("alice", "", time.Hour)
	assert.Error(t, err)
}

func TestPrincipalFromSubject(t *testing.T) {
	v := NewVerifier("s3cret")
	token, err := v.CreateJWT("alice", "Alice", time.Hour)
	require.NoError(t, err)

	principal, err := v.Principal(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)

	claims, err := v.ParseJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "Alice", claims.Name)
}

func TestPrincipalRejections(t *testing.T) {
	v := NewVerifier("s3cret")

	expired, err := v.CreateJWT("alice", "", -time.Minute)
	require.NoError(t, err)
	otherKey, err := NewVerifier("other").CreateJWT("alice", "", time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AppClaims{}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS384, AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "  ", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong key", otherKey, ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"wrong algorithm", wrongAlg, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Principal(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
