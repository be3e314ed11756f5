package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func TestJWTBearerAuth(t *testing.T) {
	auth := JWTBearerAuth(testSecret)

	t.Run("missing header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		assert.ErrorIs(t, auth(r, "ch-1"), ErrUnauthorized)
	})

	t.Run("malformed header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.ErrorIs(t, auth(r, "ch-1"), ErrUnauthorized)
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		r.Header.Set("Authorization", "Bearer not.a.jwt")
		assert.ErrorIs(t, auth(r, "ch-1"), ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{}).
			SignedString([]byte("other-secret"))
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.ErrorIs(t, auth(r, "ch-1"), ErrUnauthorized)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.ErrorIs(t, auth(r, "ch-1"), ErrUnauthorized)
	})

	t.Run("valid token without channel claim", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"sub": "user-1"})
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.NoError(t, auth(r, "ch-anything"))
	})

	t.Run("channel claim grants listed channel", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"channels": []string{"ch-1", "ch-2"}})
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.NoError(t, auth(r, "ch-2"))
	})

	t.Run("channel claim denies unlisted channel", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"channels": []string{"ch-1"}})
		r := httptest.NewRequest("GET", "/sse/connect", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		assert.ErrorIs(t, auth(r, "ch-3"), ErrUnauthorized)
	})
}

func TestAllowAll(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse/connect", nil)
	assert.NoError(t, AllowAll(r, "anything"))
}
