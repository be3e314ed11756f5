package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthFunc decides whether a subscription request may attach to a channel.
// It runs before rate limiting and registration. A nil AuthFunc admits
// everyone.
//
// Returning an error rejects the request with 401; the error text is not
// exposed to the client, only logged.
type AuthFunc func(r *http.Request, channelID string) error

// ErrUnauthorized is the generic rejection for auth failures.
var ErrUnauthorized = errors.New("unauthorized")

// AllowAll admits every request. The default when no auth is configured.
func AllowAll(*http.Request, string) error { return nil }

// JWTBearerAuth returns an AuthFunc validating an HS256 bearer token from
// the Authorization header. When the token carries a "channels" claim
// (array of strings), the requested channel must be listed; a token
// without the claim is valid for all channels.
func JWTBearerAuth(secret []byte) AuthFunc {
	return func(r *http.Request, channelID string) error {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}

		allowed, ok := claims["channels"]
		if !ok {
			return nil
		}
		list, ok := allowed.([]interface{})
		if !ok {
			return fmt.Errorf("%w: malformed channels claim", ErrUnauthorized)
		}
		for _, c := range list {
			if s, ok := c.(string); ok && s == channelID {
				return nil
			}
		}
		return fmt.Errorf("%w: channel %q not granted", ErrUnauthorized, channelID)
	}
}
