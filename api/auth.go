/*
auth.go - Service token authentication for privileged endpoints

PURPOSE:
  Jobs and outbox acknowledgement are operator surfaces, not member
  surfaces. Callers present either a signed service token (Authorization:
  Bearer <jwt>) or, for cron-style invocation, the shared job secret as
  a ?secret= query parameter.

SEE ALSO:
  - server.go: which routes are wrapped
*/
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/booking-engine/core"
)

// Auth validates service credentials on privileged routes.
type Auth struct {
	// TokenSecret signs and verifies service JWTs. Empty disables
	// token auth.
	TokenSecret string

	// JobSecret is the shared secret accepted via ?secret= on job
	// routes. Empty disables the fallback.
	JobSecret string
}

type serviceClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// MintServiceToken issues a token for a named internal service. Used by
// deploy tooling and tests.
func (a *Auth) MintServiceToken(service string, ttl time.Duration) (string, error) {
	if a.TokenSecret == "" {
		return "", fmt.Errorf("mint service token: %w", core.ErrUnauthorized)
	}
	now := time.Now().UTC()
	claims := serviceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.TokenSecret))
}

// Authorize reports whether the request carries valid service
// credentials.
func (a *Auth) Authorize(r *http.Request) error {
	if header := r.Header.Get("Authorization"); header != "" && a.TokenSecret != "" {
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == header {
			return fmt.Errorf("authorization header is not a bearer token: %w", core.ErrUnauthorized)
		}
		claims := &serviceClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(a.TokenSecret), nil
		})
		if err != nil {
			return fmt.Errorf("invalid service token: %w", core.ErrUnauthorized)
		}
		return nil
	}

	if a.JobSecret != "" && r.URL.Query().Get("secret") == a.JobSecret {
		return nil
	}
	return fmt.Errorf("missing service credentials: %w", core.ErrUnauthorized)
}

// Middleware guards a route subtree with Authorize.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authorize(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
