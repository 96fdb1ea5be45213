// Package auth guards the admin API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

var ErrMissingCredentials = errors.New("missing credentials")

// NewVerifier returns nil when the admin API is unauthenticated.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts an API key from X-API-Key, an
// "Authorization: ApiKey|Bearer <key>" header, or the apiKey query parameter.
// Browsers cannot set headers on a websocket upgrade, hence the query form.
func CredentialFromRequest(r *http.Request) (string, error) {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k, nil
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && (strings.EqualFold(scheme, "apikey") || strings.EqualFold(scheme, "bearer")) {
			if v := strings.TrimSpace(value); v != "" {
				return v, nil
			}
		}
	}
	if k := r.URL.Query().Get("apiKey"); k != "" {
		return k, nil
	}
	return "", ErrMissingCredentials
}

// Middleware rejects requests that fail v with 401. A nil v lets everything
// through.
func Middleware(v Verifier, next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := CredentialFromRequest(r)
		if err == nil {
			err = v.Verify(cred)
		}
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
