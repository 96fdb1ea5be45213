package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/config"
)

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil || v != nil {
		t.Fatalf("none: v=%v err=%v, want nil nil", v, err)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("api_key: err=%v", err)
	}
	if err := v.Verify("k"); err != nil {
		t.Fatalf("Verify(k)=%v", err)
	}
	if err := v.Verify("nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(nope)=%v, want %v", err, ErrInvalidCredentials)
	}

	if _, err := NewVerifier(config.Config{AuthMode: "jwt"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestAPIKeyVerifier_EmptyExpectedRejectsAll(t *testing.T) {
	if err := (APIKeyVerifier{}).Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		url    string
		want   string
	}{
		{name: "x-api-key", header: map[string]string{"X-API-Key": "k"}, want: "k"},
		{name: "authorization apikey", header: map[string]string{"Authorization": "ApiKey k"}, want: "k"},
		{name: "authorization bearer", header: map[string]string{"Authorization": "Bearer k"}, want: "k"},
		{name: "query", url: "http://example.com/v1/statistics/ws?apiKey=k", want: "k"},
		{name: "header wins over query", header: map[string]string{"X-API-Key": "h"}, url: "http://example.com/?apiKey=q", want: "h"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.url
			if u == "" {
				u = "http://example.com"
			}
			req, _ := http.NewRequest(http.MethodGet, u, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			cred, err := CredentialFromRequest(req)
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if cred != tc.want {
				t.Fatalf("cred=%q, want %q", cred, tc.want)
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
		req.Header.Set("Authorization", "Basic abc")
		if _, err := CredentialFromRequest(req); err != ErrMissingCredentials {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
	})
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(APIKeyVerifier{Expected: "secret"}, ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/statistics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/statistics", nil)
	req.Header.Set("X-API-Key", "secret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = httptest.NewRecorder()
	Middleware(nil, ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("nil verifier status=%d, want %d", rec.Code, http.StatusNoContent)
	}
}
