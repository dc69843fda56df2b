package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

func TestKeyAuthAcceptsBearerToken(t *testing.T) {
	k := NewKeyAuth([]string{"secret-123"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-123")

	if err := k.Authenticate(req); err != nil {
		t.Fatalf("Authenticate() = %v; want nil", err)
	}
}

func TestKeyAuthAcceptsXAPIKeyHeader(t *testing.T) {
	k := NewKeyAuth([]string{"secret-123"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret-123")

	if err := k.Authenticate(req); err != nil {
		t.Fatalf("Authenticate() = %v; want nil", err)
	}
}

func TestKeyAuthRejectsUnknownKey(t *testing.T) {
	k := NewKeyAuth([]string{"secret-123"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")

	err := k.Authenticate(req)
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("Authenticate() = %v; want ErrUnauthorized", err)
	}
}

func TestKeyAuthRejectsMissingKey(t *testing.T) {
	k := NewKeyAuth([]string{"secret-123"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := k.Authenticate(req)
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("Authenticate() = %v; want ErrUnauthorized", err)
	}
}

func TestKeyAuthDisabledWhenNoKeysConfigured(t *testing.T) {
	k := NewKeyAuth(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if err := k.Authenticate(req); err != nil {
		t.Fatalf("Authenticate() = %v; want nil when auth disabled", err)
	}
}
