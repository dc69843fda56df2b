package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/testutil"
)

func TestHandleProfilesHealth(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	store := testutil.NewFakeProfileStore()
	store.Profiles = []string{"active/a.json", "active/b.json"}
	store.Documents["active/a.json"] = &gateway.ProfileDocument{Cookies: []gateway.Cookie{
		{Name: "SID"}, {Name: "HSID"}, {Name: "SSID"}, {Name: "APISID"},
		{Name: "SAPISID"}, {Name: "SIDCC"}, {Name: "__Secure-1PSID"}, {Name: "__Secure-3PSID"},
	}}
	store.Documents["active/b.json"] = &gateway.ProfileDocument{Cookies: []gateway.Cookie{
		{Name: "SID"},
	}}
	deps.Profiles = store
	deps.ProfileDirs = []string{"active"}

	h := New(deps)
	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var resp profilesHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(resp.Profiles))
	}
	if len(resp.Profiles[0].MissingCookies) != 0 {
		t.Errorf("profile a: missing = %v, want none", resp.Profiles[0].MissingCookies)
	}
	if len(resp.Profiles[1].MissingCookies) != 7 {
		t.Errorf("profile b: missing = %d, want 7", len(resp.Profiles[1].MissingCookies))
	}
}

func TestHandleProfilesHealthDisabledWithoutStore(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	h := New(deps)
	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404 when no profile store configured", rec.Code)
	}
}
