// Package testutil provides fake portal and server fixtures plus small
// assertion helpers for the session library's tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// FakePortal is an in-process stand-in for a portal's sharing API. It
// serves the token grant endpoints, the portal info probe, the community
// self endpoint, and token revocation, and counts how often each token
// endpoint is hit so tests can assert on network traffic.
type FakePortal struct {
	Server *httptest.Server

	// Credentials accepted by /generateToken
	Username string
	Password string

	// Token payloads handed out by the grant endpoints
	Token        string
	RefreshToken string
	TokenTTL     time.Duration

	// Optional delay applied to every token grant, for in-flight
	// coalescing tests
	GrantDelay time.Duration

	generateTokenCalls atomic.Int64
	oauthTokenCalls    atomic.Int64
	revokeCalls        atomic.Int64
}

// NewFakePortal starts a fake portal. Callers must Close it.
func NewFakePortal() *FakePortal {
	p := &FakePortal{
		Username: "c@sey",
		Password: "123456",
		Token:    "portal-token",
		TokenTTL: 30 * time.Minute,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sharing/rest/generateToken", p.handleGenerateToken)
	mux.HandleFunc("/sharing/rest/oauth2/token", p.handleOAuthToken)
	mux.HandleFunc("/sharing/rest/oauth2/revokeToken", p.handleRevoke)
	mux.HandleFunc("/sharing/rest/info", p.handleInfo)
	mux.HandleFunc("/sharing/rest/community/self", p.handleSelf)
	p.Server = httptest.NewServer(mux)
	return p
}

// URL returns the portal base URL (including /sharing/rest).
func (p *FakePortal) URL() string {
	return p.Server.URL + "/sharing/rest"
}

// Close shuts the fixture down.
func (p *FakePortal) Close() {
	p.Server.Close()
}

// GenerateTokenCalls reports how many times /generateToken was hit.
func (p *FakePortal) GenerateTokenCalls() int64 {
	return p.generateTokenCalls.Load()
}

// OAuthTokenCalls reports how many times /oauth2/token was hit.
func (p *FakePortal) OAuthTokenCalls() int64 {
	return p.oauthTokenCalls.Load()
}

// RevokeCalls reports how many times /oauth2/revokeToken was hit.
func (p *FakePortal) RevokeCalls() int64 {
	return p.revokeCalls.Load()
}

func (p *FakePortal) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	p.generateTokenCalls.Add(1)
	if p.GrantDelay > 0 {
		time.Sleep(p.GrantDelay)
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if u, pw := r.Form.Get("username"), r.Form.Get("password"); u != "" || pw != "" {
		if u != p.Username || pw != p.Password {
			writeJSON(w, map[string]any{
				"error": map[string]any{
					"code":    400,
					"message": "Unable to generate token.",
					"details": []string{"Invalid username or password."},
				},
			})
			return
		}
	}
	writeJSON(w, map[string]any{
		"token":   p.Token,
		"expires": time.Now().Add(p.TokenTTL).UnixMilli(),
		"ssl":     true,
	})
}

func (p *FakePortal) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	p.oauthTokenCalls.Add(1)
	if p.GrantDelay > 0 {
		time.Sleep(p.GrantDelay)
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := map[string]any{
		"access_token": p.Token,
		"expires_in":   int64(p.TokenTTL / time.Second),
		"username":     p.Username,
		"ssl":          true,
	}
	switch r.Form.Get("grant_type") {
	case "refresh_token", "authorization_code":
		if p.RefreshToken != "" {
			resp["refresh_token"] = p.RefreshToken
			resp["refresh_token_expires_in"] = int64((14 * 24 * time.Hour) / time.Second)
		}
	case "exchange_refresh_token":
		resp["refresh_token"] = p.RefreshToken
	}
	writeJSON(w, resp)
}

func (p *FakePortal) handleRevoke(w http.ResponseWriter, r *http.Request) {
	p.revokeCalls.Add(1)
	writeJSON(w, map[string]any{"success": true})
}

func (p *FakePortal) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"currentVersion": 2025.1,
		"authInfo": map[string]any{
			"isTokenBasedSecurity": true,
			"tokenServicesUrl":     p.URL() + "/generateToken",
		},
	})
}

func (p *FakePortal) handleSelf(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"username": p.Username,
		"fullName": "Casey Tester",
		"role":     "org_admin",
		"orgId":    "test-org",
	})
}

// FakeArcGISServer is an in-process ArcGIS Server whose /rest/info either
// declares federation with an owning portal or advertises its own token
// service (standalone).
type FakeArcGISServer struct {
	Server *httptest.Server

	// OwningSystemURL, when set, federates this server with that portal
	OwningSystemURL string

	// TokenServicesURL is advertised for standalone servers
	TokenServicesURL string

	// Token handed out by the standalone token service
	Token string

	infoCalls  atomic.Int64
	tokenCalls atomic.Int64
}

// NewFakeArcGISServer starts a fake server. Callers must Close it.
func NewFakeArcGISServer() *FakeArcGISServer {
	s := &FakeArcGISServer{Token: "server-token"}
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/info", s.handleInfo)
	mux.HandleFunc("/tokens/generateToken", s.handleGenerateToken)
	mux.HandleFunc("/rest/services/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"currentVersion": 11.4})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// Root returns the server root URL.
func (s *FakeArcGISServer) Root() string {
	return s.Server.URL
}

// ServiceURL returns a service URL beneath the server root.
func (s *FakeArcGISServer) ServiceURL(path string) string {
	return s.Server.URL + "/rest/services/" + strings.TrimPrefix(path, "/")
}

// Close shuts the fixture down.
func (s *FakeArcGISServer) Close() {
	s.Server.Close()
}

// InfoCalls reports how many times /rest/info was probed.
func (s *FakeArcGISServer) InfoCalls() int64 {
	return s.infoCalls.Load()
}

// TokenCalls reports how many times the standalone token service was hit.
func (s *FakeArcGISServer) TokenCalls() int64 {
	return s.tokenCalls.Load()
}

func (s *FakeArcGISServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.infoCalls.Add(1)
	info := map[string]any{"currentVersion": 11.4}
	if s.OwningSystemURL != "" {
		info["owningSystemUrl"] = s.OwningSystemURL
		info["authInfo"] = map[string]any{
			"isTokenBasedSecurity": true,
			"tokenServicesUrl":     s.OwningSystemURL + "/sharing/rest/generateToken",
		}
	} else if s.TokenServicesURL != "" {
		info["authInfo"] = map[string]any{
			"isTokenBasedSecurity": true,
			"tokenServicesUrl":     s.TokenServicesURL,
		}
	}
	writeJSON(w, info)
}

func (s *FakeArcGISServer) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	s.tokenCalls.Add(1)
	writeJSON(w, map[string]any{
		"token":   s.Token,
		"expires": time.Now().Add(30 * time.Minute).UnixMilli(),
		"ssl":     true,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
