package request

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestPostDecodesResponse(t *testing.T) {
	var gotForm url.Values
	var gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotForm = r.Form
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "abc", "expires": 123})
	}))
	defer srv.Close()

	c := New()
	params := url.Values{}
	params.Set("username", "c@sey")

	var out struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := c.Post(context.Background(), srv.URL+"/generateToken", params, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out.Token != "abc" || out.Expires != 123 {
		t.Errorf("decoded %+v, want token=abc expires=123", out)
	}
	if gotForm.Get("f") != "json" {
		t.Error("f=json should be appended to every request")
	}
	if gotForm.Get("username") != "c@sey" {
		t.Errorf("username = %q, want c@sey", gotForm.Get("username"))
	}
	if gotRequestID == "" {
		t.Error("every request should carry a correlation ID")
	}
}

func TestGetSendsQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Query().Get("f") != "json" {
			t.Error("f=json should be in the query string")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"currentVersion": 11.4})
	}))
	defer srv.Close()

	c := New()
	if err := c.Get(context.Background(), srv.URL+"/rest/info", nil, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestErrorEnvelopeBecomesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Portal endpoints report failures with HTTP 200.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":        498,
				"messageCode": "GWM_0003",
				"message":     "Invalid token.",
			},
		})
	}))
	defer srv.Close()

	c := New()
	err := c.Post(context.Background(), srv.URL+"/endpoint", nil, nil)
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %T: %v", err, err)
	}
	if failure.Code != 498 {
		t.Errorf("Code = %d, want 498", failure.Code)
	}
	if failure.MessageCode != "GWM_0003" {
		t.Errorf("MessageCode = %q, want GWM_0003", failure.MessageCode)
	}
	if failure.Message != "Invalid token." {
		t.Errorf("Message = %q, want Invalid token.", failure.Message)
	}
	if failure.HTTPStatus != http.StatusOK {
		t.Errorf("HTTPStatus = %d, want 200", failure.HTTPStatus)
	}
}

func TestNonSuccessStatusBecomesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New()
	err := c.Post(context.Background(), srv.URL+"/endpoint", nil, nil)
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %T: %v", err, err)
	}
	if failure.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want 502", failure.HTTPStatus)
	}
	if failure.Code != 0 {
		t.Errorf("Code = %d, want 0 for transport-level failures", failure.Code)
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	// One request per hour with no burst headroom left after the first.
	c := New(WithRateLimit(1.0/3600, 1))
	if err := c.Post(context.Background(), srv.URL, nil, nil); err != nil {
		t.Fatalf("first request should pass the limiter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Post(ctx, srv.URL, nil, nil); err == nil {
		t.Error("second request should fail waiting on the limiter")
	}
}

func TestFailureError(t *testing.T) {
	withCode := &Failure{Code: 498, Message: "Invalid token.", URL: "https://example.com/x"}
	if got := withCode.Error(); got != "https://example.com/x returned error 498: Invalid token." {
		t.Errorf("Error() = %q", got)
	}
	withoutCode := &Failure{HTTPStatus: 502, Message: "Bad Gateway", URL: "https://example.com/x"}
	if got := withoutCode.Error(); got != "https://example.com/x returned HTTP 502: Bad Gateway" {
		t.Errorf("Error() = %q", got)
	}
}
