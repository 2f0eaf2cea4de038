package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// echoPrincipal writes the resolved client and agent ids as headers.
var echoPrincipal = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	w.Header().Set("X-Client", p.ClientID)
	w.Header().Set("X-Agent", p.AgentID)
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthenticator(map[string]string{"good-key": "acme"}, testSecret, false)
	valid := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub":      "jwt-client",
		"agent_id": "agent-1",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantClient string
		wantAgent  string
	}{
		{"no credentials", nil, http.StatusUnauthorized, "", ""},
		{"api key header", map[string]string{"X-API-Key": "good-key"}, http.StatusOK, "acme", ""},
		{"bad api key", map[string]string{"X-API-Key": "bad-key"}, http.StatusUnauthorized, "", ""},
		{"api key as bearer", map[string]string{"Authorization": "Bearer good-key"}, http.StatusOK, "acme", ""},
		{"jwt", map[string]string{"Authorization": "Bearer " + valid}, http.StatusOK, "jwt-client", "agent-1"},
		{"garbage bearer", map[string]string{"Authorization": "Bearer not.a.jwt"}, http.StatusUnauthorized, "", ""},
		{"basic auth", map[string]string{"Authorization": "Basic YTpi"}, http.StatusUnauthorized, "", ""},
		{
			"wrong secret",
			map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "x"})},
			http.StatusUnauthorized, "", "",
		},
		{
			"expired",
			map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"sub": "x", "exp": time.Now().Add(-time.Minute).Unix(),
			})},
			http.StatusUnauthorized, "", "",
		},
		{
			"missing sub",
			map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"agent_id": "a"})},
			http.StatusUnauthorized, "", "",
		},
		{
			"hs512 rejected",
			map[string]string{"Authorization": "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "x"})},
			http.StatusUnauthorized, "", "",
		},
	}

	handler := AuthMiddleware(auth)(echoPrincipal)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Header().Get("X-Client") != tt.wantClient {
				t.Errorf("client = %q, want %q", rec.Header().Get("X-Client"), tt.wantClient)
			}
			if rec.Header().Get("X-Agent") != tt.wantAgent {
				t.Errorf("agent = %q, want %q", rec.Header().Get("X-Agent"), tt.wantAgent)
			}
		})
	}
}

func TestAuthMiddleware_AllowUnauthenticated(t *testing.T) {
	handler := AuthMiddleware(NewAuthenticator(nil, "", true))(echoPrincipal)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Client"); got != anonymousClient {
		t.Errorf("client = %q, want %q", got, anonymousClient)
	}
}

func TestAuthMiddleware_BadKeyNotRescuedByAllowUnauthenticated(t *testing.T) {
	handler := AuthMiddleware(NewAuthenticator(nil, "", true))(echoPrincipal)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-API-Key", "typo")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}

func TestAuthenticator_Configured(t *testing.T) {
	if NewAuthenticator(nil, "", true).Configured() {
		t.Error("empty authenticator reports configured")
	}
	if NewAuthenticator(map[string]string{"": "x"}, "", false).Configured() {
		t.Error("blank key counted as configured")
	}
	if !NewAuthenticator(nil, "s", false).Configured() {
		t.Error("jwt secret not counted as configured")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id %q, header %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-1" {
		t.Errorf("id = %q, want upstream-1", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "INTERNAL" {
		t.Errorf("code = %q, want INTERNAL", resp.Code)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}
