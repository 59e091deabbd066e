package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth("s3cret", "/health")(okHandler)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "public path", target: "/health", want: http.StatusOK},
		{name: "missing token", target: "/api/sessions", want: http.StatusUnauthorized},
		{name: "query token", target: "/ws?token=s3cret", want: http.StatusOK},
		{name: "wrong query token", target: "/ws?token=nope", want: http.StatusUnauthorized},
		{name: "bearer header", target: "/api/sessions", header: "Bearer s3cret", want: http.StatusOK},
		{name: "lowercase bearer", target: "/api/sessions", header: "bearer s3cret", want: http.StatusOK},
		{name: "raw header", target: "/api/sessions", header: "s3cret", want: http.StatusOK},
		{name: "wrong header", target: "/api/sessions", header: "Bearer s3cre", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	h := Auth("")(okHandler)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
		wantCreds  string
	}{
		{name: "explicit origin", allowed: []string{"https://app.example.com"}, origin: "https://app.example.com", wantOrigin: "https://app.example.com", wantCreds: "true"},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://other.example.com", wantOrigin: "https://other.example.com"},
		{name: "not allowed", allowed: []string{"https://app.example.com"}, origin: "https://evil.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			CORS(tt.allowed)(okHandler).ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/sessions", nil))
	if w.Code != http.StatusOK || called {
		t.Fatalf("preflight: status %d, next called %v", w.Code, called)
	}
}
