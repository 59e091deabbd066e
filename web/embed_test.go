package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSPAHandler(t *testing.T) {
	root := fstest.MapFS{
		"index.html":       {Data: []byte("<html>shell</html>")},
		"assets/app-12.js": {Data: []byte("console.log(1)")},
		"favicon.svg":      {Data: []byte("<svg/>")},
	}
	h := spaHandler(root)

	tests := []struct {
		path      string
		wantCode  int
		wantBody  string
		wantCache string
	}{
		{path: "/", wantCode: http.StatusOK, wantBody: "shell", wantCache: "no-cache"},
		{path: "/sessions/01J", wantCode: http.StatusOK, wantBody: "shell", wantCache: "no-cache"},
		{path: "/assets/app-12.js", wantCode: http.StatusOK, wantBody: "console.log", wantCache: "public, max-age=31536000, immutable"},
		{path: "/favicon.svg", wantCode: http.StatusOK, wantBody: "<svg/>"},
		{path: "/api/nope", wantCode: http.StatusNotFound},
		{path: "/ws", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
			if got := w.Header().Get("Cache-Control"); got != tt.wantCache {
				t.Fatalf("Cache-Control = %q, want %q", got, tt.wantCache)
			}
		})
	}
}

func TestSPAHandlerEmbedsIndex(t *testing.T) {
	w := httptest.NewRecorder()
	SPAHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<html") {
		t.Fatalf("code = %d, body = %q", w.Code, w.Body.String())
	}
}
