package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaydesk/relaydesk/internal/api/middleware"
)

func TestOwnerExtractor(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"header", "/api/v1/personas?owner=q", "acme", "acme"},
		{"query", "/api/v1/personas?owner=q", "", "q"},
		{"default", "/api/v1/personas", "", "default"},
		{"blank header", "/api/v1/personas", "   ", "default"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := middleware.OwnerExtractor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = middleware.GetOwner(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set(middleware.OwnerHeader, tc.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Errorf("owner = %q, want %q", got, tc.want)
			}
		})
	}
}
