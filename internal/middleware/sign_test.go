package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignMiddleware(t *testing.T) {
	sign := NewSignMiddleware("test-secret")
	handler := sign.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		signature  string
		wantStatus int
	}{
		{name: "valid signature", signature: sign.Sign("/api/stats/1"), wantStatus: http.StatusOK},
		{name: "missing signature", signature: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong signature", signature: "deadbeef", wantStatus: http.StatusForbidden},
		{name: "signature for other path", signature: sign.Sign("/api/stats/2"), wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/stats/1", nil)
			if tt.signature != "" {
				req.Header.Set("X-Stats-Signature", tt.signature)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestSignMiddleware_EmptySecretStillSigns(t *testing.T) {
	sign := NewSignMiddleware("")
	handler := sign.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stats/1", nil)
	req.Header.Set("X-Stats-Signature", sign.Sign("/api/stats/1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
