package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDMiddleware_GeneratesUUID(t *testing.T) {
	var fromCtx string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	got := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("%s = %q is not a UUID: %v", RequestIDHeader, got, err)
	}
	if fromCtx != got {
		t.Errorf("context request id = %q, want %q", fromCtx, got)
	}
}

func TestRequestIDMiddleware_PropagatesClientID(t *testing.T) {
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "trace-123" {
		t.Errorf("%s = %q, want %q", RequestIDHeader, got, "trace-123")
	}
}

func TestRequestIDMiddleware_RejectsUnsafeClientID(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"改行を含む", "abc\ninjected"},
		{"空白を含む", "abc def"},
		{"長すぎる", strings.Repeat("a", maxRequestIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header[RequestIDHeader] = []string{tt.id}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			if got == tt.id {
				t.Error("unsafe request id should be replaced")
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("replacement %q is not a UUID", got)
			}
		})
	}
}
