package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.Write(body)
	})
}

func TestBodySizeLimiter(t *testing.T) {
	tests := []struct {
		name          string
		limit         int64
		body          string
		contentLength int64
		wantStatus    int
		wantBody      string
	}{
		{"small body passes", 1024, `{"address":"tel:5550100"}`, 0, http.StatusOK, `{"address":"tel:5550100"}`},
		{"declared length over limit", 100, "small", 200, http.StatusRequestEntityTooLarge, ""},
		{"chunked body over limit", 10, strings.Repeat("x", 20), -1, http.StatusRequestEntityTooLarge, ""},
		{"empty body passes", 100, "", 0, http.StatusOK, ""},
		{"zero limit uses default", 0, strings.Repeat("x", 1000), 0, http.StatusOK, strings.Repeat("x", 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(tt.body))
			if tt.contentLength != 0 {
				req.ContentLength = tt.contentLength
			}
			rec := httptest.NewRecorder()

			BodySizeLimiter(tt.limit)(echoBody(t)).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestBodySizeLimiter_NoBody(t *testing.T) {
	called := false
	handler := BodySizeLimiter(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/calls", nil))

	if !called {
		t.Error("handler should have been called")
	}
}
