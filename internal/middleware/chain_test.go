package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/academico/internal/model"
)

// TestRouterIntegration_ProtectedRoute_WithMiddlewareChain は
// Session -> CSRF のミドルウェアチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_ProtectedRoute_WithMiddlewareChain(t *testing.T) {
	r := chi.NewRouter()
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewRecoveryMiddleware(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))))
	r.Get("/api/csrf-token", NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(validResolver("tok", "user-1")))
		r.Use(NewCSRFMiddleware(CSRFConfig{}))
		r.Post("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
	})

	// CSRF token + session cookie
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "tok"})
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf"})
	req.Header.Set(csrfHeaderName, "csrf")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers")
	}

	// no session
	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	// panic recovered as JSON 500
	req = httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q", body.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := NewCORSMiddleware("https://app.escola.com.br, https://admin.escola.com.br/")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name        string
		origin      string
		wantOrigin  string
		wantHeaders bool
	}{
		{name: "利用者画面", origin: "https://app.escola.com.br", wantOrigin: "https://app.escola.com.br", wantHeaders: true},
		{name: "管理画面（末尾スラッシュは無視）", origin: "https://admin.escola.com.br", wantOrigin: "https://admin.escola.com.br", wantHeaders: true},
		{name: "未許可のオリジン", origin: "https://evil.example.com", wantOrigin: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			gotHeaders := w.Header().Get("Access-Control-Allow-Headers")
			if tt.wantHeaders && gotHeaders != "Content-Type, Authorization, X-CSRF-Token" {
				t.Errorf("Allow-Headers = %q", gotHeaders)
			}
			if !tt.wantHeaders && gotHeaders != "" {
				t.Errorf("未許可のオリジンにAllow-Headersを返してはならない: %q", gotHeaders)
			}
		})
	}

	// Originなしの通常リクエストはそのまま通す
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("status = %d, Allow-Origin = %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
	}

	noCORS := NewCORSMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.escola.com.br")
	w = httptest.NewRecorder()
	noCORS.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("empty origin should disable CORS headers")
	}
}

func TestWriteErrorResponse_IncludesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	reason := "Documentação incompleta"
	WriteErrorResponse(w, http.StatusForbidden, model.NewAccountRejectedError(&reason))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != model.ErrCodeAccountRejected {
		t.Errorf("code = %q", body.Code)
	}
	if body.Details["rejection_reason"] != reason {
		t.Errorf("details = %v", body.Details)
	}

	w = httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusForbidden, model.NewAccountRejectedError(nil))
	var raw map[string]any
	json.NewDecoder(w.Body).Decode(&raw)
	if _, ok := raw["details"]; ok {
		t.Error("details should be omitted when there is no reason")
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := NewSecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for name, value := range want {
		if got := w.Header().Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}
