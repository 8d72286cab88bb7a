package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCSRFTestHandler(called *bool) http.Handler {
	return NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethods_PassThroughAndSetCookie(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(method, "/api/profile", nil)
			w := httptest.NewRecorder()
			newCSRFTestHandler(&called).ServeHTTP(w, req)

			if !called {
				t.Fatal("handler should have been called")
			}
			found := false
			for _, c := range w.Result().Cookies() {
				if c.Name == csrfCookieName && c.Value != "" && !c.HttpOnly {
					found = true
				}
			}
			if !found {
				t.Error("expected readable csrf_token cookie")
			}
		})
	}
}

func TestCSRFMiddleware_StateChanging_Validation(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantCalled bool
	}{
		{"no cookie", "", "abc", false},
		{"no header", "abc", "", false},
		{"mismatch", "abc", "def", false},
		{"match", "abc", "abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
			req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "tok"})
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			newCSRFTestHandler(&called).ServeHTTP(w, req)

			if called != tt.wantCalled {
				t.Fatalf("called = %v, want %v", called, tt.wantCalled)
			}
			if !tt.wantCalled && w.Code != http.StatusForbidden {
				t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
			}
		})
	}
}

func TestCSRFMiddleware_BearerRequest_SkipsValidation(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodPost, "/api/admin/users/u-1/approve", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()
	newCSRFTestHandler(&called).ServeHTTP(w, req)

	if !called {
		t.Error("bearer-authenticated request should skip CSRF validation")
	}
}

func TestCSRFMiddleware_NoCredentials_SkipsValidation(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodPost, "/auth/signup", nil)
	w := httptest.NewRecorder()
	newCSRFTestHandler(&called).ServeHTTP(w, req)

	if !called {
		t.Error("request without session cookie should skip CSRF validation")
	}
}

func TestCSRFMiddleware_CookieSessionStillValidated(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodPatch, "/api/profile", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "tok"})
	w := httptest.NewRecorder()
	newCSRFTestHandler(&called).ServeHTTP(w, req)

	if called {
		t.Error("cookie-authenticated request without CSRF token must be rejected")
	}
}

func TestCSRFTokenHandler_ReturnsExistingOrNewToken(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["token"] != "existing" {
		t.Errorf("token = %q, want existing", body["token"])
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	body = nil
	json.NewDecoder(w.Body).Decode(&body)
	if len(body["token"]) != 64 {
		t.Errorf("new token length = %d, want 64", len(body["token"]))
	}
}
