package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/academico/internal/admin"
	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/metrics"
	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
	"github.com/hitoshi/academico/internal/ratelimit"
)

// --- ルーター用モック ---

type mockSessionResolver struct {
	sessions map[string]*model.Session
}

func (m *mockSessionResolver) GetSession(ctx context.Context, token string) (*model.Session, error) {
	return m.sessions[token], nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// routerFixture はテスト用のルーターと共有状態を保持する。
type routerFixture struct {
	router   http.Handler
	profiles map[string]*model.Profile
	admin    *mockAdminService
	health   *mockHealthChecker
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	return newRouterFixtureWith(t, nil)
}

// newRouterFixtureWith はcustomizeで依存関係を変更してからルーターを構築する。
func newRouterFixtureWith(t *testing.T, customize func(*RouterDeps)) *routerFixture {
	t.Helper()

	profiles := map[string]*model.Profile{
		"admin": testProfile("admin", model.StatusApproved, model.RoleCoordenador, true),
		"ana":   testProfile("ana", model.StatusPending, model.RoleUser, false),
		"carla": testProfile("carla", model.StatusApproved, model.RoleUser, false),
		"davi":  testProfile("davi", model.StatusRejected, model.RoleUser, false),
	}
	sessions := map[string]*model.Session{}
	for id := range profiles {
		s := newTestSession(id)
		sessions[s.Token] = s
	}

	f := &routerFixture{
		profiles: profiles,
		admin:    &mockAdminService{},
		health:   &mockHealthChecker{},
	}
	reg := prometheus.NewRegistry()
	deps := &RouterDeps{
		HealthChecker:     f.health,
		SessionResolver:   &mockSessionResolver{sessions: sessions},
		ProfileFetcher:    &mockProfileFetcher{profiles: profiles},
		CORSAllowedOrigin: "http://localhost:3000",
		Metrics:           metrics.NewCollector(reg),
		MetricsGatherer:   reg,
		Logger:            slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
		GuardOptions:      guard.DefaultOptions(),
		AuthService:       &mockAuthService{},
		AuthConfig:        testAuthConfig,
		ProfileService: &mockProfileService{
			updateOwnFn: func(ctx context.Context, userID string, in profile.UpdateInput) (*model.Profile, error) {
				return profiles[userID], nil
			},
		},
		AdminService: f.admin,
	}
	if customize != nil {
		customize(deps)
	}
	f.router = NewRouter(deps)
	return f
}

func (f *routerFixture) do(method, path, userID string) *httptest.ResponseRecorder {
	req := jsonRequest(method, path, "{}")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer tok-"+userID)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// --- テスト ---

func TestRouter_Health(t *testing.T) {
	f := newRouterFixture(t)

	if w := f.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("healthy: status = %d, want %d", w.Code, http.StatusOK)
	}

	f.health.err = errors.New("connection refused")
	if w := f.do(http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_MetricsExposed(t *testing.T) {
	f := newRouterFixture(t)
	f.do(http.MethodGet, "/health", "")

	w := f.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("academico_http_status_total")) {
		t.Errorf("metrics body should contain academico_http_status_total")
	}
}

func TestRouter_ProfileAccess(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		userID     string
		wantStatus int
		wantCode   string
	}{
		{"get without session", http.MethodGet, "", http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"get as pending", http.MethodGet, "ana", http.StatusOK, ""},
		{"patch as pending", http.MethodPatch, "ana", http.StatusForbidden, model.ErrCodeAccountPending},
		{"patch as rejected", http.MethodPatch, "davi", http.StatusForbidden, model.ErrCodeAccountRejected},
		{"patch as approved", http.MethodPatch, "carla", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			w := f.do(tt.method, "/api/profile", tt.userID)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if code := decodeErrorCode(t, w); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
			}
		})
	}
}

func TestRouter_AdminRoutesRequireAdmin(t *testing.T) {
	f := newRouterFixture(t)
	called := false
	f.admin.approveFn = func(ctx context.Context, actor admin.Actor, targetID string) (*model.Profile, error) {
		called = true
		return f.profiles[targetID], nil
	}

	w := f.do(http.MethodPost, "/api/admin/users/ana/approve", "carla")
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeAdminRequired {
		t.Errorf("code = %q, want %q", code, model.ErrCodeAdminRequired)
	}
	if called {
		t.Fatal("service must not be reached by a non-admin")
	}

	w = f.do(http.MethodPost, "/api/admin/users/ana/approve", "admin")
	if w.Code != http.StatusOK {
		t.Fatalf("admin: status = %d, want %d", w.Code, http.StatusOK)
	}
	if !called {
		t.Error("service should be called for admin")
	}
}

func TestRouter_AdminCreateWithoutTrailingSlash(t *testing.T) {
	f := newRouterFixture(t)
	called := false
	f.admin.createUserFn = func(ctx context.Context, actor admin.Actor, in admin.CreateUserInput) (*model.Profile, error) {
		called = true
		return f.profiles["carla"], nil
	}

	w := f.do(http.MethodPost, "/api/admin/users", "admin")
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if !called {
		t.Error("CreateUser should be called")
	}
}

func TestRouter_CookieSessionRequiresCSRF(t *testing.T) {
	f := newRouterFixture(t)

	req := jsonRequest(http.MethodPatch, "/api/profile", "{}")
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "tok-carla"})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("without csrf: status = %d, want %d", w.Code, http.StatusForbidden)
	}

	req = jsonRequest(http.MethodPatch, "/api/profile", "{}")
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "tok-carla"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "abc"})
	req.Header.Set("X-CSRF-Token", "abc")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with csrf: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_AuthMe_UsesOptionalSession(t *testing.T) {
	f := newRouterFixture(t)

	if w := f.do(http.MethodGet, "/auth/me", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if w := f.do(http.MethodGet, "/auth/me", "ana"); w.Code != http.StatusOK {
		t.Errorf("pending: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_SecurityHeadersApplied(t *testing.T) {
	f := newRouterFixture(t)
	w := f.do(http.MethodGet, "/health", "")

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", w.Header().Get("X-Content-Type-Options"))
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	f := newRouterFixture(t)
	w := f.do(http.MethodGet, "/auth/unknown", "")

	// 存在しないルートには404か405が返ること
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", w.Code)
	}
}

func TestRouter_GeneralLimitOnlyOnCredentialRoutes(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
		ratelimit.WithRules(map[ratelimit.Kind]ratelimit.Rule{
			ratelimit.KindGeneral: {MaxAttempts: 2, Window: time.Minute, Block: 5 * time.Minute},
		}),
	)
	f := newRouterFixtureWith(t, func(deps *RouterDeps) {
		deps.RequestLimiter = limiter
		deps.AuthService = &mockAuthService{
			signInFn: func(ctx context.Context, identifier, password, ip string) (*model.Session, error) {
				return nil, model.NewInvalidCredentialsError()
			},
		}
	})

	// 同じIPからの画面遷移はいくら繰り返してもログインの枠を消費しない
	for i := 0; i < 10; i++ {
		for _, path := range []string{"/auth/session", "/auth/me", "/auth/guard?path=/painel"} {
			if w := f.do(http.MethodGet, path, "carla"); w.Code == http.StatusTooManyRequests {
				t.Fatalf("GET %s #%d: got 429", path, i+1)
			}
		}
	}

	for i := 0; i < 2; i++ {
		if w := f.do(http.MethodPost, "/auth/login", ""); w.Code == http.StatusTooManyRequests {
			t.Fatalf("login #%d: got 429 before the budget was used", i+1)
		}
	}
	if w := f.do(http.MethodPost, "/auth/login", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("login #3: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	// ブロック中でもセッションの確認は続けられる
	if w := f.do(http.MethodGet, "/auth/me", "carla"); w.Code != http.StatusOK {
		t.Errorf("GET /auth/me while login is blocked: status = %d, want %d", w.Code, http.StatusOK)
	}
}
