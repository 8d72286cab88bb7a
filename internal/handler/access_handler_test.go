package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/academico/internal/approval"
	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
)

// --- モック定義 ---

type mockProfileFetcher struct {
	profiles map[string]*model.Profile
	err      error

	// missingFetches は最初のN回の取得でプロフィールが未作成であるように振る舞う
	missingFetches int
	fetches        int
}

var _ ProfileResolver = (*mockProfileFetcher)(nil)

func (m *mockProfileFetcher) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	m.fetches++
	if m.err != nil {
		return nil, m.err
	}
	if m.fetches <= m.missingFetches {
		return nil, nil
	}
	return m.profiles[userID], nil
}

func (m *mockProfileFetcher) FetchWithRetry(ctx context.Context, userID string) (*model.Profile, error) {
	cfg := profile.RetryConfig{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	return profile.FetchWithRetry(ctx, cfg, func(ctx context.Context) (*model.Profile, error) {
		return m.FetchProfile(ctx, userID)
	})
}

func testProfile(userID string, status model.ProfileStatus, role model.Role, isAdmin bool) *model.Profile {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return &model.Profile{
		ID:        "p-" + userID,
		UserID:    userID,
		Email:     userID + "@escola.br",
		Username:  userID,
		FullName:  "Usuário " + userID,
		IsAdmin:   isAdmin,
		Role:      role,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func withSession(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithSession(req.Context(), newTestSession(userID)))
}

// --- テスト ---

func TestAccessHandler_Me_Unauthenticated(t *testing.T) {
	h := NewAccessHandler(&mockProfileFetcher{}, guard.DefaultOptions())

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAccessHandler_Me_ReportsLevelAndRole(t *testing.T) {
	tests := []struct {
		name      string
		profile   *model.Profile
		wantLevel approval.AccessLevel
		wantRole  string
	}{
		{"pending", testProfile("u1", model.StatusPending, model.RoleUser, false), approval.LevelPending, "pending"},
		{"instrutor", testProfile("u1", model.StatusApproved, model.RoleInstrutor, false), approval.LevelInstrutor, "instrutor"},
		{"admin flag wins over role", testProfile("u1", model.StatusApproved, model.RoleUser, true), approval.LevelAdmin, "admin"},
		{"profile missing is pending", nil, approval.LevelPending, "pending"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &mockProfileFetcher{profiles: map[string]*model.Profile{}}
			if tt.profile != nil {
				fetcher.profiles["u1"] = tt.profile
			}
			h := NewAccessHandler(fetcher, guard.DefaultOptions())

			w := httptest.NewRecorder()
			h.Me(w, withSession(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "u1"))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var body meResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.AccessLevel != tt.wantLevel {
				t.Errorf("access_level = %q, want %q", body.AccessLevel, tt.wantLevel)
			}
			if body.Role == nil || body.Role.Key != tt.wantRole {
				t.Errorf("role = %+v, want key %q", body.Role, tt.wantRole)
			}
			if body.Session.UserID != "u1" {
				t.Errorf("session.user_id = %q", body.Session.UserID)
			}
		})
	}
}

func TestAccessHandler_Me_WaitsForProfileCreation(t *testing.T) {
	fetcher := &mockProfileFetcher{
		profiles:       map[string]*model.Profile{"u1": testProfile("u1", model.StatusApproved, model.RoleInstrutor, false)},
		missingFetches: 2,
	}
	h := NewAccessHandler(fetcher, guard.DefaultOptions())

	w := httptest.NewRecorder()
	h.Me(w, withSession(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "u1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body meResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Profile == nil || body.AccessLevel != approval.LevelInstrutor {
		t.Errorf("profile = %+v, access_level = %q, want instrutor", body.Profile, body.AccessLevel)
	}
	if fetcher.fetches != 3 {
		t.Errorf("fetches = %d, want 3", fetcher.fetches)
	}
}

func TestAccessHandler_Guard_DoesNotRetry(t *testing.T) {
	fetcher := &mockProfileFetcher{
		profiles:       map[string]*model.Profile{"u1": testProfile("u1", model.StatusApproved, model.RoleUser, false)},
		missingFetches: 1,
	}
	h := NewAccessHandler(fetcher, guard.DefaultOptions())

	w := httptest.NewRecorder()
	h.Guard(w, withSession(httptest.NewRequest(http.MethodGet, "/auth/guard?path=/painel", nil), "u1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if fetcher.fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetcher.fetches)
	}
}

func TestAccessHandler_Me_FetchError(t *testing.T) {
	h := NewAccessHandler(&mockProfileFetcher{err: errors.New("db down")}, guard.DefaultOptions())

	w := httptest.NewRecorder()
	h.Me(w, withSession(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "u1"))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAccessHandler_Guard(t *testing.T) {
	profiles := map[string]*model.Profile{
		"pending":  testProfile("pending", model.StatusPending, model.RoleUser, false),
		"approved": testProfile("approved", model.StatusApproved, model.RoleUser, false),
		"admin":    testProfile("admin", model.StatusApproved, model.RoleCoordenador, true),
	}
	rejected := testProfile("rejected", model.StatusRejected, model.RoleUser, false)
	reason := "Cadastro duplicado"
	rejected.RejectionReason = &reason
	profiles["rejected"] = rejected

	tests := []struct {
		name             string
		userID           string
		query            string
		wantKind         guard.Kind
		wantRedirect     string
		wantInterstitial guard.Interstitial
	}{
		{"unauthenticated redirects to login", "", "path=/alunos", guard.KindRedirect, "/login?redirect=%2Falunos", ""},
		{"public page with session", "approved", "path=/login&require_auth=false", guard.KindRedirect, "/dashboard", ""},
		{"public page without session", "", "path=/login&require_auth=false", guard.KindRender, "", ""},
		{"pending interstitial", "pending", "path=/alunos", guard.KindInterstitial, "", guard.InterstitialPending},
		{"rejected interstitial", "rejected", "path=/alunos", guard.KindInterstitial, "", guard.InterstitialRejected},
		{"restricted for non-admin", "approved", "path=/admin&require_admin=true", guard.KindInterstitial, "", guard.InterstitialRestricted},
		{"admin renders", "admin", "path=/admin&require_admin=true", guard.KindRender, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAccessHandler(&mockProfileFetcher{profiles: profiles}, guard.DefaultOptions())

			req := httptest.NewRequest(http.MethodGet, "/auth/guard?"+tt.query, nil)
			if tt.userID != "" {
				req = withSession(req, tt.userID)
			}
			w := httptest.NewRecorder()
			h.Guard(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var d guard.Decision
			if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if d.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", d.Kind, tt.wantKind)
			}
			if d.RedirectTo != tt.wantRedirect {
				t.Errorf("redirect_to = %q, want %q", d.RedirectTo, tt.wantRedirect)
			}
			if d.Interstitial != tt.wantInterstitial {
				t.Errorf("interstitial = %q, want %q", d.Interstitial, tt.wantInterstitial)
			}
			if tt.wantInterstitial == guard.InterstitialRejected && (d.RejectionReason == nil || *d.RejectionReason != reason) {
				t.Errorf("rejection_reason = %v, want %q", d.RejectionReason, reason)
			}
		})
	}
}

func TestAccessHandler_Guard_InvalidBool(t *testing.T) {
	h := NewAccessHandler(&mockProfileFetcher{}, guard.DefaultOptions())

	w := httptest.NewRecorder()
	h.Guard(w, httptest.NewRequest(http.MethodGet, "/auth/guard?path=/x&require_admin=talvez", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
