package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/academico/internal/admin"
	"github.com/hitoshi/academico/internal/auth"
	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

type fakeUser struct {
	password string
	profile  *model.Profile
}

// fakeAPI はテスト用のインメモリAPIサーバー。
type fakeAPI struct {
	mu           sync.Mutex
	users        map[string]*fakeUser // identifier -> user
	sessions     map[string]string    // token -> userID
	nextToken    int
	ttl          time.Duration
	missingFetch int // プロフィール取得で404を返す残り回数
	profileGate  chan struct{}
	logoutFails  bool
	refreshFails bool
	calls        map[string]int
	audit        []*model.AuditLog
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()

	f := &fakeAPI{
		users:    map[string]*fakeUser{},
		sessions: map[string]string{},
		ttl:      time.Hour,
		calls:    map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", f.login)
	mux.HandleFunc("POST /auth/signup", f.signup)
	mux.HandleFunc("POST /auth/logout", f.logout)
	mux.HandleFunc("POST /auth/refresh", f.refresh)
	mux.HandleFunc("GET /auth/session", f.session)
	mux.HandleFunc("GET /api/profile", f.profile)
	mux.HandleFunc("GET /api/admin/users/pending", f.adminOnly(f.listPending))
	mux.HandleFunc("POST /api/admin/users", f.adminOnly(f.createUser))
	mux.HandleFunc("POST /api/admin/users/{id}/approve", f.adminOnly(f.approve))
	mux.HandleFunc("POST /api/admin/users/{id}/reject", f.adminOnly(f.reject))
	mux.HandleFunc("POST /api/admin/users/{id}/promote", f.adminOnly(f.promote))
	mux.HandleFunc("GET /api/admin/users/{id}/audit", f.adminOnly(f.auditTrail))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.Method+" "+r.URL.Path]++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	return f, New(server.URL, server.Client(), newTestLogger(&buf))
}

// addUser はユーザーを登録する。identifierはユーザー名として扱う。
func (f *fakeAPI) addUser(username, password string, status model.ProfileStatus, isAdmin bool) *model.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := &model.Profile{
		ID:       "p-" + username,
		UserID:   "u-" + username,
		Email:    username + "@escola.com.br",
		Username: username,
		FullName: strings.ToUpper(username[:1]) + username[1:],
		Role:     model.RoleUser,
		Status:   status,
		IsAdmin:  isAdmin,
	}
	f.users[username] = &fakeUser{password: password, profile: p}
	return p
}

func (f *fakeAPI) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeAPI) issueLocked(userID string) model.Session {
	f.nextToken++
	token := fmt.Sprintf("tok-%d", f.nextToken)
	f.sessions[token] = userID
	now := time.Now()
	return model.Session{UserID: userID, Token: token, ExpiresAt: now.Add(f.ttl), RefreshedAt: now}
}

func (f *fakeAPI) userLocked(r *http.Request) *fakeUser {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	userID, ok := f.sessions[token]
	if !ok {
		return nil
	}
	for _, u := range f.users {
		if u.profile.UserID == userID {
			return u
		}
	}
	return nil
}

func (f *fakeAPI) findLocked(userID string) *fakeUser {
	for _, u := range f.users {
		if u.profile.UserID == userID {
			return u
		}
	}
	return nil
}

func writeFakeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (f *fakeAPI) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[req.Identifier]
	if !ok || u.password != req.Password {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
		return
	}
	writeFakeJSON(w, http.StatusOK, f.issueLocked(u.profile.UserID))
}

func (f *fakeAPI) signup(w http.ResponseWriter, r *http.Request) {
	var in auth.SignUpInput
	json.NewDecoder(r.Body).Decode(&in)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[in.Username]; ok {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewUsernameTakenError())
		return
	}
	p := &model.Profile{
		ID:       "p-" + in.Username,
		UserID:   "u-" + in.Username,
		Email:    in.Email,
		Username: in.Username,
		FullName: in.FullName,
		Role:     model.RoleUser,
		Status:   model.StatusPending,
	}
	f.users[in.Username] = &fakeUser{password: in.Password, profile: p}
	writeFakeJSON(w, http.StatusCreated, f.issueLocked(p.UserID))
}

func (f *fakeAPI) logout(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logoutFails {
		middleware.WriteInternalServerError(w)
		return
	}
	delete(f.sessions, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAPI) refresh(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.userLocked(r)
	if u == nil || f.refreshFails {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	delete(f.sessions, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	writeFakeJSON(w, http.StatusOK, f.issueLocked(u.profile.UserID))
}

func (f *fakeAPI) session(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.userLocked(r)
	if u == nil {
		writeFakeJSON(w, http.StatusOK, map[string]any{"session": nil})
		return
	}
	writeFakeJSON(w, http.StatusOK, map[string]any{"session": model.Session{
		UserID:    u.profile.UserID,
		ExpiresAt: time.Now().Add(f.ttl),
	}})
}

func (f *fakeAPI) profile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	gate := f.profileGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.userLocked(r)
	if u == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	if f.missingFetch > 0 {
		f.missingFetch--
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(u.profile.UserID))
		return
	}
	writeFakeJSON(w, http.StatusOK, u.profile)
}

func (f *fakeAPI) adminOnly(next func(http.ResponseWriter, *http.Request, *fakeUser)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		u := f.userLocked(r)
		if u == nil {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		if !u.profile.IsAdmin || u.profile.Status != model.StatusApproved {
			middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewAdminRequiredError())
			return
		}
		next(w, r, u)
	}
}

func (f *fakeAPI) listPending(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	pending := []*model.Profile{}
	for _, u := range f.users {
		if u.profile.Status == model.StatusPending {
			pending = append(pending, u.profile)
		}
	}
	writeFakeJSON(w, http.StatusOK, pending)
}

func (f *fakeAPI) createUser(w http.ResponseWriter, r *http.Request, actor *fakeUser) {
	var in admin.CreateUserInput
	json.NewDecoder(r.Body).Decode(&in)
	p := &model.Profile{
		ID:       "p-" + in.Username,
		UserID:   "u-" + in.Username,
		Email:    in.Email,
		Username: in.Username,
		FullName: in.FullName,
		Role:     model.Role(in.Role),
		Status:   model.StatusApproved,
	}
	f.users[in.Username] = &fakeUser{password: in.Password, profile: p}
	f.recordLocked(actor, p, model.AuditActionCreateUser)
	writeFakeJSON(w, http.StatusCreated, p)
}

func (f *fakeAPI) transition(w http.ResponseWriter, r *http.Request, actor *fakeUser, to model.ProfileStatus, action string, reason *string) {
	u := f.findLocked(r.PathValue("id"))
	if u == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(r.PathValue("id")))
		return
	}
	if u.profile.Status != model.StatusPending {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewInvalidTransitionError(u.profile.Status, to))
		return
	}
	u.profile.Status = to
	u.profile.RejectionReason = reason
	f.recordLocked(actor, u.profile, action)
	writeFakeJSON(w, http.StatusOK, u.profile)
}

func (f *fakeAPI) approve(w http.ResponseWriter, r *http.Request, actor *fakeUser) {
	f.transition(w, r, actor, model.StatusApproved, model.AuditActionApprove, nil)
}

func (f *fakeAPI) reject(w http.ResponseWriter, r *http.Request, actor *fakeUser) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		json.NewDecoder(r.Body).Decode(&req)
	}
	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}
	f.transition(w, r, actor, model.StatusRejected, model.AuditActionReject, reason)
}

func (f *fakeAPI) promote(w http.ResponseWriter, r *http.Request, actor *fakeUser) {
	u := f.findLocked(r.PathValue("id"))
	if u == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(r.PathValue("id")))
		return
	}
	if u == actor {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSelfPromotionError())
		return
	}
	u.profile.IsAdmin = true
	f.recordLocked(actor, u.profile, model.AuditActionPromote)
	writeFakeJSON(w, http.StatusOK, u.profile)
}

func (f *fakeAPI) auditTrail(w http.ResponseWriter, r *http.Request, _ *fakeUser) {
	logs := []*model.AuditLog{}
	for _, l := range f.audit {
		if l.TargetID == r.PathValue("id") {
			logs = append(logs, l)
		}
	}
	writeFakeJSON(w, http.StatusOK, logs)
}

func (f *fakeAPI) recordLocked(actor *fakeUser, target *model.Profile, action string) {
	f.audit = append(f.audit, &model.AuditLog{
		ID:        fmt.Sprintf("audit-%d", len(f.audit)+1),
		ActorID:   actor.profile.UserID,
		TargetID:  target.UserID,
		Action:    action,
		CreatedAt: time.Now(),
	})
}
