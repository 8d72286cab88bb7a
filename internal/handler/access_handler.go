package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/academico/internal/approval"
	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
)

// ProfileResolver はプロフィールの単発取得と、作成を待つ再試行付き取得を提供する。
// profile.Resolverが実装する。
type ProfileResolver interface {
	guard.ProfileFetcher
	FetchWithRetry(ctx context.Context, userID string) (*model.Profile, error)
}

// AccessHandler は認証状態とルートガード判定を返すHTTPハンドラー。
type AccessHandler struct {
	profiles ProfileResolver
	options  guard.Options
}

// NewAccessHandler はAccessHandlerを生成する。
func NewAccessHandler(profiles ProfileResolver, options guard.Options) *AccessHandler {
	return &AccessHandler{
		profiles: profiles,
		options:  options,
	}
}

// meResponse は現在のユーザーの認証状態。
type meResponse struct {
	Session     sessionResponse      `json:"session"`
	Profile     *model.Profile       `json:"profile"`
	AccessLevel approval.AccessLevel `json:"access_level"`
	Role        *approval.RoleInfo   `json:"role"`
}

// Me はセッション・プロフィール・アクセスレベル・ロール表示情報をまとめて返す。
// サインアップやOAuthログインの直後に呼ばれるため、プロフィールが見つかるまで設定回数だけ再試行する。
// 再試行しても見つからない場合は承認待ちとして扱う。
// GET /auth/me
func (h *AccessHandler) Me(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if session == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	p, err := h.profiles.FetchWithRetry(r.Context(), session.UserID)
	if errors.Is(err, profile.ErrProfileNotReady) {
		p, err = nil, nil
	}
	if err != nil {
		h.writeFetchError(w, session, err)
		return
	}

	level := approval.Classify(true, p)
	resp := meResponse{
		Session:     toSessionResponse(session),
		Profile:     p,
		AccessLevel: level,
	}
	if info, ok := approval.RoleInfoFor(level); ok {
		resp.Role = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// Guard は指定パスに対するルートガードの判定結果を返す。
// require_authを省略した場合は認証必須として扱う。
// GET /auth/guard?path=/dashboard&require_auth=true&require_admin=false
func (h *AccessHandler) Guard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requireAuth, err := parseBoolParam(q.Get("require_auth"), true)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
			"require_auth": "valor booleano inválido",
		}))
		return
	}
	requireAdmin, err := parseBoolParam(q.Get("require_admin"), false)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
			"require_admin": "valor booleano inválido",
		}))
		return
	}

	session := middleware.SessionFromContext(r.Context())
	var current *model.Profile
	if session != nil {
		p, ok := h.fetchProfile(w, r, session)
		if !ok {
			return
		}
		current = p
	}

	d := guard.Decide(guard.Input{
		RequireAuth:   requireAuth,
		RequireAdmin:  requireAdmin,
		Session:       session,
		Profile:       current,
		RequestedPath: q.Get("path"),
	}, h.options)
	writeJSON(w, http.StatusOK, d)
}

func (h *AccessHandler) fetchProfile(w http.ResponseWriter, r *http.Request, session *model.Session) (*model.Profile, bool) {
	p, err := h.profiles.FetchProfile(r.Context(), session.UserID)
	if err != nil {
		h.writeFetchError(w, session, err)
		return nil, false
	}
	return p, true
}

func (h *AccessHandler) writeFetchError(w http.ResponseWriter, session *model.Session, err error) {
	slog.Error("failed to fetch profile",
		slog.String("user_id", session.UserID),
		slog.String("error", err.Error()),
	)
	writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
}

func parseBoolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}
