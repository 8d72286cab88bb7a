package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	UpdateOwn(ctx context.Context, userID string, in profile.UpdateInput) (*model.Profile, error)
}

// ProfileHandler は自分のプロフィールを扱うHTTPハンドラー。
type ProfileHandler struct {
	profiles guard.ProfileFetcher
	service  ProfileServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(profiles guard.ProfileFetcher, service ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{
		profiles: profiles,
		service:  service,
	}
}

// Get は自分のプロフィールを返す。承認待ちでも取得できる。
// プロフィールが未作成の場合は404を返す（クライアントはリトライする）。
// GET /api/profile
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	p, err := h.profiles.FetchProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if p == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(userID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Update は自分のプロフィールを更新する。
// PATCH /api/profile
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req profile.UpdateInput
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.UpdateOwn(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
