package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/academico/internal/admin"
	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
)

// AdminServiceInterface は管理者ハンドラーが必要とするサービスインターフェース。
// admin.Workflowが実装する。
type AdminServiceInterface interface {
	ListPending(ctx context.Context, actor admin.Actor) ([]*model.Profile, error)
	Approve(ctx context.Context, actor admin.Actor, targetID string) (*model.Profile, error)
	Reject(ctx context.Context, actor admin.Actor, targetID, reason string) (*model.Profile, error)
	Promote(ctx context.Context, actor admin.Actor, targetID string) (*model.Profile, error)
	CreateUser(ctx context.Context, actor admin.Actor, in admin.CreateUserInput) (*model.Profile, error)
	UpdateUser(ctx context.Context, actor admin.Actor, targetID string, in admin.UpdateUserInput) (*model.Profile, error)
	AuditTrail(ctx context.Context, actor admin.Actor, targetID string) ([]*model.AuditLog, error)
}

// AdminHandler はユーザー承認と管理のHTTPハンドラー。
// 権限チェックはサービス側で行う。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// ListPending は承認待ちのユーザーを古い順に返す。
// GET /api/admin/users/pending
func (h *AdminHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	profiles, err := h.service.ListPending(r.Context(), actor)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if profiles == nil {
		profiles = []*model.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// CreateUser は承認済みのユーザーを作成する。
// POST /api/admin/users
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req admin.CreateUserInput
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.CreateUser(r.Context(), actor, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdateUser はユーザーのプロフィール・ロール・パスワードを更新する。
// PATCH /api/admin/users/{id}
func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req admin.UpdateUserInput
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.UpdateUser(r.Context(), actor, chi.URLParam(r, "id"), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Approve は承認待ちのユーザーを承認する。
// POST /api/admin/users/{id}/approve
func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	p, err := h.service.Approve(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Reject は承認待ちのユーザーを却下する。理由は任意。
// POST /api/admin/users/{id}/reject
func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req rejectRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	p, err := h.service.Reject(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Promote は承認済みのユーザーを管理者にする。
// POST /api/admin/users/{id}/promote
func (h *AdminHandler) Promote(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	p, err := h.service.Promote(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AuditTrail は対象ユーザーの監査ログを新しい順に返す。
// GET /api/admin/users/{id}/audit
func (h *AdminHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	logs, err := h.service.AuditTrail(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if logs == nil {
		logs = []*model.AuditLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// actorFromRequest はセッションとクライアントIPから操作者を組み立てる。
func actorFromRequest(w http.ResponseWriter, r *http.Request) (admin.Actor, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return admin.Actor{}, false
	}
	return admin.Actor{UserID: userID, IP: middleware.ClientIP(r)}, true
}
