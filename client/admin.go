package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hitoshi/academico/internal/admin"
	"github.com/hitoshi/academico/internal/model"
)

// TokenSource は認証に使うセッショントークンを提供する。SessionStoreが実装する。
type TokenSource interface {
	Token() string
}

var _ TokenSource = (*SessionStore)(nil)

// AdminClient は管理者向けのユーザー管理操作を呼び出す。
type AdminClient struct {
	api    *Client
	tokens TokenSource
}

// NewAdminClient はAdminClientを生成する。
func NewAdminClient(api *Client, tokens TokenSource) *AdminClient {
	return &AdminClient{api: api, tokens: tokens}
}

// ListPending は承認待ちのユーザーを古い順に返す。
func (c *AdminClient) ListPending(ctx context.Context) ([]*model.Profile, error) {
	var profiles []*model.Profile
	if err := c.call(ctx, http.MethodGet, "/api/admin/users/pending", nil, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// Approve はユーザーを承認する。
func (c *AdminClient) Approve(ctx context.Context, userID string) (*model.Profile, error) {
	return c.profileCall(ctx, http.MethodPost, userPath(userID, "/approve"), nil)
}

// Reject はユーザーを却下する。reasonは空でもよい。
func (c *AdminClient) Reject(ctx context.Context, userID, reason string) (*model.Profile, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.profileCall(ctx, http.MethodPost, userPath(userID, "/reject"), body)
}

// Promote はユーザーを管理者に昇格する。
func (c *AdminClient) Promote(ctx context.Context, userID string) (*model.Profile, error) {
	return c.profileCall(ctx, http.MethodPost, userPath(userID, "/promote"), nil)
}

// CreateUser は承認済みのユーザーを作成する。
func (c *AdminClient) CreateUser(ctx context.Context, in admin.CreateUserInput) (*model.Profile, error) {
	return c.profileCall(ctx, http.MethodPost, "/api/admin/users", in)
}

// UpdateUser はユーザー情報を更新する。
func (c *AdminClient) UpdateUser(ctx context.Context, userID string, in admin.UpdateUserInput) (*model.Profile, error) {
	return c.profileCall(ctx, http.MethodPatch, userPath(userID, ""), in)
}

// AuditTrail はユーザーに対する管理操作の履歴を返す。
func (c *AdminClient) AuditTrail(ctx context.Context, userID string) ([]*model.AuditLog, error) {
	var logs []*model.AuditLog
	if err := c.call(ctx, http.MethodGet, userPath(userID, "/audit"), nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *AdminClient) profileCall(ctx context.Context, method, path string, body any) (*model.Profile, error) {
	var p model.Profile
	if err := c.call(ctx, method, path, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *AdminClient) call(ctx context.Context, method, path string, body, out any) error {
	token := c.tokens.Token()
	if token == "" {
		return model.NewUnauthorizedError()
	}
	return c.api.do(ctx, method, path, token, body, out)
}

func userPath(userID, suffix string) string {
	return "/api/admin/users/" + url.PathEscape(userID) + suffix
}
