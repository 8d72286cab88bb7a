package client

import (
	"context"
	"net/http"

	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
)

// ProfileResolver はサインイン中のユーザーのプロフィールを取得する。
type ProfileResolver struct {
	api   *Client
	retry profile.RetryConfig
}

// NewProfileResolver はProfileResolverを生成する。
func NewProfileResolver(api *Client, retry profile.RetryConfig) *ProfileResolver {
	return &ProfileResolver{api: api, retry: retry}
}

// Fetch はプロフィールを1回取得する。まだ作成されていない場合はnil, nilを返す。
func (r *ProfileResolver) Fetch(ctx context.Context, token string) (*model.Profile, error) {
	var p model.Profile
	if err := r.api.do(ctx, http.MethodGet, "/api/profile", token, nil, &p); err != nil {
		if IsCode(err, model.ErrCodeProfileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Resolve はプロフィールが見つかるまで再試行する。
// 見つからない場合はprofile.ErrProfileNotReadyを返す。
func (r *ProfileResolver) Resolve(ctx context.Context, token string) (*model.Profile, error) {
	return profile.FetchWithRetry(ctx, r.retry, func(ctx context.Context) (*model.Profile, error) {
		return r.Fetch(ctx, token)
	})
}
