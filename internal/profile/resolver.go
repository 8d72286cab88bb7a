// Package profile はプロフィールの取得と本人による編集を提供する。
package profile

import (
	"context"
	"fmt"

	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/repository"
)

// Resolver はユーザーIDからプロフィールを取得する。
// guard.ProfileFetcherを実装する。
type Resolver struct {
	profiles repository.ProfileRepository
	retry    RetryConfig
}

// NewResolver はResolverを生成する。
func NewResolver(profiles repository.ProfileRepository, retry RetryConfig) *Resolver {
	return &Resolver{profiles: profiles, retry: retry}
}

// FetchProfile はプロフィールを1回だけ取得する。行が存在しない場合はnil, nilを返す。
func (r *Resolver) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := r.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return p, nil
}

// FetchWithRetry はプロフィールが作成されるまで再試行して取得する。
func (r *Resolver) FetchWithRetry(ctx context.Context, userID string) (*model.Profile, error) {
	return FetchWithRetry(ctx, r.retry, func(ctx context.Context) (*model.Profile, error) {
		return r.FetchProfile(ctx, userID)
	})
}
