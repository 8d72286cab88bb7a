package guard

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
)

type contextKey string

var profileContextKey = contextKey("profile")

// ProfileFetcher はユーザーIDからプロフィールを取得するインターフェース。
// profile.Resolverが実装する。プロフィールが存在しない場合はnilを返す。
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (*model.Profile, error)
}

// Requirement は保護対象のルートが要求する条件。
type Requirement struct {
	RequireAdmin bool
}

// Middleware はセッションミドルウェアの後に配置し、承認状態と管理者権限を検証する。
// 判定がRender以外の場合はJSONエラー（401/403）を返す。
// 通過したリクエストのコンテキストには取得したプロフィールを注入する。
func Middleware(fetcher ProfileFetcher, req Requirement) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := middleware.SessionFromContext(r.Context())

			var profile *model.Profile
			if session != nil {
				p, err := fetcher.FetchProfile(r.Context(), session.UserID)
				if err != nil {
					slog.Error("failed to fetch profile for guard",
						slog.String("user_id", session.UserID),
						slog.String("error", err.Error()),
					)
					middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
					return
				}
				profile = p
			}

			d := Decide(Input{
				RequireAuth:   true,
				RequireAdmin:  req.RequireAdmin,
				Session:       session,
				Profile:       profile,
				RequestedPath: r.URL.Path,
			}, DefaultOptions())

			if status, apiErr := d.HTTPError(); apiErr != nil {
				middleware.WriteErrorResponse(w, status, apiErr)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithProfile(r.Context(), profile)))
		})
	}
}

// ContextWithProfile はコンテキストにプロフィールを注入する。
func ContextWithProfile(ctx context.Context, p *model.Profile) context.Context {
	return context.WithValue(ctx, profileContextKey, p)
}

// ProfileFromContext はガードを通過したリクエストのプロフィールを返す。
func ProfileFromContext(ctx context.Context) *model.Profile {
	p, _ := ctx.Value(profileContextKey).(*model.Profile)
	return p
}
