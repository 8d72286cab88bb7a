// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/academico/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookieの名前。
const SessionCookieName = "session_token"

// AuthMethod はセッショントークンの受け渡し方法。
type AuthMethod string

const (
	AuthMethodCookie AuthMethod = "cookie"
	AuthMethodBearer AuthMethod = "bearer"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey     = contextKey("user_id")
	sessionContextKey    = contextKey("session")
	authMethodContextKey = contextKey("auth_method")
)

// SessionResolver はセッショントークンの検証に必要なインターフェース。
// auth.Serviceが実装する。無効・期限切れ・失効済みのトークンにはnilを返す。
type SessionResolver interface {
	GetSession(ctx context.Context, token string) (*model.Session, error)
}

// TokenFromRequest はリクエストからセッショントークンを取り出す。
// Authorization: Bearer ヘッダーをCookieより優先する。
func TokenFromRequest(r *http.Request) (string, AuthMethod) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), AuthMethodBearer
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, AuthMethodCookie
	}
	return "", ""
}

// NewSessionMiddleware はCookieまたはBearerトークンからセッションを読み取り、
// 有効性を検証するミドルウェアを返す。
// 認証済みユーザーIDとセッションをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return newSessionMiddleware(resolver, true)
}

// NewOptionalSessionMiddleware はセッションがあればコンテキストに注入し、
// なければそのまま次のハンドラーに渡すミドルウェアを返す。
func NewOptionalSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return newSessionMiddleware(resolver, false)
}

func newSessionMiddleware(resolver SessionResolver, required bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func() {
				if required {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				next.ServeHTTP(w, r)
			}

			token, method := TokenFromRequest(r)
			if token == "" {
				reject()
				return
			}

			session, err := resolver.GetSession(r.Context(), token)
			if err != nil {
				// 検証エラーは未認証として扱う
				slog.Error("failed to resolve session",
					slog.String("error", err.Error()),
				)
				reject()
				return
			}
			if session == nil {
				reject()
				return
			}

			if sr, ok := w.(sessionRecorder); ok {
				sr.recordSession(session, method)
			}
			ctx := ContextWithSession(r.Context(), session)
			ctx = context.WithValue(ctx, authMethodContextKey, method)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。未認証の場合はnil。
func SessionFromContext(ctx context.Context) *model.Session {
	session, _ := ctx.Value(sessionContextKey).(*model.Session)
	return session
}

// AuthMethodFromContext はセッショントークンの受け渡し方法を返す。未認証の場合は空文字。
func AuthMethodFromContext(ctx context.Context) AuthMethod {
	method, _ := ctx.Value(authMethodContextKey).(AuthMethod)
	return method
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithSession はコンテキストにセッションとそのユーザーIDを注入する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, sessionContextKey, session)
	return ContextWithUserID(ctx, session.UserID)
}
