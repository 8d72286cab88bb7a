package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/metrics"
	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/ratelimit"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionResolver   middleware.SessionResolver
	ProfileFetcher    ProfileResolver
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	APILimiter        *middleware.RateLimiter // 認証済みAPIのトークンバケット
	RequestLimiter    *ratelimit.Limiter      // 資格情報を扱う/auth/*のgeneralルール。nilの場合は制限しない
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer // nilの場合は/metricsを公開しない
	Logger            *slog.Logger
	GuardOptions      guard.Options

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// プロフィール
	ProfileService ProfileServiceInterface

	// 管理者
	AdminService AdminServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Instrument → RealIP → CORS → SecurityHeaders → Recovery → Logging
//	  /auth/*: OptionalSession → CSRF
//	    signup, login, password/*: RequestLimiter(general, IP単位)
//	  /api/*:  Session → APILimiter → CSRF → Guard（承認済み/管理者）
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var m metrics.MetricsCollector = metrics.Nop{}
	if deps.Metrics != nil {
		m = deps.Metrics
	}

	r := chi.NewRouter()

	// メトリクスは最上位に適用（全レスポンスのステータスを記録する）
	r.Use(metrics.InstrumentHandler(m))
	r.Use(chimw.RealIP)
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	accessHandler := NewAccessHandler(deps.ProfileFetcher, deps.GuardOptions)
	profileHandler := NewProfileHandler(deps.ProfileFetcher, deps.ProfileService)
	adminHandler := NewAdminHandler(deps.AdminService)

	csrf := middleware.NewCSRFMiddleware(deps.CSRF)

	// --- 認証不要のルート ---
	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	// 認証ルート（セッションは任意）
	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionResolver))
		r.Use(csrf)

		// IP単位の制限は資格情報を扱うルートだけに適用する
		r.Group(func(r chi.Router) {
			if deps.RequestLimiter != nil {
				r.Use(deps.RequestLimiter.Middleware(ratelimit.KindGeneral, middleware.ClientIP, m.RecordRateLimitDecision))
			}
			r.Post("/signup", authHandler.SignUp)
			r.Post("/login", authHandler.Login)
			r.Post("/password/forgot", authHandler.ForgotPassword)
			r.Post("/password/reset", authHandler.ResetPassword)
		})

		r.Post("/logout", authHandler.Logout)
		r.Post("/refresh", authHandler.Refresh)
		r.Get("/session", authHandler.Session)
		r.Get("/me", accessHandler.Me)
		r.Get("/guard", accessHandler.Guard)

		// OAuthフロー（未設定の場合は404）
		r.Get("/google/login", authHandler.GoogleLogin)
		r.Get("/google/callback", authHandler.GoogleCallback)
	})

	// --- 認証が必要なルート ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
		if deps.APILimiter != nil {
			r.Use(deps.APILimiter.Middleware())
		}
		r.Use(csrf)

		// 自分のプロフィール（取得は承認待ちでも可、更新は承認済みのみ）
		r.Get("/profile", profileHandler.Get)
		r.With(guard.Middleware(deps.ProfileFetcher, guard.Requirement{})).Patch("/profile", profileHandler.Update)

		// 管理者（権限はサービス側でも再検証する）
		r.Route("/admin/users", func(r chi.Router) {
			r.Use(guard.Middleware(deps.ProfileFetcher, guard.Requirement{RequireAdmin: true}))

			r.Get("/pending", adminHandler.ListPending)
			r.Post("/", adminHandler.CreateUser)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", adminHandler.UpdateUser)
				r.Post("/approve", adminHandler.Approve)
				r.Post("/reject", adminHandler.Reject)
				r.Post("/promote", adminHandler.Promote)
				r.Get("/audit", adminHandler.AuditTrail)
			})
		})
	})

	return r
}
