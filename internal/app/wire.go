package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/academico/internal/admin"
	"github.com/hitoshi/academico/internal/auth"
	"github.com/hitoshi/academico/internal/config"
	"github.com/hitoshi/academico/internal/metrics"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
	"github.com/hitoshi/academico/internal/ratelimit"
	"github.com/hitoshi/academico/internal/repository"
	"github.com/hitoshi/academico/internal/security"
)

// redisEntryTTL はRedis上のレート制限エントリの保持期間。最長のブロック時間より長くする。
const redisEntryTTL = time.Hour

// redisConnectTimeout は起動時のRedis疎通確認の待ち時間。
const redisConnectTimeout = 3 * time.Second

// services はserveとbootstrapで共有するドメインサービス群。
type services struct {
	sessions repository.SessionRepository
	limiter  *ratelimit.Limiter
	auth     *auth.Service
	resolver *profile.Resolver
	profile  *profile.Service
	admin    *admin.Workflow
	closers  []func() error
}

// Close は外部接続（Redis等）を閉じる。
func (s *services) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
}

// newRateLimitStore はレート制限の共有ストアを選択する。
// Redisに接続できない場合は起動を止めず、縮退としてログに残してfallbackを使う。
// URLの形式が不正な場合は設定ミスとしてエラーを返す。
func newRateLimitStore(ctx context.Context, redisURL string, fallback ratelimit.Store, logger *slog.Logger) (ratelimit.Store, func() error, error) {
	if redisURL == "" {
		logger.Info("rate limit store: postgres")
		return fallback, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	client, err := ratelimit.NewRedisClient(ctx, redisURL)
	if errors.Is(err, ratelimit.ErrRedisUnavailable) {
		logger.Warn("rate limit store: redis unreachable, falling back to postgres",
			slog.Bool("degraded", true),
			slog.String("error", err.Error()),
		)
		return fallback, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure rate limit store: %w", err)
	}
	logger.Info("rate limit store: redis")
	return ratelimit.NewRedisStore(client, redisEntryTTL), client.Close, nil
}

// buildServices はリポジトリ・レート制限・ドメインサービスを構築する。
func buildServices(ctx context.Context, cfg *config.Config, db *sql.DB, m metrics.MetricsCollector, logger *slog.Logger) (*services, error) {
	// 1. リポジトリの初期化
	identRepo := repository.NewPostgresIdentityRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	resetRepo := repository.NewPostgresPasswordResetRepo(db)
	attemptRepo := repository.NewPostgresLoginAttemptRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	svc := &services{sessions: sessionRepo}

	// 2. レート制限の共有ストア（REDIS_URLがあればRedis、なければPostgreSQL）
	store, closer, err := newRateLimitStore(ctx, cfg.RedisURL, repository.NewPostgresRateLimitRepo(db), logger)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		svc.closers = append(svc.closers, closer)
	}
	svc.limiter = ratelimit.NewLimiter(store, logger,
		ratelimit.WithDegradedHook(func(kind ratelimit.Kind) {
			m.RecordRateLimitDegraded(string(kind))
		}),
	)

	// 3. セキュリティサービスの初期化
	sanitizer := security.NewTextSanitizer()
	urlGuard := security.NewURLGuard(cfg.AvatarCheckTimeout)

	// 4. 認証サービスの初期化
	tokens, err := auth.NewTokenIssuer(cfg.SessionSecret, "academico")
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	var oauthProvider auth.OAuthProvider
	if cfg.GoogleOAuthEnabled() {
		oauthProvider = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,

			HostedDomains: cfg.GoogleHostedDomains,
		})
	}
	svc.auth = auth.NewService(auth.Deps{
		Identities: identRepo,
		Sessions:   sessionRepo,
		Resets:     resetRepo,
		Attempts:   attemptRepo,
		Limiter:    svc.limiter,
		Tokens:     tokens,
		OAuth:      oauthProvider,
		Mailer:     auth.LogMailer{Logger: logger},
		Sanitizer:  sanitizer,
		Metrics:    m,
		Logger:     logger,
	}, auth.ServiceConfig{
		SessionTTL:    cfg.SessionTTL,
		ResetTokenTTL: cfg.ResetTokenTTL,
		BcryptCost:    cfg.BcryptCost,
		BaseURL:       cfg.BaseURL,
	})
	svc.auth.Subscribe(func(kind auth.EventKind, session *model.Session) {
		logger.Debug("session event",
			slog.String("kind", string(kind)),
			slog.String("user_id", session.UserID),
		)
	})

	// 5. プロフィール・管理サービスの初期化
	svc.resolver = profile.NewResolver(profileRepo, profile.RetryConfig{
		Initial:     cfg.ProfileRetryInitial,
		Max:         cfg.ProfileRetryMax,
		MaxAttempts: cfg.ProfileRetryAttempts,
	})
	svc.profile = profile.NewService(profileRepo, sanitizer, urlGuard)
	svc.admin = admin.NewWorkflow(admin.Deps{
		Identities: identRepo,
		Profiles:   profileRepo,
		Sessions:   sessionRepo,
		Audit:      auditRepo,
		Sanitizer:  sanitizer,
		Metrics:    m,
		Logger:     logger,
		BcryptCost: cfg.BcryptCost,
	})

	return svc, nil
}
