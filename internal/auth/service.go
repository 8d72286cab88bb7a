// Package auth はサインアップ・サインイン・セッション管理・パスワード再設定・OAuth認証を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/academico/internal/metrics"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/ratelimit"
	"github.com/hitoshi/academico/internal/repository"
	"github.com/hitoshi/academico/internal/security"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// LoginLimiter はサインイン試行のレート制限に必要なインターフェース。
// ratelimit.Limiterが実装する。
type LoginLimiter interface {
	Check(ctx context.Context, identifier string, kind ratelimit.Kind) (ratelimit.Result, error)
	Reset(ctx context.Context, identifier string, kind ratelimit.Kind) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionTTL    time.Duration // セッション有効期間
	ResetTokenTTL time.Duration // パスワード再設定トークンの有効期間
	BcryptCost    int           // 0の場合はbcrypt.DefaultCost
	BaseURL       string        // 再設定リンクの生成に使用する
}

// Deps は認証サービスの依存関係。OAuth、Mailer、Metrics、Loggerは省略できる。
type Deps struct {
	Identities repository.IdentityRepository
	Sessions   repository.SessionRepository
	Resets     repository.PasswordResetRepository
	Attempts   repository.LoginAttemptRepository
	Limiter    LoginLimiter
	Tokens     *TokenIssuer
	OAuth      OAuthProvider
	Mailer     Mailer
	Sanitizer  security.TextSanitizer
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service は認証に関するビジネスロジックを提供する。
// サインイン・サインアウト・リフレッシュはidentity単位で直列化される。
type Service struct {
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	resets     repository.PasswordResetRepository
	attempts   repository.LoginAttemptRepository
	limiter    LoginLimiter
	tokens     *TokenIssuer
	oauth      OAuthProvider
	mailer     Mailer
	sanitizer  security.TextSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     ServiceConfig
	now        func() time.Time

	locks *keyedMutex
	subs  subscribers
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig, opts ...Option) *Service {
	if config.SessionTTL <= 0 {
		config.SessionTTL = 7 * 24 * time.Hour
	}
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = time.Hour
	}
	s := &Service{
		identities: deps.Identities,
		sessions:   deps.Sessions,
		resets:     deps.Resets,
		attempts:   deps.Attempts,
		limiter:    deps.Limiter,
		tokens:     deps.Tokens,
		oauth:      deps.OAuth,
		mailer:     deps.Mailer,
		sanitizer:  deps.Sanitizer,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		config:     config,
		now:        time.Now,
		locks:      newKeyedMutex(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewLimiter(nil, s.logger)
	}
	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.logger}
	}
	if s.sanitizer == nil {
		s.sanitizer = security.NewTextSanitizer()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe はセッション状態の変化を受け取るリスナーを登録し、登録解除関数を返す。
// リスナーは遷移を起こした呼び出しの中で、登録順に同期的に呼び出される。
// リスナー内から同じユーザーのサインイン・サインアウト・リフレッシュを呼び出してはならない。
func (s *Service) Subscribe(listener Listener) func() {
	return s.subs.add(listener)
}

// SignUp はidentityと承認待ちのプロフィールを作成し、セッションを発行する。
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*model.Session, error) {
	in = in.Normalize()
	in.FullName = s.sanitizer.SanitizeText(in.FullName, 120)
	if err := in.Validate(); err != nil {
		s.metrics.RecordSignUp(metrics.ResultInvalid)
		return nil, err
	}

	hash, err := HashPassword(in.Password, s.config.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := s.now()
	identity := &model.Identity{
		ID:           uuid.New().String(),
		Email:        in.Email,
		PasswordHash: hash,
		Provider:     model.ProviderEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := &model.Profile{
		ID:        uuid.New().String(),
		UserID:    identity.ID,
		Email:     in.Email,
		Username:  in.Username,
		FullName:  in.FullName,
		Role:      model.RoleUser,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.identities.CreateWithProfile(ctx, identity, profile); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			s.metrics.RecordSignUp(metrics.ResultInvalid)
			return nil, apiErr
		}
		s.metrics.RecordSignUp(metrics.ResultFailure)
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	s.metrics.RecordSignUp(metrics.ResultSuccess)
	s.logger.Info("new user signed up",
		slog.String("user_id", identity.ID),
		slog.String("username", profile.Username),
	)

	return s.startSession(ctx, identity.ID)
}

// SignIn はメールアドレスまたはユーザー名とパスワードで認証し、セッションを発行する。
// 認証前に入力された識別子でレート制限を確認し、アカウントが見つかればそのIDでも確認する。
// メールアドレスとユーザー名のどちらで試行しても同じアカウントの回数として数える。
// 試行結果を記録し、成功時は両方のカウンタを消去する。
// 存在しないユーザーとパスワード不一致は区別せずINVALID_CREDENTIALSを返す。
func (s *Service) SignIn(ctx context.Context, identifier, password, ip string) (*model.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		s.metrics.RecordSignIn(metrics.ResultInvalid)
		return nil, model.NewInvalidCredentialsError()
	}
	limiterKey := strings.ToLower(identifier)

	if err := s.checkLoginLimit(ctx, limiterKey, ip); err != nil {
		return nil, err
	}

	identity, err := s.identities.FindByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var hash string
	if identity != nil {
		if err := s.checkLoginLimit(ctx, accountLimiterKey(identity.ID), ip); err != nil {
			return nil, err
		}
		hash = identity.PasswordHash
	}
	if !CheckPassword(hash, password) {
		s.recordAttempt(ctx, limiterKey, false, ip)
		s.metrics.RecordSignIn(metrics.ResultFailure)
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.startSession(ctx, identity.ID)
	if err != nil {
		return nil, err
	}

	s.recordAttempt(ctx, limiterKey, true, ip)
	for _, key := range []string{limiterKey, accountLimiterKey(identity.ID)} {
		if err := s.limiter.Reset(ctx, key, ratelimit.KindLogin); err != nil {
			s.logger.Warn("failed to reset login rate limit",
				slog.String("identifier", key),
				slog.String("error", err.Error()),
			)
		}
	}
	s.metrics.RecordSignIn(metrics.ResultSuccess)
	return session, nil
}

// checkLoginLimit はサインイン試行を1回数え、ブロック中であればRATE_LIMITEDを返す。
func (s *Service) checkLoginLimit(ctx context.Context, key, ip string) error {
	res, err := s.limiter.Check(ctx, key, ratelimit.KindLogin)
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	s.metrics.RecordRateLimitDecision(string(ratelimit.KindLogin), res.Allowed)
	if res.Allowed {
		return nil
	}
	s.metrics.RecordSignIn(metrics.ResultRateLimited)
	s.logger.Warn("sign in rate limited",
		slog.String("identifier", key),
		slog.String("ip", ip),
		slog.Time("reset_time", res.ResetTime),
	)
	return model.NewRateLimitedError(res.ResetTime)
}

// accountLimiterKey はアカウント単位のサインイン制限キーを返す。
func accountLimiterKey(identityID string) string {
	return "account:" + identityID
}

// SignOut はトークンに対応するセッションを破棄する。
// 無効なトークンや既に破棄されたセッションに対してもエラーを返さない。
// 実際にセッションを削除した場合のみsigned_outを通知する。
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	claims, err := s.tokens.ParseIgnoringExpiry(token)
	if err != nil {
		return nil
	}

	unlock := s.locks.Lock(claims.Subject)
	defer unlock()

	deleted, err := s.sessions.DeleteByID(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return nil
	}

	s.logger.Info("user signed out",
		slog.String("user_id", claims.Subject),
		slog.String("session_id", claims.ID),
	)
	s.notify(EventSignedOut, &model.Session{ID: claims.ID, UserID: claims.Subject})
	return nil
}

// GetSession はトークンに対応する有効なセッションを返す。
// 署名不正・期限切れ・破棄済みのトークンと、リフレッシュで世代が進んだ古いトークンにはnilを返す。
func (s *Service) GetSession(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, nil
	}
	now := s.now()
	claims, err := s.tokens.Parse(token, now)
	if err != nil {
		return nil, nil
	}

	session, err := s.sessions.FindByID(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.UserID != claims.Subject || session.IsExpired(now) {
		return nil, nil
	}
	if claims.Generation != session.Generation {
		return nil, nil
	}

	session.Token = token
	return session, nil
}

// Refresh はセッションの有効期限を延長し、新しいトークンを発行する。
// 以前のトークンは無効になる。
func (s *Service) Refresh(ctx context.Context, token string) (*model.Session, error) {
	current, err := s.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, model.NewUnauthorizedError()
	}

	unlock := s.locks.Lock(current.UserID)
	defer unlock()

	now := s.now()
	expiresAt := now.Add(s.config.SessionTTL)
	extended, err := s.sessions.Extend(ctx, current.ID, current.Generation, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	if !extended {
		// 同じトークンによる別のリフレッシュが先に世代を進めた
		return nil, model.NewUnauthorizedError()
	}
	generation := current.Generation + 1

	signed, err := s.tokens.Mint(current.ID, current.UserID, generation, now, expiresAt)
	if err != nil {
		return nil, err
	}

	refreshed := &model.Session{
		ID:          current.ID,
		UserID:      current.UserID,
		Token:       signed,
		ExpiresAt:   expiresAt,
		CreatedAt:   current.CreatedAt,
		RefreshedAt: now,
		Generation:  generation,
	}
	s.notify(EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// OAuthEnabled はOAuthプロバイダーが設定されているかを返す。
func (s *Service) OAuthEnabled() bool {
	return s.oauth != nil
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーの場合はidentityと承認待ちのプロフィールを同時に作成する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if s.oauth == nil {
		return nil, fmt.Errorf("oauth provider is not configured")
	}

	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if errors.Is(err, ErrOAuthDomainNotAllowed) {
		s.logger.Warn("oauth login rejected by hosted domain", slog.String("error", err.Error()))
		return nil, model.NewForbiddenError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	identity, err := s.identities.FindByProvider(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if identity != nil {
		s.logger.Info("existing user logged in",
			slog.String("user_id", identity.ID),
			slog.String("provider", userInfo.Provider),
		)
		return s.startSession(ctx, identity.ID)
	}

	// 3. 新規ユーザー: identityと承認待ちプロフィールを同時に作成
	email := NormalizeEmail(userInfo.Email)
	now := s.now()
	identity = &model.Identity{
		ID:             uuid.New().String(),
		Email:          email,
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	profile := &model.Profile{
		ID:        uuid.New().String(),
		UserID:    identity.ID,
		Email:     email,
		Username:  usernameFromEmail(email),
		FullName:  s.sanitizer.SanitizeText(userInfo.Name, 120),
		Role:      model.RoleUser,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.identities.CreateWithProfile(ctx, identity, profile); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	s.metrics.RecordSignUp(metrics.ResultSuccess)
	s.logger.Info("new user created",
		slog.String("user_id", identity.ID),
		slog.String("provider", userInfo.Provider),
	)
	return s.startSession(ctx, identity.ID)
}

// startSession はセッションを作成・永続化し、トークンを発行してsigned_inを通知する。
func (s *Service) startSession(ctx context.Context, userID string) (*model.Session, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:          sessionID,
		UserID:      userID,
		ExpiresAt:   now.Add(s.config.SessionTTL),
		CreatedAt:   now,
		RefreshedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	token, err := s.tokens.Mint(session.ID, userID, session.Generation, now, session.ExpiresAt)
	if err != nil {
		return nil, err
	}
	session.Token = token

	s.notify(EventSignedIn, session)
	return session, nil
}

func (s *Service) notify(kind EventKind, session *model.Session) {
	s.metrics.RecordSessionEvent(string(kind))
	s.subs.emit(kind, session)
}

func (s *Service) recordAttempt(ctx context.Context, identifier string, success bool, ip string) {
	if s.attempts == nil {
		return
	}
	err := s.attempts.Create(ctx, &model.LoginAttempt{
		Identifier:  identifier,
		Success:     success,
		IPAddress:   ip,
		AttemptedAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("failed to record login attempt",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()),
		)
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var usernameInvalidChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// usernameFromEmail はメールアドレスのローカル部から衝突しにくいユーザー名を生成する。
func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	base := usernameInvalidChars.ReplaceAllString(NormalizeUsername(local), "")
	base = strings.TrimLeft(base, "._-")
	if len(base) > 22 {
		base = base[:22]
	}
	if base == "" {
		base = "user"
	}
	return base + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
}
