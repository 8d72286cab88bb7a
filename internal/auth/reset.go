package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/ratelimit"
)

// RequestPasswordReset は再設定トークンを発行し、Mailerでリンクを送信する。
// 登録されていないメールアドレスやOAuthのみのアカウントでもエラーを返さない。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := validation.Validate(email, EmailRules()...); err != nil {
		return model.NewValidationError(map[string]string{"email": "e-mail inválido"})
	}

	res, err := s.limiter.Check(ctx, "reset:"+email, ratelimit.KindGeneral)
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !res.Allowed {
		return model.NewRateLimitedError(res.ResetTime)
	}

	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil || identity.PasswordHash == "" {
		s.logger.Info("password reset requested for unknown account")
		return nil
	}

	raw, err := generateResetToken()
	if err != nil {
		return fmt.Errorf("failed to generate reset token: %w", err)
	}

	now := s.now()
	reset := &model.PasswordReset{
		ID:        uuid.New().String(),
		UserID:    identity.ID,
		TokenHash: hashResetToken(raw),
		ExpiresAt: now.Add(s.config.ResetTokenTTL),
		CreatedAt: now,
	}
	if err := s.resets.Create(ctx, reset); err != nil {
		return fmt.Errorf("failed to save reset token: %w", err)
	}

	link := strings.TrimRight(s.config.BaseURL, "/") + "/reset-password?token=" + url.QueryEscape(raw)
	if err := s.mailer.SendPasswordReset(ctx, identity.Email, link); err != nil {
		return fmt.Errorf("failed to send reset email: %w", err)
	}
	return nil
}

// ResetPassword は再設定トークンを検証してパスワードを更新し、そのユーザーの全セッションを破棄する。
func (s *Service) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	if err := in.Validate(); err != nil {
		return err
	}

	now := s.now()
	reset, err := s.resets.FindValidByTokenHash(ctx, hashResetToken(in.Token), now)
	if err != nil {
		return fmt.Errorf("failed to find reset token: %w", err)
	}
	if reset == nil {
		return model.NewInvalidResetTokenError()
	}

	hash, err := HashPassword(in.Password, s.config.BcryptCost)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(reset.UserID)
	defer unlock()

	if err := s.resets.MarkUsed(ctx, reset.ID, now); err != nil {
		return model.NewInvalidResetTokenError()
	}
	if err := s.identities.UpdatePasswordHash(ctx, reset.UserID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if err := s.sessions.DeleteByUserID(ctx, reset.UserID); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	s.logger.Info("password reset completed", slog.String("user_id", reset.UserID))
	return nil
}

func generateResetToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashResetToken はトークンのSHA-256ハッシュを16進文字列で返す。DBにはハッシュのみ保存する。
func hashResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
