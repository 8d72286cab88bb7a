package auth

import (
	"context"
	"log/slog"
)

// Mailer はパスワード再設定リンクを送信するインターフェース。
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, link string) error
}

// LogMailer はリンクをログに出力するだけのMailer。メール送信基盤がない環境で使用する。
type LogMailer struct {
	Logger *slog.Logger
}

// SendPasswordReset は再設定リンクをログに出力する。
func (m LogMailer) SendPasswordReset(ctx context.Context, email, link string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "password reset requested",
		slog.String("email", email),
		slog.String("link", link),
	)
	return nil
}
