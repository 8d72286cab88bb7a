// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/academico/internal/model"
)

// IdentityRepository は認証主体（identities）の永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)

	// FindByIdentifier はメールアドレスまたはユーザー名でidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByIdentifier(ctx context.Context, identifier string) (*model.Identity, error)

	// FindByProvider はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProvider(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// CreateWithProfile はidentityとprofileを同一トランザクションで作成する。
	// メールアドレスまたはユーザー名が重複している場合は*model.APIErrorを返す。
	CreateWithProfile(ctx context.Context, identity *model.Identity, profile *model.Profile) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error

	// DeleteByID は指定IDのidentityを削除する。
	// 関連するprofiles、sessions、password_resetsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はidentityのIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// ListByStatus は指定ステータスのプロフィールを作成日時の昇順で返す。
	ListByStatus(ctx context.Context, status model.ProfileStatus) ([]*model.Profile, error)

	// UpdateStatus は現在のステータスがfromの場合に限りtoと却下理由を更新し、更新後のプロフィールを返す。
	// 対象が存在しないか、ステータスが既に変わっている場合はnilを返す。
	UpdateStatus(ctx context.Context, userID string, from, to model.ProfileStatus, reason *string) (*model.Profile, error)

	// SetAdmin は管理者フラグを更新し、更新後のプロフィールを返す。
	// 対象が存在しない場合はnilを返す。
	SetAdmin(ctx context.Context, userID string, isAdmin bool) (*model.Profile, error)

	// Update はユーザー名、氏名、電話番号、アバターURL、ロール、メールアドレスを上書き更新する。
	// ステータスと管理者フラグは変更しない。
	Update(ctx context.Context, profile *model.Profile) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Extend は世代がgenerationと一致する有効なセッションの有効期限を延長し、世代を1進める。
	// 一致するセッションがない場合はfalseを返す。
	Extend(ctx context.Context, id string, generation int64, expiresAt, refreshedAt time.Time) (bool, error)
	// DeleteByID は指定IDのセッションを削除する。削除した場合はtrueを返す。
	DeleteByID(ctx context.Context, id string) (bool, error)
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// PasswordResetRepository はパスワード再設定トークンの永続化インターフェース。
type PasswordResetRepository interface {
	// Create は再設定トークンを作成する。
	Create(ctx context.Context, reset *model.PasswordReset) error
	// FindValidByTokenHash は未使用かつ有効期限内のトークンを取得する。見つからない場合はnilを返す。
	FindValidByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*model.PasswordReset, error)
	// MarkUsed はトークンを使用済みにする。
	MarkUsed(ctx context.Context, id string, usedAt time.Time) error
}

// AuditRepository は監査ログの永続化インターフェース。
type AuditRepository interface {
	// Create は監査ログを記録する。
	Create(ctx context.Context, entry *model.AuditLog) error
	// ListByTarget は対象ユーザーの監査ログを新しい順に返す。
	ListByTarget(ctx context.Context, targetID string, limit int) ([]*model.AuditLog, error)
}

// LoginAttemptRepository はログイン試行履歴の永続化インターフェース。
type LoginAttemptRepository interface {
	// Create はログイン試行を記録する。
	Create(ctx context.Context, attempt *model.LoginAttempt) error
}

// RateLimitRepository はレート制限エントリの永続化インターフェース。
type RateLimitRepository interface {
	// Apply はキーのエントリを行ロックした状態でfnに渡し、fnの戻り値で置き換える。
	// エントリが存在しない場合、fnにはnilが渡される。fnがnilを返した場合はエントリを削除する。
	Apply(ctx context.Context, key string, fn func(current *model.RateLimitEntry) *model.RateLimitEntry) error
	// Delete はキーのエントリを削除する。
	Delete(ctx context.Context, key string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
