// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// ProfileStatus はプロフィールの承認状態を表す。
type ProfileStatus string

const (
	// StatusPending は管理者の承認待ち状態。サインアップ直後はこの状態になる。
	StatusPending ProfileStatus = "pending"
	// StatusApproved は承認済み状態。
	StatusApproved ProfileStatus = "approved"
	// StatusRejected は却下状態。
	StatusRejected ProfileStatus = "rejected"
)

// IsValid は定義済みのステータスかどうかを返す。
func (s ProfileStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Role はアプリケーション上の役割を表す。管理者フラグ（IsAdmin）とは独立している。
type Role string

const (
	RoleUser        Role = "user"
	RoleInstrutor   Role = "instrutor"
	RoleCoordenador Role = "coordenador"
)

// IsValid は定義済みのロールかどうかを返す。
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleInstrutor, RoleCoordenador:
		return true
	default:
		return false
	}
}

// Identity は認証主体（ログイン資格情報）を表す。
// email/passwordの場合はPasswordHashを持ち、OAuthの場合はProviderUserIDを持つ。
type Identity struct {
	ID             string
	Email          string
	PasswordHash   string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// 認証プロバイダー
const (
	ProviderEmail  = "email"
	ProviderGoogle = "google"
)

// Profile はアプリケーションレベルのユーザー情報を表す。
// Identityと1対1で対応し、Identity作成時に同一トランザクションで作成される。
type Profile struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Email           string        `json:"email"`
	Username        string        `json:"username"`
	FullName        string        `json:"full_name"`
	AvatarURL       string        `json:"avatar_url,omitempty"`
	Phone           string        `json:"phone,omitempty"`
	IsAdmin         bool          `json:"is_admin"`
	Role            Role          `json:"role"`
	Status          ProfileStatus `json:"status"`
	RejectionReason *string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Validate はプロフィールの不変条件を検証する。
// statusは定義済みの値であり、rejection_reasonはrejectedの場合のみ設定できる。
func (p *Profile) Validate() error {
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid profile status: %q", p.Status)
	}
	if !p.Role.IsValid() {
		return fmt.Errorf("invalid profile role: %q", p.Role)
	}
	return CheckRejectionReason(p.Status, p.RejectionReason)
}

// CheckRejectionReason は却下理由がrejectedの場合にのみ設定されていることを検証する。
func CheckRejectionReason(status ProfileStatus, reason *string) error {
	if reason != nil && status != StatusRejected {
		return fmt.Errorf("rejection_reason is only allowed when status is %q", StatusRejected)
	}
	return nil
}

// Session はユーザーのログインセッションを表す。
// Tokenは署名済みのセッショントークンで、DBには保存されない。
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Token       string    `json:"token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
	// Generation はリフレッシュのたびに1増える。トークンのgenクレームと一致しない場合は失効扱い。
	Generation int64 `json:"-"`
}

// IsExpired は指定時刻においてセッションが期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PasswordReset はパスワード再設定トークンを表す。トークン本体はハッシュのみ保存する。
type PasswordReset struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
