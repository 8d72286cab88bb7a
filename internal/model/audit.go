package model

import "time"

// 監査ログのアクション名
const (
	AuditActionApprove    = "approve_user"
	AuditActionReject     = "reject_user"
	AuditActionPromote    = "promote_to_admin"
	AuditActionCreateUser = "admin_create_user"
	AuditActionUpdateUser = "admin_update_user"
	AuditActionBootstrap  = "bootstrap_admin"
)

// AuditLog は管理操作の監査記録を表す。
// ActorIDが空の場合はシステム（bootstrap等）による操作。
type AuditLog struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id,omitempty"`
	TargetID  string         `json:"target_id,omitempty"`
	Action    string         `json:"action"`
	Changes   map[string]any `json:"changes"`
	IPAddress string         `json:"ip_address,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LoginAttempt はログイン試行の履歴を表す。
type LoginAttempt struct {
	Identifier  string
	Success     bool
	IPAddress   string
	AttemptedAt time.Time
}

// RateLimitEntry はレート制限のカウンタ状態を表す。
// (action, identifier) から生成したキーごとに1エントリ存在する。
type RateLimitEntry struct {
	Key          string
	Count        int
	WindowStart  time.Time
	Blocked      bool
	BlockedUntil time.Time
}
