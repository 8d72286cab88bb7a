// Package approval はプロフィールの承認状態からアクセスレベルを導出する状態機械を提供する。
// 状態は永続化せず、Profile.status と Profile.is_admin から毎回再計算する。
package approval

import (
	"github.com/hitoshi/academico/internal/model"
)

// AccessLevel はユーザーのアクセスレベルを表す。
type AccessLevel string

const (
	LevelUnauthenticated AccessLevel = "unauthenticated"
	LevelPending         AccessLevel = "pending"
	LevelRejected        AccessLevel = "rejected"
	LevelUser            AccessLevel = "user"
	LevelInstrutor       AccessLevel = "instrutor"
	LevelCoordenador     AccessLevel = "coordenador"
	LevelAdmin           AccessLevel = "admin"
)

// IsApproved は承認済み（保護されたコンテンツを閲覧可能）なレベルかどうかを返す。
func (l AccessLevel) IsApproved() bool {
	switch l {
	case LevelUser, LevelInstrutor, LevelCoordenador, LevelAdmin:
		return true
	default:
		return false
	}
}

// Classify はセッションの有無とプロフィールからアクセスレベルを導出する。
// ステータスは管理者フラグより優先する。承認済みの場合、管理者フラグはロールより優先する。
// セッションがあってもプロフィールが未作成の場合はpendingとして扱う。
func Classify(sessionPresent bool, p *model.Profile) AccessLevel {
	if !sessionPresent {
		return LevelUnauthenticated
	}
	if p == nil {
		return LevelPending
	}

	switch p.Status {
	case model.StatusApproved:
	case model.StatusRejected:
		return LevelRejected
	default:
		return LevelPending
	}

	if p.IsAdmin {
		return LevelAdmin
	}
	switch p.Role {
	case model.RoleInstrutor:
		return LevelInstrutor
	case model.RoleCoordenador:
		return LevelCoordenador
	default:
		return LevelUser
	}
}

// transitions は許可されたステータス遷移。rejectedからの遷移は定義しない。
var transitions = map[model.ProfileStatus]map[model.ProfileStatus]struct{}{
	model.StatusPending: {
		model.StatusApproved: {},
		model.StatusRejected: {},
	},
}

// CanTransition はfromからtoへの遷移が許可されているかを返す。
func CanTransition(from, to model.ProfileStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// CheckTransition はプロフィールのステータスをtoへ遷移できるか検証する。
// 許可されない場合は*model.APIError（INVALID_TRANSITION）を返す。
func CheckTransition(p *model.Profile, to model.ProfileStatus) error {
	if !CanTransition(p.Status, to) {
		return model.NewInvalidTransitionError(p.Status, to)
	}
	return nil
}

// CheckPromotion はactorIDのユーザーがtargetを管理者に昇格できるか検証する。
// 対象は承認済みかつ管理者でないこと、自分自身でないことが条件。
func CheckPromotion(actorID string, target *model.Profile) error {
	if target.UserID == actorID {
		return model.NewSelfPromotionError()
	}
	if target.IsAdmin {
		return model.NewAlreadyAdminError()
	}
	if target.Status != model.StatusApproved {
		return model.NewNotApprovedError(target.Status)
	}
	return nil
}
