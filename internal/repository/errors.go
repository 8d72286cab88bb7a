package repository

import (
	"errors"

	"github.com/hitoshi/academico/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// 一意制約（インデックス）名
const (
	constraintIdentityEmail    = "identities_email_lower_idx"
	constraintIdentityProvider = "identities_provider_user_unique"
	constraintProfileUsername  = "profiles_username_lower_idx"
)

// mapUniqueViolation は一意制約違反をドメインエラーに変換する。
// 一意制約違反でない場合はnilを返す。
func mapUniqueViolation(err error) *model.APIError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil
	}
	switch pqErr.Constraint {
	case constraintProfileUsername:
		return model.NewUsernameTakenError()
	case constraintIdentityEmail, constraintIdentityProvider:
		return model.NewEmailTakenError()
	default:
		return model.NewEmailTakenError()
	}
}
