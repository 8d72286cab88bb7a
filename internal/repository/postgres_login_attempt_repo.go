package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/academico/internal/model"
)

// PostgresLoginAttemptRepo はPostgreSQLを使用したログイン試行履歴リポジトリ。
type PostgresLoginAttemptRepo struct {
	db *sql.DB
}

// NewPostgresLoginAttemptRepo はPostgresLoginAttemptRepoを生成する。
func NewPostgresLoginAttemptRepo(db *sql.DB) *PostgresLoginAttemptRepo {
	return &PostgresLoginAttemptRepo{db: db}
}

// Create はログイン試行を記録する。
func (r *PostgresLoginAttemptRepo) Create(ctx context.Context, attempt *model.LoginAttempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_attempts (identifier, success, ip_address, attempted_at)
		 VALUES ($1, $2, $3, $4)`,
		attempt.Identifier, attempt.Success, attempt.IPAddress, attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// compile-time interface check
var _ LoginAttemptRepository = (*PostgresLoginAttemptRepo)(nil)
