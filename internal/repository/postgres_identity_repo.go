package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/academico/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const identityColumns = `i.id, i.email, COALESCE(i.password_hash, ''), i.provider, COALESCE(i.provider_user_id, ''), i.created_at, i.updated_at`

func scanIdentity(row interface{ Scan(dest ...any) error }) (*model.Identity, error) {
	identity := &model.Identity{}
	err := row.Scan(
		&identity.ID, &identity.Email, &identity.PasswordHash,
		&identity.Provider, &identity.ProviderUserID,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities i WHERE i.id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by ID: %w", err)
	}
	return identity, nil
}

// FindByEmail はメールアドレス（大文字小文字を区別しない）でidentityを検索する。
func (r *PostgresIdentityRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities i WHERE lower(i.email) = lower($1)`,
		email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by email: %w", err)
	}
	return identity, nil
}

// FindByIdentifier はメールアドレスまたはユーザー名でidentityを検索する。
// メールアドレスの一致を優先する。
func (r *PostgresIdentityRepo) FindByIdentifier(ctx context.Context, identifier string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`
		 FROM identities i
		 LEFT JOIN profiles p ON p.user_id = i.id
		 WHERE lower(i.email) = lower($1) OR lower(p.username) = lower($1)
		 ORDER BY (lower(i.email) = lower($1)) DESC
		 LIMIT 1`,
		identifier,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by identifier: %w", err)
	}
	return identity, nil
}

// FindByProvider はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProvider(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities i WHERE i.provider = $1 AND i.provider_user_id = $2`,
		provider, providerUserID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// CreateWithProfile はidentityとprofileを同一トランザクションで作成する。
// 一意制約違反の場合はドメインエラー（EMAIL_TAKEN / USERNAME_TAKEN）を返す。
func (r *PostgresIdentityRepo) CreateWithProfile(ctx context.Context, identity *model.Identity, profile *model.Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, email, password_hash, provider, provider_user_id, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7)`,
		identity.ID, identity.Email, identity.PasswordHash, identity.Provider, identity.ProviderUserID,
		identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		if apiErr := mapUniqueViolation(err); apiErr != nil {
			return apiErr
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO profiles (id, user_id, email, username, full_name, avatar_url, phone, is_admin, role, status, rejection_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12, $13)`,
		profile.ID, profile.UserID, profile.Email, profile.Username, profile.FullName,
		profile.AvatarURL, profile.Phone, profile.IsAdmin, string(profile.Role), string(profile.Status),
		profile.RejectionReason, profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil {
		if apiErr := mapUniqueViolation(err); apiErr != nil {
			return apiErr
		}
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdatePasswordHash はパスワードハッシュを更新する。
func (r *PostgresIdentityRepo) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("identity not found: %s", id)
	}
	return nil
}

// DeleteByID は指定IDのidentityを削除する。
// 関連するprofiles、sessions、password_resetsはCASCADE削除される。
func (r *PostgresIdentityRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM identities WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("identity not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
