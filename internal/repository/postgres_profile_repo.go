package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/academico/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, user_id, email, username, full_name, COALESCE(avatar_url, ''), COALESCE(phone, ''),
	is_admin, role, status, rejection_reason, created_at, updated_at`

func scanProfile(row interface{ Scan(dest ...any) error }) (*model.Profile, error) {
	p := &model.Profile{}
	var role, status string
	var reason sql.NullString
	err := row.Scan(
		&p.ID, &p.UserID, &p.Email, &p.Username, &p.FullName, &p.AvatarURL, &p.Phone,
		&p.IsAdmin, &role, &status, &reason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Role = model.Role(role)
	p.Status = model.ProfileStatus(status)
	if reason.Valid {
		r := reason.String
		p.RejectionReason = &r
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("stored profile %s is invalid: %w", p.UserID, err)
	}
	return p, nil
}

// FindByUserID はidentityのIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`,
		userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return p, nil
}

// ListByStatus は指定ステータスのプロフィールを作成日時の昇順で返す。
func (r *PostgresProfileRepo) ListByStatus(ctx context.Context, status model.ProfileStatus) ([]*model.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []*model.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return profiles, nil
}

// UpdateStatus は現在のステータスがfromの場合に限りtoへ更新し、更新後のプロフィールを返す。
// 対象が存在しないか、ステータスがfromでない場合はnilを返す。
func (r *PostgresProfileRepo) UpdateStatus(ctx context.Context, userID string, from, to model.ProfileStatus, reason *string) (*model.Profile, error) {
	if err := model.CheckRejectionReason(to, reason); err != nil {
		return nil, err
	}
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`UPDATE profiles SET status = $3, rejection_reason = $4, updated_at = now()
		 WHERE user_id = $1 AND status = $2
		 RETURNING `+profileColumns,
		userID, string(from), string(to), reason,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile status: %w", err)
	}
	return p, nil
}

// SetAdmin は管理者フラグを更新し、更新後のプロフィールを返す。
// 対象が存在しない場合はnilを返す。
func (r *PostgresProfileRepo) SetAdmin(ctx context.Context, userID string, isAdmin bool) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`UPDATE profiles SET is_admin = $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+profileColumns,
		userID, isAdmin,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update admin flag: %w", err)
	}
	return p, nil
}

// Update はユーザー名、氏名、電話番号、アバターURL、ロール、メールアドレスを上書き更新する。
// ユーザー名が重複している場合は*model.APIErrorを返す。
func (r *PostgresProfileRepo) Update(ctx context.Context, profile *model.Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles
		 SET email = $2, username = $3, full_name = $4, avatar_url = NULLIF($5, ''),
		     phone = NULLIF($6, ''), role = $7, updated_at = $8
		 WHERE user_id = $1`,
		profile.UserID, profile.Email, profile.Username, profile.FullName,
		profile.AvatarURL, profile.Phone, string(profile.Role), profile.UpdatedAt,
	)
	if err != nil {
		if apiErr := mapUniqueViolation(err); apiErr != nil {
			return apiErr
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewProfileNotFoundError(profile.UserID)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
