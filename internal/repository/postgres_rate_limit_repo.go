package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/academico/internal/model"
)

// PostgresRateLimitRepo はPostgreSQLを使用したレート制限エントリリポジトリ。
// 複数のAPIインスタンス間でカウンタを共有するために使用する。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

// Apply はキーのエントリをSELECT ... FOR UPDATEでロックした状態でfnに渡し、
// fnの戻り値で置き換える。fnがnilを返した場合はエントリを削除する。
func (r *PostgresRateLimitRepo) Apply(ctx context.Context, key string, fn func(current *model.RateLimitEntry) *model.RateLimitEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 行が存在しない場合のロック対象を作るため、先に空エントリを確保する
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rate_limit_entries (key, count, window_start) VALUES ($1, 0, now())
		 ON CONFLICT (key) DO NOTHING`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve rate limit entry: %w", err)
	}

	entry := &model.RateLimitEntry{Key: key}
	var blockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT count, window_start, blocked, blocked_until
		 FROM rate_limit_entries WHERE key = $1 FOR UPDATE`,
		key,
	).Scan(&entry.Count, &entry.WindowStart, &entry.Blocked, &blockedUntil)
	if err != nil {
		return fmt.Errorf("failed to lock rate limit entry: %w", err)
	}
	if blockedUntil.Valid {
		entry.BlockedUntil = blockedUntil.Time
	}

	var current *model.RateLimitEntry
	if entry.Count > 0 || entry.Blocked {
		current = entry
	}

	next := fn(current)
	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_limit_entries WHERE key = $1`, key); err != nil {
			return fmt.Errorf("failed to delete rate limit entry: %w", err)
		}
	} else {
		var until sql.NullTime
		if next.Blocked {
			until = sql.NullTime{Time: next.BlockedUntil, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limit_entries
			 SET count = $2, window_start = $3, blocked = $4, blocked_until = $5, updated_at = now()
			 WHERE key = $1`,
			key, next.Count, next.WindowStart, next.Blocked, until,
		)
		if err != nil {
			return fmt.Errorf("failed to update rate limit entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete はキーのエントリを削除する。
func (r *PostgresRateLimitRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_entries WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete rate limit entry: %w", err)
	}
	return nil
}

// compile-time interface check
var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)
