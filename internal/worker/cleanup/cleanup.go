// Package cleanup は期限切れの認証データを削除する定期ジョブを提供する。
// 対象は期限切れのセッション、使用済みまたは期限切れの再設定トークン、
// 保持期間を過ぎたログイン試行履歴、期限の過ぎたレート制限エントリ。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/academico/internal/metrics"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Target は削除対象の種類と削除クエリ。クエリは保持期間（interval文字列）を$1で受け取る。
type Target struct {
	Name  string
	Query string
}

// DefaultTargets は削除対象の一覧を返す。
func DefaultTargets() []Target {
	return []Target{
		{
			Name:  "sessions",
			Query: `DELETE FROM sessions WHERE expires_at < now() - $1::interval`,
		},
		{
			Name:  "password_resets",
			Query: `DELETE FROM password_resets WHERE (used_at IS NOT NULL OR expires_at < now()) AND created_at < now() - $1::interval`,
		},
		{
			Name:  "login_attempts",
			Query: `DELETE FROM login_attempts WHERE attempted_at < now() - $1::interval`,
		},
		{
			Name:  "rate_limit_entries",
			Query: `DELETE FROM rate_limit_entries WHERE window_start < now() - $1::interval AND (blocked_until IS NULL OR blocked_until < now())`,
		},
	}
}

// CleanupJob は期限切れデータの削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	targets []Target

	// 対象ごとの保持期間。未指定の対象はDefaultRetentionを使用する。
	Retention        map[string]time.Duration
	DefaultRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// ログイン試行履歴は30日、それ以外は1日保持する。
func NewCleanupJob(db Executor, logger *slog.Logger, m metrics.MetricsCollector) *CleanupJob {
	if m == nil {
		m = metrics.Nop{}
	}
	return &CleanupJob{
		db:      db,
		logger:  logger,
		metrics: m,
		targets: DefaultTargets(),
		Retention: map[string]time.Duration{
			"login_attempts": 30 * 24 * time.Hour,
		},
		DefaultRetention: 24 * time.Hour,
	}
}

// Run はすべての対象を順に削除する。
// ある対象の削除に失敗しても残りの対象は処理し、最後にまとめてエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	var total int64
	for _, target := range j.targets {
		deleted, err := j.runTarget(ctx, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += deleted
	}

	j.logger.Info("cleanup job finished",
		slog.Int64("deleted_count", total),
		slog.Int("failed_targets", len(errs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return errors.Join(errs...)
}

func (j *CleanupJob) runTarget(ctx context.Context, target Target) (int64, error) {
	retention := j.retentionFor(target.Name)
	interval := formatInterval(retention)

	result, err := j.db.ExecContext(ctx, target.Query, interval)
	if err != nil {
		j.logger.Error("cleanup failed",
			slog.String("target", target.Name),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clean up %s: %w", target.Name, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for %s: %w", target.Name, err)
	}

	j.metrics.RecordCleanup(target.Name, deleted)
	j.logger.Info("cleanup target done",
		slog.String("target", target.Name),
		slog.Int64("deleted_count", deleted),
		slog.String("retention", interval),
	)
	return deleted, nil
}

func (j *CleanupJob) retentionFor(name string) time.Duration {
	if d, ok := j.Retention[name]; ok {
		return d
	}
	return j.DefaultRetention
}

// formatInterval はPostgreSQLのinterval文字列（秒単位）を返す。
func formatInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}

// RunEvery はintervalごとにRunを実行する。ctxがキャンセルされると戻る。
// 起動直後に1回実行する。
func (j *CleanupJob) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("cleanup run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
