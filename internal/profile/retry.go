package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/academico/internal/model"
)

// ErrProfileNotReady は再試行回数を使い切ってもプロフィールが見つからなかった場合に返される。
var ErrProfileNotReady = errors.New("profile not ready")

// RetryConfig はプロフィール取得の再試行設定。
type RetryConfig struct {
	Initial     time.Duration // 初回の待機時間
	Max         time.Duration // 待機時間の上限
	MaxAttempts int           // 取得を試みる最大回数（初回を含む）
}

// DefaultRetryConfig はデフォルトの再試行設定を返す。
// 初回100ms、2倍ずつ増加、最大2秒、6回まで。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Initial: 100 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 6}
}

// Backoff はattempt回目（0始まり）の失敗後に待つ時間を返す。
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := c.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > c.Max {
			return c.Max
		}
	}
	return delay
}

// FetchFunc はプロフィールを1回取得する関数。行が存在しない場合はnil, nilを返す。
type FetchFunc func(ctx context.Context) (*model.Profile, error)

// FetchWithRetry はプロフィールが見つかるまで指数バックオフで再試行する。
// 取得エラーも再試行の対象とし、最後の試行がエラーの場合はそのエラーを返す。
// 最後の試行でも見つからない場合はErrProfileNotReadyを返す。
func FetchWithRetry(ctx context.Context, cfg RetryConfig, fetch FetchFunc) (*model.Profile, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		p, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if p != nil {
			return p, nil
		}
		lastErr = nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("failed to fetch profile after %d attempts: %w", cfg.MaxAttempts, lastErr)
	}
	return nil, ErrProfileNotReady
}
