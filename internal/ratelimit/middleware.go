package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
)

// KeyFunc はリクエストからレート制限の識別子を取り出す。
type KeyFunc func(r *http.Request) string

// DecisionRecorder は判定結果の記録先（メトリクス用）。
type DecisionRecorder func(kind string, allowed bool)

// Middleware は指定した種類のルールでリクエストを制限するミドルウェアを返す。
// 制限を超えた場合は429とRetry-Afterヘッダーを返す。
// 判定自体が失敗した場合はリクエストを通す。
func (l *Limiter) Middleware(kind Kind, key KeyFunc, record DecisionRecorder) func(next http.Handler) http.Handler {
	if key == nil {
		key = middleware.ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Check(r.Context(), key(r), kind)
			if err != nil {
				l.logger.Error("rate limit check failed",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if record != nil {
				record(string(kind), res.Allowed)
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				secs := int(time.Until(res.ResetTime).Seconds()) + 1
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				middleware.WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError(res.ResetTime))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
