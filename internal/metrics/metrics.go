// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベル
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultRateLimited = "rate_limited"
	ResultForbidden   = "forbidden"
	ResultInvalid     = "invalid"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ミドルウェア、クリーンアップジョブから利用する。
type MetricsCollector interface {
	RecordSignIn(result string)
	RecordSignUp(result string)
	RecordSessionEvent(kind string)
	RecordAdminAction(action, result string)
	RecordRateLimitDecision(kind string, allowed bool)
	RecordRateLimitDegraded(kind string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordCleanup(target string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIn          *prometheus.CounterVec
	signUp          *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec
	adminActions    *prometheus.CounterVec
	rateLimit       *prometheus.CounterVec
	rateLimitDegrad *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	cleanupDeleted  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_sign_in_total",
			Help: "結果別のサインイン試行数",
		}, []string{"result"}),
		signUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_sign_up_total",
			Help: "結果別のサインアップ数",
		}, []string{"result"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_session_events_total",
			Help: "種類別のセッションイベント数",
		}, []string{"kind"}),
		adminActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_admin_actions_total",
			Help: "操作・結果別の管理操作数",
		}, []string{"action", "result"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_rate_limit_decisions_total",
			Help: "種類・判定別のレート制限判定数",
		}, []string{"kind", "decision"}),
		rateLimitDegrad: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_rate_limit_degraded_total",
			Help: "共有ストアに到達できずローカルで判定した回数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "academico_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "academico_cleanup_deleted_total",
			Help: "クリーンアップジョブで削除した行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.signIn,
		c.signUp,
		c.sessionEvents,
		c.adminActions,
		c.rateLimit,
		c.rateLimitDegrad,
		c.httpStatus,
		c.requestLatency,
		c.cleanupDeleted,
	)

	return c
}

// RecordSignIn はサインイン試行を記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIn.WithLabelValues(result).Inc()
}

// RecordSignUp はサインアップを記録する。
func (c *Collector) RecordSignUp(result string) {
	c.signUp.WithLabelValues(result).Inc()
}

// RecordSessionEvent はセッションイベント（signed_in等）を記録する。
func (c *Collector) RecordSessionEvent(kind string) {
	c.sessionEvents.WithLabelValues(kind).Inc()
}

// RecordAdminAction は管理操作を記録する。
func (c *Collector) RecordAdminAction(action, result string) {
	c.adminActions.WithLabelValues(action, result).Inc()
}

// RecordRateLimitDecision はレート制限の判定を記録する。
func (c *Collector) RecordRateLimitDecision(kind string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.rateLimit.WithLabelValues(kind, decision).Inc()
}

// RecordRateLimitDegraded は縮退モードでの判定を記録する。
func (c *Collector) RecordRateLimitDegraded(kind string) {
	c.rateLimitDegrad.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordCleanup はクリーンアップで削除した行数を記録する。
func (c *Collector) RecordCleanup(target string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成とテストで使用する。
type Nop struct{}

func (Nop) RecordSignIn(string) {}
func (Nop) RecordSignUp(string) {}
func (Nop) RecordSessionEvent(string) {}
func (Nop) RecordAdminAction(string, string) {}
func (Nop) RecordRateLimitDecision(string, bool) {}
func (Nop) RecordRateLimitDegraded(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) RecordCleanup(string, int64) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// InstrumentHandler はレスポンスのステータスコードと処理時間を記録するミドルウェアを返す。
func InstrumentHandler(m MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.RecordHTTPStatus(sw.status)
			m.RecordRequestLatency(time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
