// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// ratelimit.Observer、auth.Observer、gemini.Observerを満たす。
type Collector struct {
	authAttempts    *prometheus.CounterVec
	rateLimitChecks *prometheus.CounterVec
	rateLimitErrors prometheus.Counter
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	sessionsPurged  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teacherhelper_auth_attempts_total",
			Help: "認証操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		rateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teacherhelper_rate_limit_checks_total",
			Help: "レート制限判定の合計数",
		}, []string{"scope", "allowed"}),
		rateLimitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teacherhelper_rate_limit_store_errors_total",
			Help: "レート制限ストア障害の合計数",
		}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teacherhelper_upstream_requests_total",
			Help: "生成バックエンドへのリクエスト数（ステータスコード別）",
		}, []string{"operation", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teacherhelper_upstream_latency_seconds",
			Help:    "生成バックエンド呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teacherhelper_sessions_purged_total",
			Help: "削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.rateLimitChecks,
		c.rateLimitErrors,
		c.upstreamCalls,
		c.upstreamLatency,
		c.sessionsPurged,
	)

	return c
}

// ObserveAuthAttempt は認証操作の結果を記録する。
func (c *Collector) ObserveAuthAttempt(operation, outcome string) {
	c.authAttempts.WithLabelValues(operation, outcome).Inc()
}

// ObserveRateLimit はレート制限の判定結果を記録する。
func (c *Collector) ObserveRateLimit(scope string, allowed bool) {
	c.rateLimitChecks.WithLabelValues(scope, strconv.FormatBool(allowed)).Inc()
}

// ObserveRateLimitStoreError はストア障害を記録する。
func (c *Collector) ObserveRateLimitStoreError() {
	c.rateLimitErrors.Inc()
}

// ObserveUpstream は生成バックエンド呼び出しを記録する。statusが0の場合は通信エラー。
func (c *Collector) ObserveUpstream(operation string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.upstreamCalls.WithLabelValues(operation, code).Inc()
	c.upstreamLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordSessionsPurged は削除されたセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
