// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ミドルウェア・ワーカーから利用する。
type MetricsCollector interface {
	RecordInitiation(platform, result string)
	RecordCallback(platform, result string)
	RecordDebit(actionType, result string, credits int64)
	RecordRefund(actionType, result string)
	RecordRateLimited(action string)
	RecordAdapterLatency(platform, operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	initiations    *prometheus.CounterVec
	callbacks      *prometheus.CounterVec
	debits         *prometheus.CounterVec
	creditsSpent   *prometheus.CounterVec
	refunds        *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	adapterLatency *prometheus.HistogramVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		initiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbroker_oauth_initiations_total",
			Help: "OAuth連携開始リクエスト数（結果別）",
		}, []string{"platform", "result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbroker_oauth_callbacks_total",
			Help: "OAuthコールバック数（結果別）",
		}, []string{"platform", "result"}),
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbroker_credit_debits_total",
			Help: "クレジット減算の試行数（結果別）",
		}, []string{"action_type", "result"}),
		creditsSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbroker_credits_spent_total",
			Help: "減算に成功したクレジットの合計",
		}, []string{"action_type"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbroker_credit_refunds_total",
			Help: "返金処理数（結果別）",
		}, []string{"action_type", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbroker_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"action"}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connbroker_adapter_latency_seconds",
			Help:    "外部プラットフォームAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform", "operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connbroker_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.initiations,
		c.callbacks,
		c.debits,
		c.creditsSpent,
		c.refunds,
		c.rateLimited,
		c.adapterLatency,
		c.httpStatus,
	)

	return c
}

// RecordInitiation は連携開始の結果を記録する。
func (c *Collector) RecordInitiation(platform, result string) {
	c.initiations.WithLabelValues(platform, result).Inc()
}

// RecordCallback はコールバックの結果を記録する。
func (c *Collector) RecordCallback(platform, result string) {
	c.callbacks.WithLabelValues(platform, result).Inc()
}

// RecordDebit は減算の結果を記録する。成功時はクレジット量も加算する。
func (c *Collector) RecordDebit(actionType, result string, credits int64) {
	c.debits.WithLabelValues(actionType, result).Inc()
	if result == "ok" && credits > 0 {
		c.creditsSpent.WithLabelValues(actionType).Add(float64(credits))
	}
}

// RecordRefund は返金の結果を記録する。
func (c *Collector) RecordRefund(actionType, result string) {
	c.refunds.WithLabelValues(actionType, result).Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(action string) {
	c.rateLimited.WithLabelValues(action).Inc()
}

// RecordAdapterLatency は外部API呼び出しのレイテンシを記録する。
func (c *Collector) RecordAdapterLatency(platform, operation string, duration time.Duration) {
	c.adapterLatency.WithLabelValues(platform, operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Noop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Noop struct{}

func (Noop) RecordInitiation(string, string)                    {}
func (Noop) RecordCallback(string, string)                      {}
func (Noop) RecordDebit(string, string, int64)                  {}
func (Noop) RecordRefund(string, string)                        {}
func (Noop) RecordRateLimited(string)                           {}
func (Noop) RecordAdapterLatency(string, string, time.Duration) {}
func (Noop) RecordHTTPStatus(int)                               {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Noop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
