// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 再順位付けの結果ラベル。
const (
	RerankSuccess = "success"
	RerankFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・リポジトリ・再順位付け・スイープワーカーから利用する。
type MetricsCollector interface {
	RecordItemReported(role string)
	RecordMatchRequest(resultCount int, duration time.Duration)
	RecordRerankOutcome(outcome string)
	RecordPersistenceFailure()
	RecordItemsExpired(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	itemsReported  *prometheus.CounterVec
	matchRequests  prometheus.Counter
	matchLatency   prometheus.Histogram
	matchResults   prometheus.Histogram
	rerankOutcomes *prometheus.CounterVec
	persistFail    prometheus.Counter
	itemsExpired   prometheus.Counter
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		itemsReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lostfound_items_reported_total",
			Help: "届出役割別の届出数",
		}, []string{"role"}),
		matchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lostfound_match_requests_total",
			Help: "照合リクエストの合計数",
		}),
		matchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lostfound_match_latency_seconds",
			Help:    "照合のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		matchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lostfound_match_results",
			Help:    "1回の照合で返却した候補数",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
		}),
		rerankOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lostfound_rerank_outcomes_total",
			Help: "外部関連度スコアリングの結果別の呼び出し数",
		}, []string{"outcome"}),
		persistFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lostfound_persistence_failures_total",
			Help: "スナップショット書き込み失敗の合計数",
		}),
		itemsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lostfound_items_expired_total",
			Help: "スイープで期限切れにした届出の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lostfound_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.itemsReported,
		c.matchRequests,
		c.matchLatency,
		c.matchResults,
		c.rerankOutcomes,
		c.persistFail,
		c.itemsExpired,
		c.httpStatus,
	)

	return c
}

// RecordItemReported は届出を記録する。
func (c *Collector) RecordItemReported(role string) {
	c.itemsReported.WithLabelValues(role).Inc()
}

// RecordMatchRequest は照合リクエストのレイテンシと返却件数を記録する。
func (c *Collector) RecordMatchRequest(resultCount int, duration time.Duration) {
	c.matchRequests.Inc()
	c.matchLatency.Observe(duration.Seconds())
	c.matchResults.Observe(float64(resultCount))
}

// RecordRerankOutcome は外部スコアリング1回分の結果を記録する。
func (c *Collector) RecordRerankOutcome(outcome string) {
	c.rerankOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPersistenceFailure は永続化の失敗を記録する。
func (c *Collector) RecordPersistenceFailure() {
	c.persistFail.Inc()
}

// RecordItemsExpired はスイープで期限切れにした件数を記録する。
func (c *Collector) RecordItemsExpired(count int) {
	c.itemsExpired.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
