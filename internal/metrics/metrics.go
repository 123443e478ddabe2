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
// 同期オーケストレーターとインデックスクライアントから利用する。
type Collector struct {
	itemsApplied *prometheus.CounterVec
	itemsSkipped *prometheus.CounterVec
	bulkFlushes  prometheus.Counter
	bulkDocs     prometheus.Counter
	syncFailures prometheus.Counter
	syncDuration prometheus.Histogram
	httpStatus   *prometheus.CounterVec
	searchCount  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		itemsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kakensync_items_applied_total",
			Help: "適用されたフィードアイテムの合計数（アクション別）",
		}, []string{"action"}),
		itemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kakensync_items_skipped_total",
			Help: "ウォーターマーク判定でスキップされたアイテムの合計数（アクション別）",
		}, []string{"action"}),
		bulkFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kakensync_bulk_flushes_total",
			Help: "バルク投入フラッシュの合計回数",
		}),
		bulkDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kakensync_bulk_documents_total",
			Help: "バルク投入されたドキュメントの合計数",
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kakensync_sync_failures_total",
			Help: "失敗した同期実行の合計数",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kakensync_sync_duration_seconds",
			Help:    "同期実行の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kakensync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		searchCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kakensync_suggestion_queries_total",
			Help: "サジェスト検索クエリの合計数",
		}),
	}

	reg.MustRegister(
		c.itemsApplied,
		c.itemsSkipped,
		c.bulkFlushes,
		c.bulkDocs,
		c.syncFailures,
		c.syncDuration,
		c.httpStatus,
		c.searchCount,
	)

	return c
}

// RecordItemApplied は適用されたアイテムをアクション別に記録する。
func (c *Collector) RecordItemApplied(action string) {
	c.itemsApplied.WithLabelValues(action).Inc()
}

// RecordItemSkipped はスキップされたアイテムをアクション別に記録する。
func (c *Collector) RecordItemSkipped(action string) {
	c.itemsSkipped.WithLabelValues(action).Inc()
}

// RecordBulkFlush はバルク投入フラッシュとそのドキュメント数を記録する。
func (c *Collector) RecordBulkFlush(docs int) {
	c.bulkFlushes.Inc()
	c.bulkDocs.Add(float64(docs))
}

// RecordSyncFailure は同期実行の失敗を記録する。
func (c *Collector) RecordSyncFailure() {
	c.syncFailures.Inc()
}

// RecordSyncDuration は同期実行の所要時間を記録する。
func (c *Collector) RecordSyncDuration(duration time.Duration) {
	c.syncDuration.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSuggestionQuery はサジェスト検索クエリを記録する。
func (c *Collector) RecordSuggestionQuery() {
	c.searchCount.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
