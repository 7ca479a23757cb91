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
// APIクライアントとハーベストエンジンから利用する。
type MetricsCollector interface {
	RecordFetched()
	RecordAbsent()
	RecordSkipped()
	RecordPreserved()
	RecordStored(action string)
	RecordRetry()
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordCommit(items int, duration time.Duration)
	SetWatermark(id int64)
	SetPendingWrites(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetched       prometheus.Counter
	absent        prometheus.Counter
	skipped       prometheus.Counter
	preserved     prometheus.Counter
	stored        *prometheus.CounterVec
	retries       prometheus.Counter
	httpStatus    *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	commits       prometheus.Counter
	commitLatency prometheus.Histogram
	watermark     prometheus.Gauge
	pendingWrites prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnarchive_items_fetched_total",
			Help: "取得に成功したアイテムの合計数",
		}),
		absent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnarchive_items_absent_total",
			Help: "リモートに存在しなかったアイテムの合計数",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnarchive_items_skipped_total",
			Help: "リトライ上限に達して取得を諦めたアイテムの合計数",
		}),
		preserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnarchive_items_preserved_total",
			Help: "absent応答に対して保存済み内容を保持したアイテムの合計数",
		}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnarchive_items_stored_total",
			Help: "ストアに書き込んだアイテム数（insert/overwrite別）",
		}, []string{"action"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnarchive_fetch_retries_total",
			Help: "一時エラーによるリトライの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnarchive_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hnarchive_fetch_latency_seconds",
			Help:    "アイテム取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnarchive_commits_total",
			Help: "バッチコミットの合計数",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hnarchive_commit_latency_seconds",
			Help:    "バッチコミットのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hnarchive_watermark",
			Help: "コミット済みの最大アイテムID",
		}),
		pendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hnarchive_pending_writes",
			Help: "未コミットのバッファ内アイテム数",
		}),
	}

	reg.MustRegister(
		c.fetched,
		c.absent,
		c.skipped,
		c.preserved,
		c.stored,
		c.retries,
		c.httpStatus,
		c.fetchLatency,
		c.commits,
		c.commitLatency,
		c.watermark,
		c.pendingWrites,
	)

	return c
}

// RecordFetched は取得成功を記録する。
func (c *Collector) RecordFetched() {
	c.fetched.Inc()
}

// RecordAbsent はabsent応答を記録する。
func (c *Collector) RecordAbsent() {
	c.absent.Inc()
}

// RecordSkipped は取得を諦めたアイテムを記録する。
func (c *Collector) RecordSkipped() {
	c.skipped.Inc()
}

// RecordPreserved は削除保護で保持したアイテムを記録する。
func (c *Collector) RecordPreserved() {
	c.preserved.Inc()
}

// RecordStored はストアへの書き込みを記録する。
func (c *Collector) RecordStored(action string) {
	c.stored.WithLabelValues(action).Inc()
}

// RecordRetry はリトライを記録する。
func (c *Collector) RecordRetry() {
	c.retries.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency は取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordCommit はバッチコミットを記録する。
func (c *Collector) RecordCommit(items int, duration time.Duration) {
	c.commits.Inc()
	c.commitLatency.Observe(duration.Seconds())
}

// SetWatermark はコミット済みウォーターマークを設定する。
func (c *Collector) SetWatermark(id int64) {
	c.watermark.Set(float64(id))
}

// SetPendingWrites は未コミット件数を設定する。
func (c *Collector) SetPendingWrites(n int) {
	c.pendingWrites.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。メトリクス無効時とテストで使用する。
type Nop struct{}

func (Nop) RecordFetched()                   {}
func (Nop) RecordAbsent()                    {}
func (Nop) RecordSkipped()                   {}
func (Nop) RecordPreserved()                 {}
func (Nop) RecordStored(string)              {}
func (Nop) RecordRetry()                     {}
func (Nop) RecordHTTPStatus(int)             {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordCommit(int, time.Duration)  {}
func (Nop) SetWatermark(int64)               {}
func (Nop) SetPendingWrites(int)             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
