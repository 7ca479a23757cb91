package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily はレジストリから指定名のメトリクスファミリーを取得する。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestCounters_Increment は単純なカウンタがそれぞれ増加することを検証する。
func TestCounters_Increment(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetched()
	c.RecordFetched()
	c.RecordAbsent()
	c.RecordSkipped()
	c.RecordSkipped()
	c.RecordSkipped()
	c.RecordPreserved()
	c.RecordRetry()
	c.RecordRetry()

	tests := []struct {
		name string
		want float64
	}{
		{"hnarchive_items_fetched_total", 2},
		{"hnarchive_items_absent_total", 1},
		{"hnarchive_items_skipped_total", 3},
		{"hnarchive_items_preserved_total", 1},
		{"hnarchive_fetch_retries_total", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf := findMetricFamily(t, reg, tt.name)
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

// TestRecordStored_IncrementsCounterWithLabel は書き込みカウンタがaction別に増加することを検証する。
func TestRecordStored_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStored("insert")
	c.RecordStored("insert")
	c.RecordStored("overwrite")

	mf := findMetricFamily(t, reg, "hnarchive_items_stored_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "insert":
			if val != 2 {
				t.Errorf("items_stored_total{action=insert} = %v, want 2", val)
			}
		case "overwrite":
			if val != 1 {
				t.Errorf("items_stored_total{action=overwrite} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(503)

	mf := findMetricFamily(t, reg, "hnarchive_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "503":
			if val != 1 {
				t.Errorf("http_status_total{status_code=503} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestRecordFetchLatency_ObservesHistogram は取得レイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordFetchLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchLatency(100 * time.Millisecond)
	c.RecordFetchLatency(2 * time.Second)

	h := findMetricFamily(t, reg, "hnarchive_fetch_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

// TestRecordCommit_CountsAndObserves はコミット数とコミットレイテンシが記録されることを検証する。
func TestRecordCommit_CountsAndObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCommit(200, 50*time.Millisecond)
	c.RecordCommit(13, 10*time.Millisecond)

	if got := findMetricFamily(t, reg, "hnarchive_commits_total").GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("commits_total = %v, want 2", got)
	}
	h := findMetricFamily(t, reg, "hnarchive_commit_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("commit_latency sample_count = %d, want 2", h.GetSampleCount())
	}
}

// TestGauges_Set はゲージが最後に設定した値を保持することを検証する。
func TestGauges_Set(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetWatermark(100)
	c.SetWatermark(105)
	c.SetPendingWrites(7)
	c.SetPendingWrites(0)

	if got := findMetricFamily(t, reg, "hnarchive_watermark").GetMetric()[0].GetGauge().GetValue(); got != 105 {
		t.Errorf("watermark = %v, want 105", got)
	}
	if got := findMetricFamily(t, reg, "hnarchive_pending_writes").GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Errorf("pending_writes = %v, want 0", got)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetched()
	c.RecordStored("insert")
	c.RecordHTTPStatus(200)
	c.RecordFetchLatency(500 * time.Millisecond)
	c.SetWatermark(42)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"hnarchive_items_fetched_total",
		"hnarchive_items_stored_total",
		"hnarchive_http_status_total",
		"hnarchive_fetch_latency_seconds",
		"hnarchive_watermark 42",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorとNopがMetricsCollectorを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
	var _ MetricsCollector = Nop{}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordFetched()
	c1.RecordFetched()
	c2.RecordFetched()

	if got := findMetricFamily(t, reg1, "hnarchive_items_fetched_total").GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("reg1 fetched = %v, want 2", got)
	}
	if got := findMetricFamily(t, reg2, "hnarchive_items_fetched_total").GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("reg2 fetched = %v, want 1", got)
	}
}
