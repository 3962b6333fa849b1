// ============================================================================
// Actionguard Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露 dispatch pipeline 的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - actionguard_dispatch_total{status}: 每種結果的 dispatch 數量
//        status = completed / failed / fresh / rejected / superseded / dropped
//      - actionguard_retries_total: 重試次數（每次退避等待前 +1）
//      - actionguard_failures_total{outcome}: 攔截鏈之後的失敗分類
//        outcome = suppressed / user_facing / fault
//      - actionguard_evictions_total: sequential 佇列的逐出數量
//      - actionguard_sync_requests_total{kind}: optimistic sync 送出的請求
//        kind = initial / follow_up
//
//   2. 延遲 (Histogram):
//      - actionguard_dispatch_duration_seconds: action 從開始到結束（含重試）
//
//   3. 狀態 (Gauge):
//      - actionguard_busy_keys: WaitingSet 中的 key 數量
//      - actionguard_queued_calls: 所有 sequential 佇列中等待的呼叫數
//
// Prometheus 查詢示例:
//
//   # 每分鐘被 throttle / non-reentrant 拒絕的數量
//   rate(actionguard_dispatch_total{status="rejected"}[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, actionguard_dispatch_duration_seconds_bucket)
//
// HTTP 端點:
//   Handler() 回傳 /metrics 的 http.Handler，StartServer 直接啟動伺服器
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "actionguard"

var log = slog.Default()

// Collector Prometheus 指標收集器
// 所有方法都可以在 nil 接收者上呼叫（不記錄任何東西）
type Collector struct {
	dispatches   *prometheus.CounterVec
	retries      prometheus.Counter
	failures     *prometheus.CounterVec
	evictions    prometheus.Counter
	syncRequests *prometheus.CounterVec

	duration prometheus.Histogram

	busyKeys    prometheus.Gauge
	queuedCalls prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 建立收集器並註冊到 reg
// reg 為 nil 時使用一個新的 registry
func NewCollector(reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of dispatches by final status",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts scheduled",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of failed dispatches by interception outcome",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total number of queued calls evicted by newer calls",
		}),
		syncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_requests_total",
			Help:      "Total number of optimistic sync requests sent",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Action run time in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		}),
		busyKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_keys",
			Help:      "Current number of keys in the waiting set",
		}),
		queuedCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_calls",
			Help:      "Current number of calls waiting in sequential queues",
		}),
		gatherer: reg,
	}

	// 註冊所有指標
	for _, col := range []prometheus.Collector{
		c.dispatches, c.retries, c.failures, c.evictions, c.syncRequests,
		c.duration, c.busyKeys, c.queuedCalls,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// RecordDispatch 記錄一次 dispatch 的最終狀態
func (c *Collector) RecordDispatch(status string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(status).Inc()
}

// RecordDuration 記錄 action 執行時間
func (c *Collector) RecordDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.duration.Observe(d.Seconds())
}

// RecordRetry 記錄一次重試
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// RecordFailure 記錄攔截鏈的結果
func (c *Collector) RecordFailure(outcome string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(outcome).Inc()
}

// RecordEviction 記錄 sequential 佇列逐出
func (c *Collector) RecordEviction() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

// RecordSyncRequest 記錄 optimistic sync 送出的請求
func (c *Collector) RecordSyncRequest(followUp bool) {
	if c == nil {
		return
	}
	kind := "initial"
	if followUp {
		kind = "follow_up"
	}
	c.syncRequests.WithLabelValues(kind).Inc()
}

// UpdateQueueStats 更新 WaitingSet 與佇列狀態統計
func (c *Collector) UpdateQueueStats(busy, queued int) {
	if c == nil {
		return
	}
	c.busyKeys.Set(float64(busy))
	c.queuedCalls.Set(float64(queued))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - *http.Server: 已啟動的伺服器，呼叫端負責 Shutdown
func (c *Collector) StartServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}
