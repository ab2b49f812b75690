// ============================================================================
// fogdeck Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 node 存活、輪詢週期與任務操作的指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. Node 存活：
//      - fogdeck_health_checks_total{result}: 健康檢查次數（online/offline）
//      - fogdeck_health_check_duration_seconds: 健康檢查耗時
//      - fogdeck_nodes / fogdeck_nodes_online: 目前 node 數與在線數
//
//   2. 聚合輪詢：
//      - fogdeck_poll_cycles_total{mode}: 已套用的週期（focused/broadcast）
//      - fogdeck_poll_cycles_skipped_total{reason}: 被丟棄的週期（stale/cancelled/panic）
//      - fogdeck_poll_duration_seconds: 週期耗時
//      - fogdeck_jobs_visible: 最近一次發布的任務數
//      - fogdeck_fetch_failures_total: 單一 node 抓取失敗次數
//
//   3. 任務操作：
//      - fogdeck_uploads_total{result} / fogdeck_deletes_total{result}
//
// Prometheus 查詢示例:
//
//   # node 離線比例
//   1 - fogdeck_nodes_online / fogdeck_nodes
//
//   # 每分鐘抓取失敗
//   rate(fogdeck_fetch_failures_total[1m])
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果標籤
const (
	resultOK    = "ok"
	resultError = "error"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// node 存活
	healthChecks   *prometheus.CounterVec
	healthDuration prometheus.Histogram
	nodes          prometheus.Gauge
	nodesOnline    prometheus.Gauge

	// 聚合輪詢
	pollCycles    *prometheus.CounterVec
	pollSkipped   *prometheus.CounterVec
	pollDuration  prometheus.Histogram
	jobsVisible   prometheus.Gauge
	fetchFailures prometheus.Counter

	// 任務操作
	uploads *prometheus.CounterVec
	deletes *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fogdeck_health_checks_total",
			Help: "Total number of node health checks by result",
		}, []string{"result"}),
		healthDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fogdeck_health_check_duration_seconds",
			Help:    "Node health check duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fogdeck_nodes",
			Help: "Current number of registered nodes",
		}),
		nodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fogdeck_nodes_online",
			Help: "Current number of online nodes",
		}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fogdeck_poll_cycles_total",
			Help: "Total number of applied aggregation cycles by mode",
		}, []string{"mode"}),
		pollSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fogdeck_poll_cycles_skipped_total",
			Help: "Total number of aggregation cycles discarded by reason",
		}, []string{"reason"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fogdeck_poll_duration_seconds",
			Help:    "Aggregation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fogdeck_jobs_visible",
			Help: "Number of jobs in the last published view",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fogdeck_fetch_failures_total",
			Help: "Total number of failed per-node job list fetches",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fogdeck_uploads_total",
			Help: "Total number of document uploads by result",
		}, []string{"result"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fogdeck_deletes_total",
			Help: "Total number of job deletions by result",
		}, []string{"result"}),
	}

	// 註冊所有指標
	prometheus.MustRegister(
		c.healthChecks,
		c.healthDuration,
		c.nodes,
		c.nodesOnline,
		c.pollCycles,
		c.pollSkipped,
		c.pollDuration,
		c.jobsVisible,
		c.fetchFailures,
		c.uploads,
		c.deletes,
	)

	return c
}

// ObserveHealthCheck 記錄一次健康檢查
func (c *Collector) ObserveHealthCheck(online bool, duration time.Duration) {
	result := "offline"
	if online {
		result = "online"
	}
	c.healthChecks.WithLabelValues(result).Inc()
	c.healthDuration.Observe(duration.Seconds())
}

// SetNodeCounts 更新 node 數量
func (c *Collector) SetNodeCounts(total, online int) {
	c.nodes.Set(float64(total))
	c.nodesOnline.Set(float64(online))
}

// ObserveCycle 記錄一次已套用的聚合週期
func (c *Collector) ObserveCycle(mode string, jobs int, duration time.Duration) {
	c.pollCycles.WithLabelValues(mode).Inc()
	c.pollDuration.Observe(duration.Seconds())
	c.jobsVisible.Set(float64(jobs))
}

// RecordSkippedCycle 記錄被丟棄的聚合週期
func (c *Collector) RecordSkippedCycle(reason string) {
	c.pollSkipped.WithLabelValues(reason).Inc()
}

// RecordFetchFailure 記錄單一 node 抓取失敗
func (c *Collector) RecordFetchFailure() {
	c.fetchFailures.Inc()
}

// RecordUpload 記錄上傳結果
func (c *Collector) RecordUpload(err error) {
	c.uploads.WithLabelValues(result(err)).Inc()
}

// RecordDelete 記錄刪除結果
func (c *Collector) RecordDelete(err error) {
	c.deletes.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
