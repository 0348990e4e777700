// Package metrics 基于 Prometheus 汇总调度、执行、缓存与 HTTP 层的指标，
// 并通过 /metrics 暴露。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

const namespace = "xeros"

// Collector 同时实现 scheduler.Recorder、workflow.Observer 与 cache.Recorder。
type Collector struct {
	registry *prometheus.Registry

	runsSubmitted *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsRunning   *prometheus.GaugeVec
	queueWait     *prometheus.HistogramVec
	runDuration   *prometheus.HistogramVec

	stepAttempts *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New 创建独立注册表上的指标集合，并附带 Go 运行时与进程指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runs", Name: "submitted_total",
			Help: "已提交的运行数。",
		}, []string{"chain"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runs", Name: "finished_total",
			Help: "按终态统计的运行数。",
		}, []string{"chain", "status"}),
		runsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runs", Name: "running",
			Help: "正在执行的运行数。",
		}, []string{"chain"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "runs", Name: "queue_wait_seconds",
			Help:    "运行从提交到开始执行的等待时间。",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"chain"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "runs", Name: "duration_seconds",
			Help:    "运行从开始到终态的耗时。",
			Buckets: prometheus.ExponentialBuckets(0.05, 3, 9),
		}, []string{"chain", "status"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "steps", Name: "attempts_total",
			Help: "步骤尝试次数，按最终状态划分。",
		}, []string{"chain", "step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "steps", Name: "duration_seconds",
			Help:    "步骤耗时，包含重试。",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain", "step"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "步骤结果缓存命中次数。",
		}, []string{"chain", "step"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "步骤结果缓存未命中次数。",
		}, []string{"chain", "step"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP 请求数。",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP 请求耗时。",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runsSubmitted, c.runsFinished, c.runsRunning, c.queueWait, c.runDuration,
		c.stepAttempts, c.stepDuration,
		c.cacheHits, c.cacheMisses,
		c.httpRequests, c.httpLatency,
	)
	return c
}

// Registry 返回底层注册表，便于附加其他指标。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler 返回以 Prometheus 文本格式输出指标的 HTTP 处理器。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RunSubmitted 记录一次提交。
func (c *Collector) RunSubmitted(chainID string) {
	c.runsSubmitted.WithLabelValues(chainID).Inc()
}

// RunStarted 记录排队时长。
func (c *Collector) RunStarted(chainID string, queued time.Duration) {
	if queued < 0 {
		queued = 0
	}
	c.queueWait.WithLabelValues(chainID).Observe(queued.Seconds())
}

// RunFinished 记录终态与耗时。未开始即结束的运行耗时按零计。
func (c *Collector) RunFinished(chainID string, status workflow.ChainStatus, elapsed time.Duration) {
	c.runsFinished.WithLabelValues(chainID, string(status)).Inc()
	if elapsed < 0 || elapsed > 365*24*time.Hour {
		elapsed = 0
	}
	c.runDuration.WithLabelValues(chainID, string(status)).Observe(elapsed.Seconds())
}

// ChainStarted 实现 workflow.Observer。
func (c *Collector) ChainStarted(_ context.Context, ec *workflow.ExecutionContext, _ *workflow.ChainDefinition) {
	c.runsRunning.WithLabelValues(ec.ChainID()).Inc()
}

// StepFinished 实现 workflow.Observer。跳过的步骤与缓存命中没有尝试次数，不计入。
func (c *Collector) StepFinished(_ context.Context, ec *workflow.ExecutionContext, step workflow.StepDefinition, result workflow.StepResult) {
	if result.Attempts <= 0 {
		return
	}
	c.stepAttempts.WithLabelValues(ec.ChainID(), step.Name, string(result.Status)).Add(float64(result.Attempts))
	c.stepDuration.WithLabelValues(ec.ChainID(), step.Name).Observe(result.Duration.Seconds())
}

// ChainFinished 实现 workflow.Observer。
func (c *Collector) ChainFinished(_ context.Context, ec *workflow.ExecutionContext, _ *workflow.ChainDefinition, _ workflow.ChainStatus, _ error) {
	c.runsRunning.WithLabelValues(ec.ChainID()).Dec()
}

// CacheHit 实现 cache.Recorder。
func (c *Collector) CacheHit(chainID, step string) {
	c.cacheHits.WithLabelValues(chainID, step).Inc()
}

// CacheMiss 实现 cache.Recorder。
func (c *Collector) CacheMiss(chainID, step string) {
	c.cacheMisses.WithLabelValues(chainID, step).Inc()
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

var _ workflow.Observer = (*Collector)(nil)
