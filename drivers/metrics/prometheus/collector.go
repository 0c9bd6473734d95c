// Package prometheus 限流指标收集
package prometheus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	ratelimiter "github.com/Fischlvor/go-distributed-ratelimiter"
	"github.com/Fischlvor/go-distributed-ratelimiter/pkg/logger"
)

const (
	MetricViolationsTotal          = "ratelimit_violations_total"
	MetricBlockedRequestsTotal     = "ratelimit_blocked_requests_total"
	MetricRequestsTotal            = "ratelimit_requests_total"
	MetricBannedIdentifiers        = "ratelimit_banned_identifiers"
	MetricActiveKeys               = "ratelimit_active_keys"
	MetricAvgRequestsPerIdentifier = "ratelimit_avg_requests_per_identifier"
	MetricViolationInterval        = "ratelimit_violation_interval_seconds"
)

// ViolationIntervalBuckets 违规间隔直方图分桶（秒）
var ViolationIntervalBuckets = []float64{1, 5, 10, 30, 60, 300, 600, 1800}

// StatsSource 全局统计来源
type StatsSource interface {
	GetSystemStats(ctx context.Context) (*ratelimiter.SystemStats, error)
}

// Snapshot 当前指标快照
type Snapshot struct {
	RequestsTotal            float64 `json:"requestsTotal"`
	ViolationsTotal          float64 `json:"violationsTotal"`
	BlockedRequestsTotal     float64 `json:"blockedRequestsTotal"`
	BannedIdentifiers        float64 `json:"bannedIdentifiers"`
	ActiveKeys               float64 `json:"activeKeys"`
	AvgRequestsPerIdentifier float64 `json:"avgRequestsPerIdentifier"`
	ViolationIntervalCount   uint64  `json:"violationIntervalCount"`
	ViolationIntervalSum     float64 `json:"violationIntervalSum"`
}

// Collector 限流指标收集器，拥有独立的registry
type Collector struct {
	source   StatsSource
	registry *prometheus.Registry

	violations *prometheus.CounterVec
	blocked    *prometheus.CounterVec
	requests   prometheus.Counter
	banned     prometheus.Gauge
	activeKeys prometheus.Gauge
	avgReqs    prometheus.Gauge
	intervals  prometheus.Histogram

	mu            sync.Mutex
	requestsTotal float64
}

var _ ratelimiter.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器
func NewCollector(source StatsSource) *Collector {
	c := &Collector{
		source:   source,
		registry: prometheus.NewRegistry(),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricViolationsTotal,
			Help: "Total number of rate limit violations.",
		}, []string{"ip", "user", "endpoint"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBlockedRequestsTotal,
			Help: "Total number of requests denied by the rate limiter.",
		}, []string{"ip", "user", "endpoint", "reason"}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRequestsTotal,
			Help: "Total number of requests checked by the rate limiter.",
		}),
		banned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricBannedIdentifiers,
			Help: "Number of currently banned identifiers.",
		}),
		activeKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveKeys,
			Help: "Number of live rate limit state keys.",
		}),
		avgReqs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricAvgRequestsPerIdentifier,
			Help: "Requests checked divided by live rate limit state keys.",
		}),
		intervals: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricViolationInterval,
			Help:    "Seconds between consecutive violations of one identifier.",
			Buckets: ViolationIntervalBuckets,
		}),
	}

	c.registry.MustRegister(
		c.violations,
		c.blocked,
		c.requests,
		c.banned,
		c.activeKeys,
		c.avgReqs,
		c.intervals,
	)
	return c
}

func userLabel(id ratelimiter.Identifier) string {
	if id.UserID == "" {
		return "anonymous"
	}
	return id.UserID
}

// ObserveRequest 记录一次准入判定
func (c *Collector) ObserveRequest(id ratelimiter.Identifier, outcome ratelimiter.Outcome) {
	c.requests.Inc()
	c.mu.Lock()
	c.requestsTotal++
	c.mu.Unlock()

	if !outcome.Permitted() {
		c.blocked.WithLabelValues(id.IP, userLabel(id), id.Path, string(outcome)).Inc()
	}
}

// ObserveViolation 记录一次违规，sinceLast为0表示首次违规
func (c *Collector) ObserveViolation(id ratelimiter.Identifier, count int64, sinceLast time.Duration) {
	c.violations.WithLabelValues(id.IP, userLabel(id), id.Path).Inc()
	if sinceLast > 0 {
		c.intervals.Observe(sinceLast.Seconds())
	}
}

// Refresh 从存储拉取全局统计更新仪表
func (c *Collector) Refresh(ctx context.Context) error {
	stats, err := c.source.GetSystemStats(ctx)
	if err != nil {
		return fmt.Errorf("获取全局统计失败: %w", err)
	}

	c.banned.Set(float64(stats.BannedIdentifiers))
	c.activeKeys.Set(float64(stats.TotalActiveKeys))

	c.mu.Lock()
	total := c.requestsTotal
	c.mu.Unlock()
	if stats.TotalActiveKeys > 0 {
		c.avgReqs.Set(total / float64(stats.TotalActiveKeys))
	} else {
		c.avgReqs.Set(0)
	}
	return nil
}

// Run 立即刷新一次，之后按interval周期刷新，直到ctx取消
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	c.refresh(ctx, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.refresh(ctx, interval)
		case <-ctx.Done():
			logger.Info("指标刷新已停止")
			return
		}
	}
}

func (c *Collector) refresh(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("刷新限流指标失败", "error", err)
	}
}

// GetCurrentMetrics 返回当前指标快照
func (c *Collector) GetCurrentMetrics() (*Snapshot, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("采集指标失败: %w", err)
	}

	s := &Snapshot{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetName() {
			case MetricRequestsTotal:
				s.RequestsTotal += m.GetCounter().GetValue()
			case MetricViolationsTotal:
				s.ViolationsTotal += m.GetCounter().GetValue()
			case MetricBlockedRequestsTotal:
				s.BlockedRequestsTotal += m.GetCounter().GetValue()
			case MetricBannedIdentifiers:
				s.BannedIdentifiers = m.GetGauge().GetValue()
			case MetricActiveKeys:
				s.ActiveKeys = m.GetGauge().GetValue()
			case MetricAvgRequestsPerIdentifier:
				s.AvgRequestsPerIdentifier = m.GetGauge().GetValue()
			case MetricViolationInterval:
				s.ViolationIntervalCount += m.GetHistogram().GetSampleCount()
				s.ViolationIntervalSum += m.GetHistogram().GetSampleSum()
			}
		}
	}
	return s, nil
}

// WriteText 以Prometheus文本格式输出所有指标
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("采集指标失败: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("输出指标失败: %w", err)
		}
	}
	return nil
}

// Handler 指标导出HTTP处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 底层registry，可用于注册额外指标
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
