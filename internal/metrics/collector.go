// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 chain.MetricsSink
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 工作流指标
	workflowsTotal *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	gateRejections *prometheus.CounterVec

	// LLM 指标
	tokensUsed *prometheus.CounterVec
	llmCost    *prometheus.CounterVec

	// 弹性层指标
	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
// registerer 传 nil 使用默认全局注册表；测试应传入独立 Registry。
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 工作流指标
	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of workflow runs by terminal outcome",
		},
		[]string{"outcome"}, // outcome: success, error
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Per-stage execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	c.gateRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Total number of validation gate rejections",
		},
		[]string{"stage"},
	)

	// LLM 指标
	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"stage", "type"}, // type: prompt, completion
	)

	c.llmCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_total",
			Help:      "Total LLM cost in USD",
		},
		[]string{"model"},
	)

	// 弹性层指标
	c.breakerState = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// ⛓️ 工作流指标记录（chain.MetricsSink 实现）
// =============================================================================

// ObserveStageDuration 记录阶段耗时
func (c *Collector) ObserveStageDuration(stage string, seconds float64) {
	c.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// AddStageTokens 记录阶段 token 用量
func (c *Collector) AddStageTokens(stage string, inputTokens, outputTokens int) {
	c.tokensUsed.WithLabelValues(stage, "prompt").Add(float64(inputTokens))
	c.tokensUsed.WithLabelValues(stage, "completion").Add(float64(outputTokens))
}

// AddCost 记录模型调用成本
func (c *Collector) AddCost(model string, usd float64) {
	c.llmCost.WithLabelValues(model).Add(usd)
}

// IncGateRejection 记录校验门拒绝
func (c *Collector) IncGateRejection(stage string) {
	c.gateRejections.WithLabelValues(stage).Inc()
}

// IncWorkflow 记录工作流终态
func (c *Collector) IncWorkflow(outcome string) {
	c.workflowsTotal.WithLabelValues(outcome).Inc()
}

// =============================================================================
// ⚡ 弹性层指标记录
// =============================================================================

// RecordBreakerTransition 记录熔断器状态变更（接 circuitbreaker.OnStateChange）
func (c *Collector) RecordBreakerTransition(from, to string, toState int) {
	c.breakerState.Set(float64(toState))
	c.breakerTransitions.WithLabelValues(from, to).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
