// Package circuitbreaker 提供进程级共享的熔断器，保护下游 LLM 依赖。
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// OpenTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	OpenTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许的最大探测请求数
	HalfOpenMaxCalls int

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker 熔断器接口。
// 整个进程内同一下游依赖共享一个实例，跨并发请求维护聚合健康状态。
type CircuitBreaker interface {
	// Call 执行调用，如果熔断器打开则立即返回 CIRCUIT_OPEN 错误（不发起调用）
	Call(ctx context.Context, fn func() error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// Allow 仅做准入检查（流式调用场景：调用方自行汇报结果）
	Allow() error

	// RecordSuccess 汇报一次成功（配合 Allow 使用）
	RecordSuccess()

	// RecordFailure 汇报一次失败（配合 Allow 使用）
	RecordFailure(err error)

	// State 获取当前状态
	State() State

	// Failures 获取当前连续失败计数
	Failures() int

	// Reset 重置熔断器（手动恢复）
	Reset()
}

// breaker 熔断器实现
type breaker struct {
	config *Config
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	failureCount      int       // 连续失败次数
	openedAt          time.Time // 进入 Open 状态的时间
	halfOpenCallCount int       // 半开状态下已放行的探测数
}

// New 创建熔断器
func New(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}

	return &breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  StateClosed,
	}
}

// ErrCircuitOpen 熔断器打开时返回的哨兵错误
var ErrCircuitOpen = types.NewError(types.ErrCircuitOpen, "circuit breaker open")

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult
// 核心逻辑：准入检查 + 失败计数 + 状态机转换
func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.Allow(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		// 取消不计入失败：调用方放弃，不代表下游不健康
		return nil, err
	}

	result, err := fn()
	if err != nil {
		b.RecordFailure(err)
		return nil, err
	}

	b.RecordSuccess()
	return result, nil
}

// Allow 实现 CircuitBreaker.Allow
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		// 检查是否可以进入半开状态
		if time.Since(b.openedAt) >= b.config.OpenTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 1
			return nil
		}
		remaining := b.config.OpenTimeout - time.Since(b.openedAt)
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit breaker open: %d consecutive failures, retry after %s",
				b.failureCount, remaining.Round(time.Millisecond))).
			WithDetail("failures", b.failureCount).
			WithDetail("retry_after", remaining.String())

	case StateHalfOpen:
		// 半开状态，限制探测数
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return types.NewError(types.ErrCircuitOpen,
				fmt.Sprintf("circuit breaker half-open: max probes (%d) in flight", b.config.HalfOpenMaxCalls))
		}
		b.halfOpenCallCount++
		return nil

	default:
		return types.NewError(types.ErrInternalError,
			fmt.Sprintf("unknown circuit breaker state: %d", b.state))
	}
}

// RecordSuccess 实现 CircuitBreaker.RecordSuccess
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		// 探测成功，恢复到关闭状态
		b.logger.Info("circuit breaker recovered",
			zap.Int("half_open_calls", b.halfOpenCallCount),
		)
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0
	}
}

// RecordFailure 实现 CircuitBreaker.RecordFailure
// 仅瞬态错误（限流/5xx/超时/连接失败）计入熔断计数：
// 鉴权失败、请求格式错误不反映下游健康状况。
func (b *breaker) RecordFailure(err error) {
	if !types.IsTransient(err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.openedAt = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 半开状态下任何失败都重新熔断
		b.logger.Warn("circuit breaker reopened after failed probe",
			zap.Int("half_open_calls", b.halfOpenCallCount),
		)
		b.setState(StateOpen)
		b.halfOpenCallCount = 0
	}
}

// setState 设置状态并触发回调（必须在锁内调用）
func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 实现 CircuitBreaker.Failures
func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0

	b.logger.Info("circuit breaker reset",
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}
