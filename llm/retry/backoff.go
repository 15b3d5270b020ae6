// Package retry 提供指数退避重试能力，配合熔断器构成调用弹性层。
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxAttempts int                                               // 总尝试次数（含首次，最小 1）
	Multiplier  float64                                           // 退避基数（秒）：delay = multiplier * 2^(attempt-1)
	MaxDelay    time.Duration                                     // 最大延迟时间
	Jitter      bool                                              // 是否添加随机抖动（防止雪崩）
	OnRetry     func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认的重试策略
// 适用于大部分 LLM API 调用场景
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		Multiplier:  1.0,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败且错误可重试时按策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败且错误可重试时按策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1.0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}

	return &backoffRetryer{
		policy: policy,
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult
// 核心重试逻辑：指数退避 + 随机抖动 + 错误分类过滤
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		// 第一次执行不延迟
		if attempt > 1 {
			delay := r.calculateDelay(attempt - 1)

			r.logger.Debug("retrying call",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			// 等待延迟，同时监听 context 取消
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded",
					zap.Int("attempt", attempt),
				)
			}
			return result, nil
		}
		lastErr = err

		// 不可重试的错误立即返回，不消耗重试预算
		if !types.IsRetryable(err) {
			r.logger.Debug("error not retryable",
				zap.Error(err),
			)
			return nil, err
		}
	}

	// 重试预算耗尽
	r.logger.Warn("retry budget exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)

	return nil, types.NewError(types.ErrRetryExhausted,
		fmt.Sprintf("call failed after %d attempts", r.policy.MaxAttempts)).
		WithCause(lastErr)
}

// calculateDelay 计算第 n 次重试前的延迟
// delay = min(multiplier * 2^(n-1), maxDelay)，可选 ±25% 抖动
func (r *backoffRetryer) calculateDelay(retryIndex int) time.Duration {
	seconds := r.policy.Multiplier * math.Pow(2, float64(retryIndex-1))
	delay := time.Duration(seconds * float64(time.Second))

	if delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}

	if r.policy.Jitter {
		jitter := float64(delay) * 0.25
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
	}

	if delay < 0 {
		delay = 0
	}

	return delay
}
