package llm

import (
	"context"

	"github.com/ChrisSc/prompt-chaining-sub000/llm/circuitbreaker"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/retry"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"go.uber.org/zap"
)

// ResilientProvider 具有弹性能力的 Provider 包装器。
// 遵循装饰器模式：为底层 Provider 增加重试与熔断，不修改其代码。
// 每个阶段的模型调用都经过这一层；熔断器是进程级共享实例，
// 重试只发生在熔断器放行之后，整轮重试耗尽只计一次熔断失败。
type ResilientProvider struct {
	provider Provider
	retryer  retry.Retryer
	breaker  circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewResilientProvider 创建具有弹性能力的 Provider。
// retryer 或 breaker 传 nil 表示关闭对应能力。
func NewResilientProvider(
	provider Provider,
	retryer retry.Retryer,
	breaker circuitbreaker.CircuitBreaker,
	logger *zap.Logger,
) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResilientProvider{
		provider: provider,
		retryer:  retryer,
		breaker:  breaker,
		logger:   logger.With(zap.String("component", "resilient_provider")),
	}
}

// Completion 实现 Provider.Completion
// 组合顺序：熔断器准入 -> 重试循环 -> 底层调用。
func (rp *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	callFn := func() (any, error) {
		return rp.provider.Completion(ctx, req)
	}

	retriedFn := callFn
	if rp.retryer != nil {
		retriedFn = func() (any, error) {
			return rp.retryer.DoWithResult(ctx, callFn)
		}
	}

	var result any
	var err error
	if rp.breaker != nil {
		result, err = rp.breaker.CallWithResult(ctx, retriedFn)
	} else {
		result, err = retriedFn()
	}

	if err != nil {
		rp.logger.Warn("completion failed",
			zap.String("trace_id", req.TraceID),
			zap.String("model", req.Model),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err),
		)
		return nil, err
	}

	return result.(*ChatResponse), nil
}

// Stream 实现 Provider.Stream
// 流式调用不重试（流一旦开始就无法透明重放），仅由熔断器保护：
// 准入检查后放行，流的最终结果回报给熔断器。
func (rp *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if rp.breaker != nil {
		if err := rp.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	upstream, err := rp.provider.Stream(ctx, req)
	if err != nil {
		if rp.breaker != nil {
			rp.breaker.RecordFailure(err)
		}
		return nil, err
	}

	if rp.breaker == nil {
		return upstream, nil
	}

	// 转发上游 chunk，并在流终止时回报结果
	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		failed := false
		for chunk := range upstream {
			if chunk.Err != nil {
				failed = true
				rp.breaker.RecordFailure(chunk.Err)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// 调用方断开：不计入失败，排空上游后退出
				for range upstream {
				}
				return
			}
		}

		if !failed {
			rp.breaker.RecordSuccess()
		}
	}()

	return out, nil
}

// Name 实现 Provider.Name
func (rp *ResilientProvider) Name() string {
	return rp.provider.Name()
}
