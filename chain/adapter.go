package chain

import (
	"context"

	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

// UsageSummary aggregates token and cost accounting across all completed
// stages of one run.
type UsageSummary struct {
	InputTokens  int                    `json:"input_tokens"`
	OutputTokens int                    `json:"output_tokens"`
	TotalTokens  int                    `json:"total_tokens"`
	CostUSD      float64                `json:"cost_usd"`
	Stages       map[string]StepMetrics `json:"stages,omitempty"`
}

// OutputChunk is the client-facing wire shape of the event stream, shaped
// like an incremental chat completion. Content is a pointer so the opening
// marker serializes an explicit empty string rather than being dropped.
type OutputChunk struct {
	Role         string        `json:"role,omitempty"`
	Content      *string       `json:"content,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *UsageSummary `json:"usage,omitempty"`
	Error        *types.Error  `json:"error,omitempty"`
}

// FinishReasonStop marks normal completion.
const FinishReasonStop = "stop"

// Adapt 将编排事件流转换为面向客户端的增量输出流：
//
//	首个 token 事件 -> 开场块 {role:"assistant", content:""} + 增量内容块
//	后续 token 事件 -> 增量内容块
//	done 事件       -> 终止块（finish_reason=stop + 聚合用量）
//	error 事件      -> 错误块，之后不再有任何输出
//
// 开场块随首个 token 出现，analyze/process 阶段对调用方完全不可见；
// 在首个 token 之前失败的运行只收到错误块。
//
// ctx 取消（调用方断开）时发送路径立即退出，上游事件被丢弃而不会
// 阻塞在满缓冲上。输入通道关闭后输出通道随之关闭。
func Adapt(ctx context.Context, events <-chan Event) <-chan OutputChunk {
	out := make(chan OutputChunk, 16)
	go func() {
		defer close(out)

		send := func(chunk OutputChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		started := false
		usage := &UsageSummary{Stages: make(map[string]StepMetrics)}

		for ev := range events {
			switch ev.Type {
			case EventToken:
				if !started {
					started = true
					empty := ""
					if !send(OutputChunk{Role: string(types.RoleAssistant), Content: &empty}) {
						return
					}
				}
				token := ev.Token
				if !send(OutputChunk{Content: &token}) {
					return
				}

			case EventStageComplete:
				if ev.Metrics != nil {
					usage.Stages[ev.Stage] = *ev.Metrics
					usage.InputTokens += ev.Metrics.InputTokens
					usage.OutputTokens += ev.Metrics.OutputTokens
					usage.CostUSD += ev.Metrics.CostUSD
				}

			case EventDone:
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				send(OutputChunk{FinishReason: FinishReasonStop, Usage: usage})
				return

			case EventError:
				send(OutputChunk{Error: ev.Err})
				return
			}
		}
	}()
	return out
}
