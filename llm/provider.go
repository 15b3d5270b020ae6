package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

type ChatRequest struct {
	TraceID     string            `json:"trace_id"`
	UserID      string            `json:"user_id,omitempty"`
	Model       string            `json:"model"`
	Messages    []types.Message   `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"` // 以 USD 计
}

type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

type StreamChunk struct {
	ID           string        `json:"id,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	Index        int           `json:"index,omitempty"`
	Delta        types.Message `json:"delta"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *ChatUsage    `json:"usage,omitempty"` // 最终 chunk 可带 usage
	Err          *types.Error  `json:"error,omitempty"`
}

// Provider 定义了统一的 LLM 适配接口。
// 实现方负责把上游错误归类为 types.Error（限流/5xx/超时/连接错误可重试，
// 鉴权与请求格式错误不可重试），以便弹性层正确计数。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道。
	// 通道在流结束或出错后关闭；错误通过最后一个 chunk 的 Err 字段传递。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}

// Text 返回首个 choice 的文本内容，空响应返回空串。
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ClassifyStatus 将上游 HTTP 状态码映射为统一错误。
// Provider 实现在收到非 2xx 响应时应使用该映射。
func ClassifyStatus(status int, message string) *types.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, message).
			WithHTTPStatus(status).WithRetryable(true)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, message).
			WithHTTPStatus(status).WithRetryable(false)
	case status == http.StatusBadRequest:
		return types.NewError(types.ErrInvalidRequest, message).
			WithHTTPStatus(status).WithRetryable(false)
	case status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, message).
			WithHTTPStatus(status).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUpstreamError, message).
			WithHTTPStatus(status).WithRetryable(true)
	default:
		return types.NewError(types.ErrUpstreamError, message).
			WithHTTPStatus(status).WithRetryable(false)
	}
}
