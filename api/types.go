package api

import (
	"github.com/ChrisSc/prompt-chaining-sub000/chain"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

// =============================================================================
// 链式请求类型
// =============================================================================

// ChainRequest 代表一次工作流执行请求。
type ChainRequest struct {
	// 用于请求跟踪的跟踪 ID（可选，服务端会自动生成）
	TraceID string `json:"trace_id,omitempty"`
	// 用户身份（可选）
	UserID string `json:"user_id,omitempty"`
	// 对话消息，至少包含一条 user 消息
	Messages []Message `json:"messages"`
}

// Message 代表对话消息。
type Message struct {
	// 消息角色（system、user、assistant）
	Role string `json:"role"`
	// 消息内容
	Content string `json:"content"`
}

// ToChainRequest 将线格式请求转换为编排器请求。
func (r *ChainRequest) ToChainRequest() chain.Request {
	messages := make([]types.Message, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = types.Message{
			Role:    types.Role(m.Role),
			Content: m.Content,
		}
	}
	return chain.Request{
		TraceID:  r.TraceID,
		UserID:   r.UserID,
		Messages: messages,
	}
}
