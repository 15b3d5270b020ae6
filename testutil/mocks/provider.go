// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持固定响应、按调用顺序排队的响应、流式输出与错误注入场景。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/llm"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu sync.Mutex

	// 响应配置
	response     string
	responses    []string // 按调用顺序消费；耗尽后回落到 response
	streamChunks []string
	err          error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)

	// 行为控制
	delay     time.Duration // 模拟上游延迟
	failFirst int           // 前 N 次调用失败（配合 err 使用）
	callCount int
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Request *llm.ChatRequest
	Stream  bool
	Error   error
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		response:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithResponses 设置按调用顺序消费的响应序列
func (m *MockProvider) WithResponses(responses ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append([]string(nil), responses...)
	return m
}

// WithError 设置返回错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFailFirst 设置前 N 次调用失败，之后成功
func (m *MockProvider) WithFailFirst(n int, err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	m.err = err
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = append([]string(nil), chunks...)
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	return "mock"
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	fn := m.completionFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}

	if err := m.simulateDelay(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	if err := m.injectedError(); err != nil {
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: err})
		return nil, err
	}

	content := m.response
	if len(m.responses) > 0 {
		content = m.responses[0]
		m.responses = m.responses[1:]
	}

	m.calls = append(m.calls, MockProviderCall{Request: req})
	return &llm.ChatResponse{
		ID:       "mock-completion",
		Provider: "mock",
		Model:    req.Model,
		Choices: []llm.ChatChoice{
			{
				Index:        0,
				FinishReason: "stop",
				Message:      types.NewAssistantMessage(content),
			},
		},
		Usage: llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Stream 生成流式响应
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	fn := m.streamFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}

	m.mu.Lock()
	m.callCount++
	if err := m.injectedError(); err != nil {
		m.calls = append(m.calls, MockProviderCall{Request: req, Stream: true, Error: err})
		m.mu.Unlock()
		return nil, err
	}

	chunks := m.streamChunks
	if len(chunks) == 0 {
		chunks = []string{m.response}
	}
	usage := &llm.ChatUsage{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
	}
	delay := m.delay
	m.calls = append(m.calls, MockProviderCall{Request: req, Stream: true})
	m.mu.Unlock()

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, text := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case out <- llm.StreamChunk{
				Provider: "mock",
				Model:    req.Model,
				Delta:    types.Message{Role: types.RoleAssistant, Content: text},
			}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- llm.StreamChunk{
			Provider:     "mock",
			Model:        req.Model,
			FinishReason: "stop",
			Usage:        usage,
		}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// --- 调用记录访问 ---

// Calls 返回已记录的调用
func (m *MockProvider) Calls() []MockProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockProviderCall(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// --- 内部辅助 ---

// injectedError 根据 failFirst/err 配置决定本次调用是否失败（锁内调用）
func (m *MockProvider) injectedError() error {
	if m.err == nil {
		return nil
	}
	if m.failFirst > 0 && m.callCount > m.failFirst {
		return nil
	}
	return m.err
}

func (m *MockProvider) simulateDelay(ctx context.Context) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
