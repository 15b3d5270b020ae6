package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/config"
	"github.com/ChrisSc/prompt-chaining-sub000/llm"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	defaultTimeout = 120 * time.Second

	// Anthropic 特有的过载状态码
	statusOverloaded = 529
)

// Provider 实现 Anthropic Messages API 的 LLM Provider。
// 与 OpenAI 风格 API 的差异：
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. system 消息单独传递（不在 messages 数组中）
// 3. 流式响应使用带事件类型的 SSE，usage 分散在 message_start 和 message_delta 中
type Provider struct {
	cfg    config.LLMConfig
	client *http.Client
	logger *zap.Logger
}

// New 创建 Anthropic Provider。
// cfg.Timeout 是 HTTP 客户端的总超时上限，各阶段通过 ctx 进一步收紧。
func New(cfg config.LLMConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(zap.String("component", "provider.anthropic")),
	}
}

func (p *Provider) Name() string { return "anthropic" }

// =============================================================================
// 请求/响应结构（Anthropic 线上格式）
// =============================================================================

type anthropicMessage struct {
	Role    string `json:"role"` // user 或 assistant
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"` // system 消息单独传递
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Metadata    *anthropicMetadata `json:"metadata,omitempty"`
}

// anthropicMetadata 携带请求元数据，user_id 用于上游侧的滥用追踪与关联。
type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicContent struct {
	Type string `json:"type"` // text
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      *anthropicUsage    `json:"usage,omitempty"`
}

// 流式事件：message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop
type anthropicStreamEvent struct {
	Type    string             `json:"type"`
	Index   int                `json:"index,omitempty"`
	Delta   *anthropicDelta    `json:"delta,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *anthropicAPIError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type"` // text_delta
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicErrorResp struct {
	Type  string            `json:"type"`
	Error anthropicAPIError `json:"error"`
}

// =============================================================================
// 请求构建
// =============================================================================

func (p *Provider) buildHeaders(req *http.Request, chat *llm.ChatRequest) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// 跟踪 ID 透传给上游，便于跨系统关联请求
	if chat.TraceID != "" {
		req.Header.Set("X-Request-ID", chat.TraceID)
	}
}

// convertMessages 将统一消息格式转换为 Anthropic 格式。
// system 消息提取到单独的 system 字段；messages 数组只保留 user/assistant。
func convertMessages(msgs []types.Message) (string, []anthropicMessage) {
	var system string
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = m.Content
			continue
		}
		if m.Content == "" {
			continue
		}
		out = append(out, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return system, out
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) ([]byte, error) {
	system, messages := convertMessages(req.Messages)
	if len(messages) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "no user or assistant messages in request")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// Anthropic 要求必须提供 max_tokens
		maxTokens = 4096
	}
	body := anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.UserID != "" {
		body.Metadata = &anthropicMetadata{UserID: req.UserID}
	}
	return json.Marshal(body)
}

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))
}

// =============================================================================
// 同步补全
// =============================================================================

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	payload, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build request").WithCause(err)
	}
	p.buildHeaders(httpReq, req)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapStatusErr(resp.StatusCode, readErrMsg(resp.Body))
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode response").
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}

	return toChatResponse(ar, p.Name()), nil
}

// =============================================================================
// 流式补全
// =============================================================================

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	payload, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build request").WithCause(err)
	}
	p.buildHeaders(httpReq, req)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapStatusErr(resp.StatusCode, readErrMsg(resp.Body))
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		p.consumeStream(ctx, resp.Body, ch)
	}()

	return ch, nil
}

// consumeStream 解析 SSE 事件流并转换为统一 chunk。
// usage 分两段累积：input_tokens 来自 message_start，output_tokens 来自
// message_delta；最终 chunk 携带 FinishReason 与汇总 usage。
func (p *Provider) consumeStream(ctx context.Context, body io.Reader, ch chan<- llm.StreamChunk) {
	reader := bufio.NewReader(body)

	var (
		currentID    string
		currentModel string
		inputTokens  int
		outputTokens int
		stopReason   string
	)

	emit := func(chunk llm.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				emit(llm.StreamChunk{Err: classifyTransportErr(err)})
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			emit(llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, "decode stream event").
				WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithCause(err)})
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				currentID = event.Message.ID
				currentModel = event.Message.Model
				if event.Message.Usage != nil {
					inputTokens = event.Message.Usage.InputTokens
				}
			}

		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				ok := emit(llm.StreamChunk{
					ID:       currentID,
					Provider: p.Name(),
					Model:    currentModel,
					Index:    event.Index,
					Delta:    types.Message{Role: types.RoleAssistant, Content: event.Delta.Text},
				})
				if !ok {
					return
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			emit(llm.StreamChunk{
				ID:           currentID,
				Provider:     p.Name(),
				Model:        currentModel,
				FinishReason: mapStopReason(stopReason),
				Usage: &llm.ChatUsage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			})
			return

		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			emit(llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, msg).
				WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)})
			return
		}
	}
}

// =============================================================================
// 响应与错误转换
// =============================================================================

func toChatResponse(ar anthropicResponse, provider string) *llm.ChatResponse {
	var text strings.Builder
	for _, c := range ar.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	resp := &llm.ChatResponse{
		ID:       ar.ID,
		Provider: provider,
		Model:    ar.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: mapStopReason(ar.StopReason),
			Message:      types.NewAssistantMessage(text.String()),
		}},
		CreatedAt: time.Now(),
	}
	if ar.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		}
	}
	return resp
}

// mapStopReason 将 Anthropic 的终止原因归一化。
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var er anthropicErrorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", er.Error.Message, er.Error.Type)
	}
	return string(data)
}

// mapStatusErr 将上游 HTTP 状态码映射为统一错误。
// 529 是 Anthropic 特有的过载状态码，视为可重试的上游错误。
func mapStatusErr(status int, msg string) *types.Error {
	if status == statusOverloaded {
		return types.NewError(types.ErrUpstreamError, msg).
			WithHTTPStatus(status).WithRetryable(true)
	}
	return llm.ClassifyStatus(status, msg)
}

// classifyTransportErr 将传输层错误归类：超时与连接错误均可重试。
func classifyTransportErr(err error) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, err.Error()).
			WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrConnection, err.Error()).WithCause(err)
	}
	return types.NewError(types.ErrConnection, err.Error()).
		WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithCause(err)
}
