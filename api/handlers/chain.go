package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/api"
	"github.com/ChrisSc/prompt-chaining-sub000/chain"
	"github.com/ChrisSc/prompt-chaining-sub000/internal/ctxkeys"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// =============================================================================
// 🔗 工作流接口 Handler
// =============================================================================

// ChainRunner 是处理器对编排器的最小依赖面。
type ChainRunner interface {
	Run(ctx context.Context, req chain.Request) <-chan chain.Event
}

// ChainHandler 工作流执行处理器
type ChainHandler struct {
	runner ChainRunner
	logger *zap.Logger
}

// NewChainHandler 创建工作流处理器
func NewChainHandler(runner ChainRunner, logger *zap.Logger) *ChainHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainHandler{
		runner: runner,
		logger: logger.With(zap.String("component", "handler.chain")),
	}
}

// HandleStream 以 SSE 形式执行工作流并流式返回增量输出。
// 每个块以 `data: {json}\n\n` 发送，流结束后追加 `data: [DONE]\n\n`。
// 错误发生在流中时以错误块传递，之后不再有任何输出。
func (h *ChainHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChainRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := validateChainRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	// 认证后的主体覆盖请求体中的 user_id
	if uid, ok := ctxkeys.UserID(r.Context()); ok {
		req.UserID = uid
	}

	// SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	start := time.Now()
	ctx := r.Context()
	chunks := chain.Adapt(ctx, h.runner.Run(ctx, req.ToChainRequest()))

	for chunk := range chunks {
		payload, err := json.Marshal(chunk)
		if err != nil {
			h.logger.Error("failed to encode chunk", zap.Error(err))
			return
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()

		if chunk.Error != nil {
			h.logger.Warn("chain stream terminated with error",
				zap.String("trace_id", req.TraceID),
				zap.String("code", string(chunk.Error.Code)),
				zap.String("phase", chunk.Error.Phase),
				zap.Duration("duration", time.Since(start)),
			)
			// 错误块之后不发送 [DONE]
			return
		}
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	h.logger.Info("chain stream completed",
		zap.String("trace_id", req.TraceID),
		zap.Duration("duration", time.Since(start)),
	)
}

// HandleWS 以 WebSocket 形式执行工作流。
// 客户端发送一条 ChainRequest JSON 消息，服务端逐块回写 OutputChunk，
// 流结束后以正常状态码关闭连接。
func (h *ChainHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")

	ctx := r.Context()

	var req api.ChainRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request")
		return
	}
	if verr := validateChainRequest(&req); verr != nil {
		_ = wsjson.Write(ctx, conn, chain.OutputChunk{Error: verr})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	if uid, ok := ctxkeys.UserID(ctx); ok {
		req.UserID = uid
	}

	chunks := chain.Adapt(ctx, h.runner.Run(ctx, req.ToChainRequest()))
	for chunk := range chunks {
		if err := wsjson.Write(ctx, conn, chunk); err != nil {
			h.logger.Warn("websocket write failed",
				zap.String("trace_id", req.TraceID),
				zap.Error(err),
			)
			return
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// validateChainRequest 校验工作流请求：至少一条非空 user 消息，角色合法。
func validateChainRequest(req *api.ChainRequest) *types.Error {
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	hasUser := false
	for i, m := range req.Messages {
		switch types.Role(m.Role) {
		case types.RoleSystem, types.RoleAssistant:
		case types.RoleUser:
			if strings.TrimSpace(m.Content) != "" {
				hasUser = true
			}
		default:
			return types.NewError(types.ErrInvalidRequest, "invalid message role").
				WithDetail("index", i).
				WithDetail("role", m.Role)
		}
	}
	if !hasUser {
		return types.NewError(types.ErrInvalidRequest, "at least one non-empty user message is required")
	}
	return nil
}
