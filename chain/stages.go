package chain

import (
	"context"
	"strings"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/llm"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/observability"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/tokenizer"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"go.uber.org/zap"
)

// stageRunner 执行单个阶段：构造提示词 -> 经弹性层调用模型 -> 解析输出
// -> 产出状态增量与指标。阶段函数不直接修改 WorkflowState。
type stageRunner struct {
	provider  llm.Provider
	prompts   *PromptRegistry
	costs     *observability.CostCalculator
	estimator tokenizer.Estimator
	logger    *zap.Logger
}

func newStageRunner(
	provider llm.Provider,
	prompts *PromptRegistry,
	costs *observability.CostCalculator,
	estimator tokenizer.Estimator,
	logger *zap.Logger,
) *stageRunner {
	return &stageRunner{
		provider:  provider,
		prompts:   prompts,
		costs:     costs,
		estimator: estimator,
		logger:    logger,
	}
}

// buildRequest 构造阶段的模型请求：系统提示词 + 阶段专属用户内容。
// traceId/userId 显式透传到每次下游调用。
func (r *stageRunner) buildRequest(state *WorkflowState, cfg StageConfig, systemPrompt, userContent string) *llm.ChatRequest {
	return &llm.ChatRequest{
		TraceID: state.TraceID,
		UserID:  state.UserID,
		Model:   cfg.ModelID,
		Messages: []types.Message{
			types.NewSystemMessage(systemPrompt),
			types.NewUserMessage(userContent),
		},
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}
}

// usageMetrics 从响应 usage 提取指标；上游缺失时用 tokenizer 估算。
func (r *stageRunner) usageMetrics(cfg StageConfig, usage *llm.ChatUsage, promptText, outputText string, elapsed time.Duration) StepMetrics {
	m := StepMetrics{
		ElapsedSeconds: elapsed.Seconds(),
	}
	if usage != nil && usage.TotalTokens > 0 {
		m.InputTokens = usage.PromptTokens
		m.OutputTokens = usage.CompletionTokens
	} else if r.estimator != nil {
		m.InputTokens = r.estimator.CountTokens(promptText)
		m.OutputTokens = r.estimator.CountTokens(outputText)
	}
	if r.costs != nil {
		m.CostUSD = r.costs.Calculate(cfg.ModelID, m.InputTokens, m.OutputTokens)
	}
	return m
}

// runAnalyze 阶段一：意图分析。非流式调用，输出解析为 AnalysisOutput。
func (r *stageRunner) runAnalyze(ctx context.Context, state *WorkflowState, cfg StageConfig) (*StateDelta, StepMetrics, error) {
	systemPrompt, err := r.prompts.Get(cfg.SystemPromptID)
	if err != nil {
		return nil, StepMetrics{}, types.NewError(types.ErrInternalError, err.Error()).WithPhase(StageAnalyze)
	}

	userMsg, ok := state.LastUserMessage()
	if !ok {
		return nil, StepMetrics{}, types.NewError(types.ErrInvalidRequest, "conversation has no user message").
			WithPhase(StageAnalyze)
	}

	req := r.buildRequest(state, cfg, systemPrompt, userMsg.Content)

	start := time.Now()
	resp, err := r.provider.Completion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, StepMetrics{}, err
	}

	analysis, err := ParseAnalysisOutput(resp.Text())
	if err != nil {
		return nil, StepMetrics{}, err
	}

	metrics := r.usageMetrics(cfg, &resp.Usage, systemPrompt+userMsg.Content, resp.Text(), elapsed)
	metrics.IntentPreview = preview(analysis.Intent, 80)
	metrics.Complexity = string(analysis.Complexity)

	r.logger.Debug("analyze stage complete",
		zap.String("trace_id", state.TraceID),
		zap.String("intent", metrics.IntentPreview),
		zap.String("complexity", metrics.Complexity),
		zap.Duration("elapsed", elapsed),
	)

	delta := &StateDelta{
		Analysis: analysis,
		Messages: []types.Message{
			types.NewAssistantMessage(resp.Text()).WithMetadata(map[string]any{"stage": StageAnalyze}),
		},
	}
	return delta, metrics, nil
}

// runProcess 阶段二：内容加工。输入为阶段一的分析结果。
func (r *stageRunner) runProcess(ctx context.Context, state *WorkflowState, cfg StageConfig) (*StateDelta, StepMetrics, error) {
	systemPrompt, err := r.prompts.Get(cfg.SystemPromptID)
	if err != nil {
		return nil, StepMetrics{}, types.NewError(types.ErrInternalError, err.Error()).WithPhase(StageProcess)
	}

	userContent := buildProcessUserContent(state.Analysis)
	req := r.buildRequest(state, cfg, systemPrompt, userContent)

	start := time.Now()
	resp, err := r.provider.Completion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, StepMetrics{}, err
	}

	processed, err := ParseProcessResult(resp.Text())
	if err != nil {
		return nil, StepMetrics{}, err
	}

	metrics := r.usageMetrics(cfg, &resp.Usage, systemPrompt+userContent, resp.Text(), elapsed)
	metrics.Confidence = processed.Confidence()
	metrics.ContentLength = len(processed.Content())

	r.logger.Debug("process stage complete",
		zap.String("trace_id", state.TraceID),
		zap.Float64("confidence", metrics.Confidence),
		zap.Int("content_length", metrics.ContentLength),
		zap.Duration("elapsed", elapsed),
	)

	delta := &StateDelta{
		Processed: processed,
		Messages: []types.Message{
			types.NewAssistantMessage(resp.Text()).WithMetadata(map[string]any{"stage": StageProcess}),
		},
	}
	return delta, metrics, nil
}

// runSynthesize 阶段三：流式合成。每个 token 先通过 emit 即时上报，
// 流结束后对累积文本做一次可选的 JSON 解析；解析失败按原文交付（非错误）。
// ctx 取消/超时由调用方分类处理。
func (r *stageRunner) runSynthesize(
	ctx context.Context,
	state *WorkflowState,
	cfg StageConfig,
	emit func(token string) error,
) (*StateDelta, StepMetrics, error) {
	systemPrompt, err := r.prompts.Get(cfg.SystemPromptID)
	if err != nil {
		return nil, StepMetrics{}, types.NewError(types.ErrInternalError, err.Error()).WithPhase(StageSynthesize)
	}

	userContent := buildSynthesizeUserContent(state.Processed)
	req := r.buildRequest(state, cfg, systemPrompt, userContent)

	start := time.Now()
	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		return nil, StepMetrics{}, err
	}

	var accumulated strings.Builder
	var usage *llm.ChatUsage
	chunkCount := 0

	for chunk := range stream {
		if chunk.Err != nil {
			return nil, StepMetrics{}, chunk.Err
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Delta.Content == "" {
			continue
		}

		accumulated.WriteString(chunk.Delta.Content)
		chunkCount++
		if err := emit(chunk.Delta.Content); err != nil {
			return nil, StepMetrics{}, err
		}
	}

	// 流被上游因超时/取消中断时，通道会直接关闭；不得按成功处理
	if err := ctx.Err(); err != nil {
		return nil, StepMetrics{}, err
	}

	elapsed := time.Since(start)
	raw := accumulated.String()
	out := ParseSynthesisOutput(raw)

	metrics := r.usageMetrics(cfg, usage, systemPrompt+userContent, raw, elapsed)
	metrics.Formatting = string(out.Formatting)
	metrics.FinalTextLength = len(out.FinalText)
	metrics.StreamedChunks = chunkCount

	r.logger.Debug("synthesize stage complete",
		zap.String("trace_id", state.TraceID),
		zap.String("formatting", metrics.Formatting),
		zap.Int("streamed_chunks", chunkCount),
		zap.Duration("elapsed", elapsed),
	)

	delta := &StateDelta{
		FinalResponse: out.FinalText,
		Messages: []types.Message{
			types.NewAssistantMessage(out.FinalText).WithMetadata(map[string]any{"stage": StageSynthesize}),
		},
	}
	return delta, metrics, nil
}
