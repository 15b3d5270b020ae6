package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/llm"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/observability"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/tokenizer"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MetricsSink receives orchestration measurements. Implementations must be
// safe for concurrent use.
type MetricsSink interface {
	ObserveStageDuration(stage string, seconds float64)
	AddStageTokens(stage string, inputTokens, outputTokens int)
	AddCost(model string, usd float64)
	IncGateRejection(stage string)
	IncWorkflow(outcome string)
}

// Request is one chain invocation.
type Request struct {
	// TraceID correlates the run across logs, metrics, and checkpoints.
	// Empty means the orchestrator assigns one.
	TraceID  string
	UserID   string
	Messages []types.Message
}

// Orchestrator 按固定相位机执行三段链：
//
//	Analyze -> Gate1 -> Process -> Gate2 -> Synthesize -> Done
//
// 任一环节失败则进入 Error 相位；两条终态互斥，每次 Run 恰好触达其一。
// Orchestrator 自身无请求级状态，可被多请求并发复用。
type Orchestrator struct {
	runner      *stageRunner
	cfg         ChainConfig
	checkpoints CheckpointStore
	metrics     MetricsSink
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithCheckpointStore enables best-effort checkpointing at stage boundaries.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(o *Orchestrator) { o.checkpoints = store }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(sink MetricsSink) Option {
	return func(o *Orchestrator) { o.metrics = sink }
}

// WithTracer overrides the default OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator creates a chain orchestrator. The provider is typically the
// resilience-wrapped one from llm.NewResilientProvider.
func NewOrchestrator(
	provider llm.Provider,
	prompts *PromptRegistry,
	costs *observability.CostCalculator,
	estimator tokenizer.Estimator,
	cfg ChainConfig,
	opts ...Option,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chain config: %w", err)
	}
	if prompts == nil {
		prompts = NewPromptRegistry()
	}

	o := &Orchestrator{
		cfg:    cfg,
		tracer: otel.Tracer("promptchain/chain"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	o.runner = newStageRunner(provider, prompts, costs, estimator, o.logger)
	return o, nil
}

// Run executes the chain for one request and returns its event stream. The
// channel is closed after exactly one terminal event (done or error). Token
// events for the synthesize stage are interleaved in arrival order.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, req Request, events chan<- Event) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "chain.run",
		trace.WithAttributes(attribute.String("trace_id", traceID)))
	defer span.End()

	state := NewWorkflowState(traceID, req.UserID, req.Messages)
	logger := o.logger.With(zap.String("trace_id", traceID))
	logger.Info("workflow start", zap.Int("messages", len(req.Messages)))

	// ---------- Analyze ----------
	if err := o.runStage(ctx, state, StageAnalyze, o.cfg.Analyze, events,
		func(stageCtx context.Context) (*StateDelta, StepMetrics, error) {
			return o.runner.runAnalyze(stageCtx, state, o.cfg.Analyze)
		}); err != nil {
		o.fail(ctx, state, span, events, err)
		return
	}
	if err := o.gate(state, StageAnalyze, GateAnalysis(state)); err != nil {
		o.fail(ctx, state, span, events, err)
		return
	}
	o.checkpoint(ctx, state, StageAnalyze)

	// ---------- Process ----------
	if err := o.runStage(ctx, state, StageProcess, o.cfg.Process, events,
		func(stageCtx context.Context) (*StateDelta, StepMetrics, error) {
			return o.runner.runProcess(stageCtx, state, o.cfg.Process)
		}); err != nil {
		o.fail(ctx, state, span, events, err)
		return
	}
	if err := o.gate(state, StageProcess, GateProcessing(state, o.cfg.MinConfidenceThreshold)); err != nil {
		o.fail(ctx, state, span, events, err)
		return
	}
	o.checkpoint(ctx, state, StageProcess)

	// ---------- Synthesize ----------
	if err := o.runStage(ctx, state, StageSynthesize, o.cfg.Synthesize, events,
		func(stageCtx context.Context) (*StateDelta, StepMetrics, error) {
			return o.runner.runSynthesize(stageCtx, state, o.cfg.Synthesize, func(token string) error {
				select {
				case events <- Event{Type: EventToken, Stage: StageSynthesize, Token: token}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}); err != nil {
		o.fail(ctx, state, span, events, err)
		return
	}
	o.checkpoint(ctx, state, StageSynthesize)

	if o.metrics != nil {
		o.metrics.IncWorkflow("success")
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("workflow done",
		zap.Int("final_text_length", len(state.FinalResponse)),
		zap.Float64("elapsed_seconds", time.Since(state.CreatedAt).Seconds()),
	)
	events <- Event{Type: EventDone}
}

// runStage executes one stage under its timeout, applies its delta, records
// its metrics, and emits the stage lifecycle events.
func (o *Orchestrator) runStage(
	ctx context.Context,
	state *WorkflowState,
	stage string,
	cfg StageConfig,
	events chan<- Event,
	fn func(stageCtx context.Context) (*StateDelta, StepMetrics, error),
) error {
	events <- Event{Type: EventStageStart, Stage: stage}

	stageCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	spanCtx, span := o.tracer.Start(stageCtx, "chain."+stage,
		trace.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("model", cfg.ModelID),
		))
	delta, metrics, err := fn(spanCtx)
	if err != nil {
		err = o.classifyStageErr(ctx, stageCtx, stage, cfg.Timeout, err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return err
	}
	span.SetAttributes(
		attribute.Int("input_tokens", metrics.InputTokens),
		attribute.Int("output_tokens", metrics.OutputTokens),
	)
	span.End()

	state.Apply(delta)
	state.RecordMetrics(stage, metrics)
	if o.metrics != nil {
		o.metrics.ObserveStageDuration(stage, metrics.ElapsedSeconds)
		o.metrics.AddStageTokens(stage, metrics.InputTokens, metrics.OutputTokens)
		o.metrics.AddCost(cfg.ModelID, metrics.CostUSD)
	}

	events <- Event{Type: EventStageComplete, Stage: stage, Metrics: &metrics}
	return nil
}

// classifyStageErr distinguishes a stage budget overrun from a caller
// disconnect. Only the stage's own deadline becomes PHASE_TIMEOUT; a parent
// cancellation propagates untranslated so the caller sees its own cancel.
func (o *Orchestrator) classifyStageErr(parent, stageCtx context.Context, stage string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) &&
		errors.Is(stageCtx.Err(), context.DeadlineExceeded) &&
		parent.Err() == nil {
		return types.NewError(types.ErrPhaseTimeout,
			fmt.Sprintf("stage %s exceeded its %s budget", stage, timeout)).
			WithPhase(stage).
			WithTimeoutSeconds(timeout.Seconds()).
			WithCause(err)
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		if typed.Phase == "" {
			typed.Phase = stage
		}
		return typed
	}
	return types.NewError(types.ErrInternalError, "stage failed").
		WithPhase(stage).
		WithCause(err)
}

// gate evaluates a validation gate decision. Disabled validation always
// proceeds. Strict and lenient mode both divert to the error path; the mode
// only changes log severity.
func (o *Orchestrator) gate(state *WorkflowState, stage string, decision GateDecision) error {
	if !o.cfg.ValidationEnabled || decision.Proceed {
		return nil
	}

	d := decision.Diagnostic
	logger := o.logger.With(
		zap.String("trace_id", state.TraceID),
		zap.String("gate_stage", d.Stage),
		zap.String("field", d.Field),
	)
	if o.cfg.StrictValidation {
		logger.Error("validation gate rejected output")
	} else {
		logger.Warn("validation gate rejected output")
	}
	if o.metrics != nil {
		o.metrics.IncGateRejection(stage)
	}

	return types.NewError(types.ErrGateRejected,
		fmt.Sprintf("%s output failed validation on %s", d.Stage, d.Field)).
		WithPhase(stage).
		WithDetail("diagnostic", d)
}

// fail records the error entry in the step metadata, checkpoints, and emits
// the terminal error event.
func (o *Orchestrator) fail(ctx context.Context, state *WorkflowState, span trace.Span, events chan<- Event, err error) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		typed = types.NewError(types.ErrInternalError, "workflow failed").WithCause(err)
	}

	state.RecordMetrics(StageError, StepMetrics{Reason: string(typed.Code)})
	o.checkpoint(ctx, state, StageError)

	if o.metrics != nil {
		o.metrics.IncWorkflow("error")
	}
	span.SetStatus(codes.Error, typed.Error())
	o.logger.Error("workflow error",
		zap.String("trace_id", state.TraceID),
		zap.String("code", string(typed.Code)),
		zap.String("phase", typed.Phase),
		zap.Error(typed),
	)

	// 调用方断连时事件通道可能已无人消费，不得阻塞在终态事件上
	select {
	case events <- Event{Type: EventError, Stage: typed.Phase, Err: typed}:
	case <-ctx.Done():
	}
}

// checkpoint persists the state snapshot, best-effort.
func (o *Orchestrator) checkpoint(ctx context.Context, state *WorkflowState, stage string) {
	if o.checkpoints == nil {
		return
	}
	cp := &Checkpoint{
		TraceID: state.TraceID,
		Stage:   stage,
		State:   state,
		SavedAt: time.Now(),
	}
	if err := o.checkpoints.Put(ctx, cp); err != nil {
		o.logger.Warn("checkpoint save failed",
			zap.String("trace_id", state.TraceID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
}
