package chain

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/llm"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/circuitbreaker"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/retry"
	"github.com/ChrisSc/prompt-chaining-sub000/testutil/mocks"
	"github.com/ChrisSc/prompt-chaining-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------- 测试辅助 ---------

const (
	analysisJSON = `{"intent":"explain go channels","key_entities":["channels"],"complexity":"simple","context":{}}`
	processJSON  = `{"content":"Channels are typed conduits between goroutines.","confidence":0.9,"metadata":{}}`
)

func newTestOrchestrator(t *testing.T, provider llm.Provider, cfg ChainConfig, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(provider, NewPromptRegistry(), nil, nil, cfg, opts...)
	require.NoError(t, err)
	return o
}

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var collected []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(collected))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func terminalEvent(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Contains(t, []EventType{EventDone, EventError}, last.Type)
	for _, ev := range events[:len(events)-1] {
		require.NotContains(t, []EventType{EventDone, EventError}, ev.Type, "terminal event before end of stream")
	}
	return last
}

// fakeMetrics 记录指标调用的 MetricsSink 桩实现
type fakeMetrics struct {
	mu             sync.Mutex
	stageDurations map[string]float64
	gateRejections map[string]int
	workflows      map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		stageDurations: make(map[string]float64),
		gateRejections: make(map[string]int),
		workflows:      make(map[string]int),
	}
}

func (f *fakeMetrics) ObserveStageDuration(stage string, seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageDurations[stage] = seconds
}

func (f *fakeMetrics) AddStageTokens(string, int, int) {}
func (f *fakeMetrics) AddCost(string, float64)         {}

func (f *fakeMetrics) IncGateRejection(stage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateRejections[stage]++
}

func (f *fakeMetrics) IncWorkflow(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[outcome]++
}

// --------- 完整成功链路 ---------

func TestOrchestrator_Run_Success(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, processJSON).
		WithStreamChunks("Hello ", "there.")

	o := newTestOrchestrator(t, provider, DefaultChainConfig())
	events := collectEvents(t, o.Run(context.Background(), Request{
		TraceID:  "trace-success",
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	assert.Equal(t, []EventType{
		EventStageStart, EventStageComplete, // analyze
		EventStageStart, EventStageComplete, // process
		EventStageStart, EventToken, EventToken, EventStageComplete, // synthesize
		EventDone,
	}, eventTypes(events))

	var streamed strings.Builder
	for _, ev := range events {
		if ev.Type == EventToken {
			streamed.WriteString(ev.Token)
		}
	}
	assert.Equal(t, "Hello there.", streamed.String())

	// 合成阶段指标
	var synthMetrics *StepMetrics
	for _, ev := range events {
		if ev.Type == EventStageComplete && ev.Stage == StageSynthesize {
			synthMetrics = ev.Metrics
		}
	}
	require.NotNil(t, synthMetrics)
	assert.Equal(t, string(FormattingPlain), synthMetrics.Formatting)
	assert.Equal(t, len("Hello there."), synthMetrics.FinalTextLength)
	assert.Equal(t, 2, synthMetrics.StreamedChunks)

	assert.Equal(t, 3, provider.CallCount())
}

// --------- 校验门拒绝 ---------

func TestOrchestrator_Run_WhitespaceIntentRejected(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(`{"intent":"   ","key_entities":[],"complexity":"simple"}`)

	sink := newFakeMetrics()
	o := newTestOrchestrator(t, provider, DefaultChainConfig(), WithMetrics(sink))
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	require.NotNil(t, last.Err)
	assert.Equal(t, types.ErrGateRejected, last.Err.Code)
	assert.Equal(t, StageAnalyze, last.Err.Phase)

	// 加工阶段不得执行
	assert.Equal(t, 1, provider.CallCount())
	assert.Equal(t, 1, sink.gateRejections[StageAnalyze])
	assert.Equal(t, 1, sink.workflows["error"])
}

func TestOrchestrator_Run_LowConfidenceRejected(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, `{"content":"weak answer","confidence":0.3}`)

	o := newTestOrchestrator(t, provider, DefaultChainConfig())
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrGateRejected, last.Err.Code)
	assert.Equal(t, StageProcess, last.Err.Phase)
	assert.Equal(t, 2, provider.CallCount())
}

func TestOrchestrator_Run_ConfidenceExactlyAtThresholdPasses(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, `{"content":"borderline answer","confidence":0.5}`).
		WithStreamChunks("ok")

	o := newTestOrchestrator(t, provider, DefaultChainConfig())
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	assert.Equal(t, EventDone, terminalEvent(t, events).Type)
}

func TestOrchestrator_Run_ValidationDisabledAlwaysProceeds(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(
			`{"intent":"  ","key_entities":[],"complexity":"simple"}`,
			`{"content":"answer","confidence":0.1}`,
		).
		WithStreamChunks("done anyway")

	cfg := DefaultChainConfig()
	cfg.ValidationEnabled = false

	o := newTestOrchestrator(t, provider, cfg)
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	assert.Equal(t, EventDone, terminalEvent(t, events).Type)
	assert.Equal(t, 3, provider.CallCount())
}

// --------- 阶段输出错误 ---------

func TestOrchestrator_Run_MalformedAnalysisOutput(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses("I would say the user wants help.")

	o := newTestOrchestrator(t, provider, DefaultChainConfig())
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrStageOutput, last.Err.Code)
	assert.Equal(t, StageAnalyze, last.Err.Phase)
}

// --------- 阶段超时 ---------

func TestOrchestrator_Run_StageTimeout(t *testing.T) {
	provider := mocks.NewMockProvider().WithDelay(1500 * time.Millisecond)

	cfg := DefaultChainConfig()
	cfg.Analyze.Timeout = 1 * time.Second

	o := newTestOrchestrator(t, provider, cfg)
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrPhaseTimeout, last.Err.Code)
	assert.Equal(t, StageAnalyze, last.Err.Phase)
	assert.Equal(t, 1.0, last.Err.TimeoutSeconds)
}

// --------- 无部分成功：合成流中断 ---------

func TestOrchestrator_Run_SynthesizeMidStreamFailure(t *testing.T) {
	streamErr := types.NewError(types.ErrUpstreamError, "stream interrupted").WithRetryable(true)
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, processJSON).
		WithStreamFunc(func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 2)
			ch <- llm.StreamChunk{Delta: types.Message{Role: types.RoleAssistant, Content: "partial "}}
			ch <- llm.StreamChunk{Err: streamErr}
			close(ch)
			return ch, nil
		})

	o := newTestOrchestrator(t, provider, DefaultChainConfig())
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	// 已流出的 token 之后必须以错误收尾，绝不出现 done
	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrUpstreamError, last.Err.Code)
	assert.Equal(t, StageSynthesize, last.Err.Phase)
	for _, ev := range events {
		assert.NotEqual(t, EventDone, ev.Type)
	}
}

func TestOrchestrator_Run_SynthesizeTimeout(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, processJSON).
		WithStreamFunc(func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 1)
			ch <- llm.StreamChunk{Delta: types.Message{Role: types.RoleAssistant, Content: "began "}}
			// 流在首个 token 后停滞，直到阶段超时才关闭
			go func() {
				<-ctx.Done()
				close(ch)
			}()
			return ch, nil
		})

	cfg := DefaultChainConfig()
	cfg.Synthesize.Timeout = 1 * time.Second

	o := newTestOrchestrator(t, provider, cfg)
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))

	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrPhaseTimeout, last.Err.Code)
	assert.Equal(t, StageSynthesize, last.Err.Phase)
	assert.Equal(t, 1.0, last.Err.TimeoutSeconds)
	for _, ev := range events {
		assert.NotEqual(t, EventDone, ev.Type)
	}
}

// --------- 弹性层组合：重试耗尽与熔断 ---------

func TestOrchestrator_Run_RetryExhaustionThenCircuitOpen(t *testing.T) {
	upstream := types.NewError(types.ErrUpstreamError, "bad gateway").
		WithHTTPStatus(502).
		WithRetryable(true)
	provider := mocks.NewMockProvider().WithError(upstream)

	retryer := retry.NewBackoffRetryer(&retry.Policy{
		MaxAttempts: 2,
		Multiplier:  0.001,
		MaxDelay:    10 * time.Millisecond,
	}, nil)
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 1,
	}, nil)
	resilient := llm.NewResilientProvider(provider, retryer, breaker, nil)

	o := newTestOrchestrator(t, resilient, DefaultChainConfig())

	// 第一轮：重试耗尽，熔断计数 +1 并达到阈值
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))
	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrRetryExhausted, last.Err.Code)
	assert.Equal(t, 2, provider.CallCount())
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	// 第二轮：熔断开启，快速失败且不触达上游
	events = collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi again")},
	}))
	last = terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrCircuitOpen, last.Err.Code)
	assert.Equal(t, 2, provider.CallCount())
}

// --------- 检查点 ---------

func TestOrchestrator_Run_CheckpointsAtStageBoundaries(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, processJSON).
		WithStreamChunks("Hello there.")

	store := NewMemoryCheckpointStore()
	o := newTestOrchestrator(t, provider, DefaultChainConfig(), WithCheckpointStore(store))
	events := collectEvents(t, o.Run(context.Background(), Request{
		TraceID:  "trace-cp",
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))
	require.Equal(t, EventDone, terminalEvent(t, events).Type)

	cp, err := store.Get(context.Background(), "trace-cp")
	require.NoError(t, err)
	assert.Equal(t, StageSynthesize, cp.Stage)
	require.NotNil(t, cp.State)
	assert.Equal(t, "Hello there.", cp.State.FinalResponse)
	assert.Len(t, cp.State.StepMetadata, 3)
}

func TestOrchestrator_Run_CheckpointOnError(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, `{"content":"","confidence":0.9}`)

	store := NewMemoryCheckpointStore()
	o := newTestOrchestrator(t, provider, DefaultChainConfig(), WithCheckpointStore(store))
	events := collectEvents(t, o.Run(context.Background(), Request{
		TraceID:  "trace-err",
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))
	require.Equal(t, EventError, terminalEvent(t, events).Type)

	cp, err := store.Get(context.Background(), "trace-err")
	require.NoError(t, err)
	assert.Equal(t, StageError, cp.Stage)
	assert.Equal(t, string(types.ErrGateRejected), cp.State.StepMetadata[StageError].Reason)
}

// --------- 请求标识 ---------

func TestOrchestrator_Run_AssignsTraceIDWhenMissing(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithResponses(analysisJSON, processJSON).
		WithStreamChunks("ok")

	o := newTestOrchestrator(t, provider, DefaultChainConfig())
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}))
	require.Equal(t, EventDone, terminalEvent(t, events).Type)

	// 每次下游调用都带上了分配的 trace id
	for _, call := range provider.Calls() {
		assert.NotEmpty(t, call.Request.TraceID)
	}
}

func TestOrchestrator_Run_NoUserMessage(t *testing.T) {
	provider := mocks.NewMockProvider()
	o := newTestOrchestrator(t, provider, DefaultChainConfig())
	events := collectEvents(t, o.Run(context.Background(), Request{
		Messages: []types.Message{types.NewSystemMessage("be helpful")},
	}))

	last := terminalEvent(t, events)
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, types.ErrInvalidRequest, last.Err.Code)
	assert.Equal(t, 0, provider.CallCount())
}
