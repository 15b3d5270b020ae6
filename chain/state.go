package chain

import (
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

// Stage names used as StepMetadata keys and metric labels.
const (
	StageAnalyze    = "analyze"
	StageProcess    = "process"
	StageSynthesize = "synthesize"
	StageError      = "error"
)

// StepMetrics holds per-stage execution metrics. Stage-specific fields are
// zero for stages they do not apply to.
type StepMetrics struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`

	// analyze
	IntentPreview string `json:"intent_preview,omitempty"`
	Complexity    string `json:"complexity,omitempty"`

	// process
	Confidence    float64 `json:"confidence,omitempty"`
	ContentLength int     `json:"content_length,omitempty"`

	// synthesize
	Formatting      string `json:"formatting,omitempty"`
	FinalTextLength int    `json:"final_text_length,omitempty"`
	StreamedChunks  int    `json:"streamed_chunks,omitempty"`

	// error
	Reason string `json:"reason,omitempty"`
}

// WorkflowState is the per-request mutable state accumulated across stages.
// It is exclusively owned by one request's orchestration flow and requires
// no synchronization.
type WorkflowState struct {
	TraceID string `json:"trace_id"`
	UserID  string `json:"user_id,omitempty"`

	Conversation  []types.Message        `json:"conversation"`
	Analysis      *AnalysisOutput        `json:"analysis,omitempty"`
	Processed     *ProcessResult         `json:"processed,omitempty"`
	FinalResponse string                 `json:"final_response,omitempty"`
	StepMetadata  map[string]StepMetrics `json:"step_metadata"`

	CreatedAt time.Time `json:"created_at"`
}

// NewWorkflowState creates a fresh state for one request, seeding the
// conversation with the inbound messages.
func NewWorkflowState(traceID, userID string, messages []types.Message) *WorkflowState {
	return &WorkflowState{
		TraceID:      traceID,
		UserID:       userID,
		Conversation: MergeMessages(nil, messages),
		StepMetadata: make(map[string]StepMetrics),
		CreatedAt:    time.Now(),
	}
}

// LastUserMessage returns the most recent user message in the conversation,
// or false when the conversation holds none.
func (s *WorkflowState) LastUserMessage() (types.Message, bool) {
	for i := len(s.Conversation) - 1; i >= 0; i-- {
		if s.Conversation[i].Role == types.RoleUser {
			return s.Conversation[i], true
		}
	}
	return types.Message{}, false
}

// RecordMetrics stores a stage's metrics. Entries are append-only: a stage
// never overwrites another stage's (or its own earlier) entry.
func (s *WorkflowState) RecordMetrics(stage string, m StepMetrics) {
	if _, exists := s.StepMetadata[stage]; exists {
		return
	}
	s.StepMetadata[stage] = m
}

// StateDelta is the state update produced by one stage. The orchestrator
// applies deltas; stages never mutate WorkflowState directly.
type StateDelta struct {
	Messages      []types.Message
	Analysis      *AnalysisOutput
	Processed     *ProcessResult
	FinalResponse string
}

// Apply merges a stage's delta into the state. Conversation updates go
// through MergeMessages; scalar fields follow last-write-wins within the
// strictly ordered stage sequence.
func (s *WorkflowState) Apply(delta *StateDelta) {
	if delta == nil {
		return
	}
	if len(delta.Messages) > 0 {
		s.Conversation = MergeMessages(s.Conversation, delta.Messages)
	}
	if delta.Analysis != nil {
		s.Analysis = delta.Analysis
	}
	if delta.Processed != nil {
		s.Processed = delta.Processed
	}
	if delta.FinalResponse != "" {
		s.FinalResponse = delta.FinalResponse
	}
}
