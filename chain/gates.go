package chain

import (
	"strings"
)

// Gate diagnostic stage labels (these intentionally differ from the
// StepMetadata stage keys; they name the validated artifact).
const (
	gateStageAnalysis   = "analysis"
	gateStageProcessing = "processing"
)

// Diagnostic describes why a validation gate declined to proceed.
type Diagnostic struct {
	Stage    string `json:"stage"`
	Field    string `json:"field"`
	Issue    string `json:"issue,omitempty"`
	Value    any    `json:"value,omitempty"`
	Expected any    `json:"expected,omitempty"`
}

// GateDecision is the outcome of a validation gate: proceed, or divert to
// the error path with a structured diagnostic.
type GateDecision struct {
	Proceed    bool
	Diagnostic *Diagnostic
}

func proceed() GateDecision {
	return GateDecision{Proceed: true}
}

func reject(d Diagnostic) GateDecision {
	return GateDecision{Diagnostic: &d}
}

// GateAnalysis is Gate 1, run after the analyze stage: proceed iff the
// analysis intent is non-empty after trimming whitespace. Pure function.
func GateAnalysis(state *WorkflowState) GateDecision {
	if state.Analysis == nil {
		return reject(Diagnostic{
			Stage: gateStageAnalysis,
			Field: "intent",
			Issue: "missing",
		})
	}
	if strings.TrimSpace(state.Analysis.Intent) == "" {
		return reject(Diagnostic{
			Stage: gateStageAnalysis,
			Field: "intent",
			Issue: "empty",
		})
	}
	return proceed()
}

// GateProcessing is Gate 2, run after the process stage: proceed iff the
// content is non-empty and the confidence meets the threshold (inclusive:
// exactly-at-threshold passes). Raw-text results carry the union's default
// confidence. Pure function.
func GateProcessing(state *WorkflowState, minConfidence float64) GateDecision {
	if state.Processed == nil {
		return reject(Diagnostic{
			Stage: gateStageProcessing,
			Field: "content",
			Issue: "missing",
		})
	}

	if strings.TrimSpace(state.Processed.Content()) == "" {
		return reject(Diagnostic{
			Stage: gateStageProcessing,
			Field: "content",
			Issue: "empty",
		})
	}

	if confidence := state.Processed.Confidence(); confidence < minConfidence {
		return reject(Diagnostic{
			Stage:    gateStageProcessing,
			Field:    "confidence",
			Value:    confidence,
			Expected: minConfidence,
		})
	}

	return proceed()
}
