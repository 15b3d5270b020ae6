package chain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

// Complexity classifies the request in the analysis stage output.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Formatting classifies the synthesis stage's final text.
type Formatting string

const (
	FormattingMarkdown   Formatting = "markdown"
	FormattingPlain      Formatting = "plain"
	FormattingStructured Formatting = "structured"
)

// AnalysisOutput is the structured result of the analyze stage.
type AnalysisOutput struct {
	Intent      string         `json:"intent"`
	KeyEntities []string       `json:"key_entities"`
	Complexity  Complexity     `json:"complexity"`
	Context     map[string]any `json:"context,omitempty"`
}

// ProcessOutput is the structured result of the process stage.
type ProcessOutput struct {
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SynthesisOutput is the structured result of the synthesize stage.
type SynthesisOutput struct {
	FinalText  string     `json:"final_text"`
	Formatting Formatting `json:"formatting"`
}

// ProcessResult is the tagged union handed to Gate 2: the process stage may
// return a validated structure or legitimately return unwrapped text.
// Exactly one branch is set.
type ProcessResult struct {
	Structured *ProcessOutput `json:"structured,omitempty"`
	RawText    string         `json:"raw_text,omitempty"`
}

// rawTextDefaultConfidence applies when the process stage returned bare text:
// the content exists but carries no self-assessment.
const rawTextDefaultConfidence = 0.8

// Content returns the textual content of either branch.
func (r *ProcessResult) Content() string {
	if r.Structured != nil {
		return r.Structured.Content
	}
	return r.RawText
}

// Confidence returns the structured confidence, or the raw-text default.
func (r *ProcessResult) Confidence() float64 {
	if r.Structured != nil {
		return r.Structured.Confidence
	}
	return rawTextDefaultConfidence
}

// StripCodeFence removes an enclosing Markdown code fence from model output.
// The stages instruct the model not to emit fences, but tolerate them.
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	// Optional language tag on the opening fence line
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		firstLine := strings.TrimSpace(trimmed[:i])
		if firstLine == "" || isFenceLanguageTag(firstLine) {
			trimmed = trimmed[i+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func isFenceLanguageTag(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// ParseAnalysisOutput parses the analyze stage's raw model output.
func ParseAnalysisOutput(raw string) (*AnalysisOutput, error) {
	cleaned := StripCodeFence(raw)

	var out AnalysisOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, types.NewError(types.ErrStageOutput, "analysis output is not valid JSON").
			WithPhase(StageAnalyze).
			WithDetail("preview", preview(raw, 200)).
			WithCause(err)
	}

	switch out.Complexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
	case "":
		out.Complexity = ComplexityModerate
	default:
		return nil, types.NewError(types.ErrStageOutput,
			fmt.Sprintf("analysis output has unknown complexity %q", out.Complexity)).
			WithPhase(StageAnalyze).
			WithDetail("preview", preview(raw, 200))
	}

	if out.Context == nil {
		out.Context = map[string]any{}
	}
	return &out, nil
}

// ParseProcessResult parses the process stage's raw model output into the
// tagged union. Text that is not JSON at all becomes the RawText branch;
// JSON that fails the ProcessOutput schema is a stage-output error.
func ParseProcessResult(raw string) (*ProcessResult, error) {
	cleaned := StripCodeFence(raw)

	if !looksLikeJSONObject(cleaned) {
		return &ProcessResult{RawText: cleaned}, nil
	}

	var out ProcessOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, types.NewError(types.ErrStageOutput, "process output is not valid JSON").
			WithPhase(StageProcess).
			WithDetail("preview", preview(raw, 200)).
			WithCause(err)
	}

	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, types.NewError(types.ErrStageOutput,
			fmt.Sprintf("process output confidence %v outside [0,1]", out.Confidence)).
			WithPhase(StageProcess).
			WithDetail("confidence", out.Confidence)
	}

	return &ProcessResult{Structured: &out}, nil
}

// ParseSynthesisOutput parses the accumulated synthesize stream. Parse
// failure is not an error: the stage's contract is readable text, so the raw
// accumulation is delivered verbatim with a heuristic formatting class.
func ParseSynthesisOutput(raw string) SynthesisOutput {
	cleaned := StripCodeFence(raw)

	if looksLikeJSONObject(cleaned) {
		var out SynthesisOutput
		if err := json.Unmarshal([]byte(cleaned), &out); err == nil && out.FinalText != "" {
			switch out.Formatting {
			case FormattingMarkdown, FormattingPlain, FormattingStructured:
			default:
				out.Formatting = DetectFormatting(out.FinalText)
			}
			return out
		}
	}

	return SynthesisOutput{
		FinalText:  raw,
		Formatting: DetectFormatting(raw),
	}
}

// DetectFormatting classifies text by the presence of Markdown heading
// markers.
func DetectFormatting(text string) Formatting {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			return FormattingMarkdown
		}
	}
	return FormattingPlain
}

func looksLikeJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// preview truncates raw model output for diagnostics.
func preview(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
