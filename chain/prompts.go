package chain

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Default system prompts, keyed by SystemPromptID. The analyze and process
// prompts instruct the model to answer with bare JSON; the parsers still
// tolerate code fences defensively.
var defaultPrompts = map[string]string{
	"analyze": `You are the analysis stage of a three-step workflow.
Examine the user's request and respond with a single JSON object, no code fences:
{"intent": "<one-sentence intent>", "key_entities": ["..."], "complexity": "simple"|"moderate"|"complex", "context": {}}
Respond with JSON only.`,

	"process": `You are the processing stage of a three-step workflow.
Using the provided analysis, produce the substantive answer content.
Respond with a single JSON object, no code fences:
{"content": "<the answer content>", "confidence": <0.0-1.0>, "metadata": {}}
Respond with JSON only.`,

	"synthesize": `You are the synthesis stage of a three-step workflow.
Turn the processed content into a polished, readable reply for the user.
Write the reply directly; do not wrap it in JSON unless structure is essential.`,
}

// PromptRegistry resolves SystemPromptID values to prompt text. Custom
// prompts registered at startup shadow the defaults.
type PromptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]string
}

// NewPromptRegistry creates a registry pre-populated with the defaults.
func NewPromptRegistry() *PromptRegistry {
	p := &PromptRegistry{prompts: make(map[string]string, len(defaultPrompts))}
	for id, text := range defaultPrompts {
		p.prompts[id] = text
	}
	return p
}

// Register adds or replaces a prompt.
func (p *PromptRegistry) Register(id, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts[id] = text
}

// Get returns the prompt for an ID, or an error for unknown IDs.
func (p *PromptRegistry) Get(id string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	text, ok := p.prompts[id]
	if !ok {
		return "", fmt.Errorf("unknown system prompt id: %s", id)
	}
	return text, nil
}

// buildProcessUserContent embeds the analysis into the process stage's user
// message.
func buildProcessUserContent(analysis *AnalysisOutput) string {
	ctx := "{}"
	if len(analysis.Context) > 0 {
		if b, err := json.Marshal(analysis.Context); err == nil {
			ctx = string(b)
		}
	}
	return fmt.Sprintf(
		"Intent: %s\nKey entities: %s\nComplexity: %s\nContext: %s\n\nProduce the answer content.",
		analysis.Intent,
		strings.Join(analysis.KeyEntities, ", "),
		analysis.Complexity,
		ctx,
	)
}

// buildSynthesizeUserContent embeds the processed content into the synthesize
// stage's user message.
func buildSynthesizeUserContent(processed *ProcessResult) string {
	return fmt.Sprintf(
		"Processed content (confidence %.2f):\n\n%s\n\nWrite the final reply.",
		processed.Confidence(),
		processed.Content(),
	)
}
