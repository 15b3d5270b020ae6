package chain

import (
	"fmt"
	"time"
)

// Timeout bounds for a single stage.
const (
	MinStageTimeout = 1 * time.Second
	MaxStageTimeout = 270 * time.Second
)

// StageConfig configures one stage's model call. One instance per stage,
// independently set.
type StageConfig struct {
	ModelID        string        `json:"model_id" yaml:"model_id" env:"MODEL_ID"`
	MaxTokens      int           `json:"max_tokens" yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature    float32       `json:"temperature" yaml:"temperature" env:"TEMPERATURE"`
	SystemPromptID string        `json:"system_prompt_id" yaml:"system_prompt_id" env:"SYSTEM_PROMPT_ID"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// ChainConfig is the immutable, process-wide configuration for the whole
// chain. It is constructed once at startup and read concurrently without
// synchronization; nothing mutates it after Validate.
type ChainConfig struct {
	Analyze    StageConfig `json:"analyze" yaml:"analyze" env:"ANALYZE"`
	Process    StageConfig `json:"process" yaml:"process" env:"PROCESS"`
	Synthesize StageConfig `json:"synthesize" yaml:"synthesize" env:"SYNTHESIZE"`

	ValidationEnabled      bool    `json:"validation_enabled" yaml:"validation_enabled" env:"VALIDATION_ENABLED"`
	StrictValidation       bool    `json:"strict_validation" yaml:"strict_validation" env:"STRICT_VALIDATION"`
	MinConfidenceThreshold float64 `json:"min_confidence_threshold" yaml:"min_confidence_threshold" env:"MIN_CONFIDENCE_THRESHOLD"`
}

// DefaultChainConfig returns the default chain configuration.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		Analyze: StageConfig{
			ModelID:        "claude-3-5-haiku-20241022",
			MaxTokens:      1024,
			Temperature:    0.2,
			SystemPromptID: "analyze",
			Timeout:        15 * time.Second,
		},
		Process: StageConfig{
			ModelID:        "claude-3-5-sonnet-20241022",
			MaxTokens:      2048,
			Temperature:    0.7,
			SystemPromptID: "process",
			Timeout:        30 * time.Second,
		},
		Synthesize: StageConfig{
			ModelID:        "claude-3-5-sonnet-20241022",
			MaxTokens:      2048,
			Temperature:    0.7,
			SystemPromptID: "synthesize",
			Timeout:        20 * time.Second,
		},
		ValidationEnabled:      true,
		StrictValidation:       false,
		MinConfidenceThreshold: 0.5,
	}
}

// Validate checks the configuration against its documented bounds.
func (c *ChainConfig) Validate() error {
	stages := map[string]*StageConfig{
		StageAnalyze:    &c.Analyze,
		StageProcess:    &c.Process,
		StageSynthesize: &c.Synthesize,
	}
	for name, sc := range stages {
		if sc.ModelID == "" {
			return fmt.Errorf("stage %s: model_id is required", name)
		}
		if sc.MaxTokens < 1 {
			return fmt.Errorf("stage %s: max_tokens must be >= 1, got %d", name, sc.MaxTokens)
		}
		if sc.Temperature < 0 || sc.Temperature > 2 {
			return fmt.Errorf("stage %s: temperature must be in [0, 2], got %v", name, sc.Temperature)
		}
		if sc.Timeout < MinStageTimeout || sc.Timeout > MaxStageTimeout {
			return fmt.Errorf("stage %s: timeout must be in [%s, %s], got %s",
				name, MinStageTimeout, MaxStageTimeout, sc.Timeout)
		}
	}

	if c.MinConfidenceThreshold < 0 || c.MinConfidenceThreshold > 1 {
		return fmt.Errorf("min_confidence_threshold must be in [0, 1], got %v", c.MinConfidenceThreshold)
	}

	return nil
}
