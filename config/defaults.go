// =============================================================================
// 📦 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/chain"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		LLM:        DefaultLLMConfig(),
		Chain:      chain.DefaultChainConfig(),
		Resilience: DefaultResilienceConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Auth:       AuthConfig{},
		RateLimit:  DefaultRateLimitConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // 流式响应不设写超时
		ShutdownTimeout: 15 * time.Second,
		MaxRequestBytes: 1 << 20,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider: "anthropic",
		Timeout:  5 * time.Minute,
	}
}

// DefaultResilienceConfig 返回默认弹性层配置
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Retry: RetryConfig{
			MaxAttempts: 3,
			Multiplier:  1.0,
			MaxDelay:    30 * time.Second,
			Jitter:      true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
	}
}

// DefaultCheckpointConfig 返回默认检查点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:    "memory",
		RedisAddr:  "localhost:6379",
		TTL:        24 * time.Hour,
		SQLitePath: "checkpoints.db",
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		RPS:     10,
		Burst:   20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "promptchaind",
		SampleRate:   1.0,
	}
}
