package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 加载器测试
// =============================================================================

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 15*time.Second, cfg.Chain.Analyze.Timeout)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 9000
chain:
  analyze:
    timeout: 10s
  min_confidence_threshold: 0.7
checkpoint:
  backend: sqlite
  sqlite_path: /tmp/cp.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.Chain.Analyze.Timeout)
	assert.Equal(t, 0.7, cfg.Chain.MinConfidenceThreshold)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 30*time.Second, cfg.Chain.Process.Timeout)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0o600))

	t.Setenv("PROMPTCHAIN_SERVER_HTTP_PORT", "9100")
	t.Setenv("PROMPTCHAIN_CHAIN_ANALYZE_TIMEOUT", "12s")
	t.Setenv("PROMPTCHAIN_RESILIENCE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("PROMPTCHAIN_AUTH_ENABLED", "true")
	t.Setenv("PROMPTCHAIN_AUTH_JWT_SECRET", "test-secret")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.HTTPPort)
	assert.Equal(t, 12*time.Second, cfg.Chain.Analyze.Timeout)
	assert.Equal(t, 5, cfg.Resilience.Retry.MaxAttempts)
	assert.True(t, cfg.Auth.Enabled)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "7070")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_CustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			called = true
			return nil
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}

// =============================================================================
// 🧪 配置校验测试
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"invalid http port", func(cfg *Config) { cfg.Server.HTTPPort = 0 }},
		{"invalid request size cap", func(cfg *Config) { cfg.Server.MaxRequestBytes = 0 }},
		{"invalid chain timeout", func(cfg *Config) { cfg.Chain.Analyze.Timeout = 0 }},
		{"invalid retry attempts", func(cfg *Config) { cfg.Resilience.Retry.MaxAttempts = 0 }},
		{"invalid breaker threshold", func(cfg *Config) { cfg.Resilience.Breaker.FailureThreshold = 0 }},
		{"unknown checkpoint backend", func(cfg *Config) { cfg.Checkpoint.Backend = "s3" }},
		{"auth enabled without secret", func(cfg *Config) { cfg.Auth.Enabled = true }},
		{"rate limit without rps", func(cfg *Config) { cfg.RateLimit.RPS = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}
