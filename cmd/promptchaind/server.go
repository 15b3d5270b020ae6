package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ChrisSc/prompt-chaining-sub000/api/handlers"
	"github.com/ChrisSc/prompt-chaining-sub000/chain"
	"github.com/ChrisSc/prompt-chaining-sub000/checkpoint"
	"github.com/ChrisSc/prompt-chaining-sub000/config"
	"github.com/ChrisSc/prompt-chaining-sub000/internal/metrics"
	"github.com/ChrisSc/prompt-chaining-sub000/internal/server"
	"github.com/ChrisSc/prompt-chaining-sub000/internal/telemetry"
	"github.com/ChrisSc/prompt-chaining-sub000/llm"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/circuitbreaker"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/observability"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/retry"
	"github.com/ChrisSc/prompt-chaining-sub000/llm/tokenizer"
	"github.com/ChrisSc/prompt-chaining-sub000/providers/anthropic"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 promptchaind 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	chainHandler  *handlers.ChainHandler

	// 指标
	registry  *prometheus.Registry
	collector *metrics.Collector

	// 检查点后端（redis/sqlite 需要在关闭时释放）
	checkpointCloser io.Closer

	// 遥测
	otelProviders *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器（独立 registry，指标端口单独暴露）
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("promptchain", s.registry, s.logger)

	// 2. 装配编排器与 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("checkpoint_backend", s.cfg.Checkpoint.Backend),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 装配 Provider 弹性层、检查点后端与编排器
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	// LLM Provider + 弹性层
	provider := anthropic.New(s.cfg.LLM, s.logger)

	retryer := retry.NewBackoffRetryer(&retry.Policy{
		MaxAttempts: s.cfg.Resilience.Retry.MaxAttempts,
		Multiplier:  s.cfg.Resilience.Retry.Multiplier,
		MaxDelay:    s.cfg.Resilience.Retry.MaxDelay,
		Jitter:      s.cfg.Resilience.Retry.Jitter,
	}, s.logger)

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: s.cfg.Resilience.Breaker.FailureThreshold,
		OpenTimeout:      s.cfg.Resilience.Breaker.OpenTimeout,
		HalfOpenMaxCalls: s.cfg.Resilience.Breaker.HalfOpenMaxCalls,
		OnStateChange: func(from, to circuitbreaker.State) {
			s.collector.RecordBreakerTransition(from.String(), to.String(), int(to))
		},
	}, s.logger)

	resilient := llm.NewResilientProvider(provider, retryer, breaker, s.logger)

	// 检查点后端
	store, err := s.buildCheckpointStore()
	if err != nil {
		return err
	}

	// 编排器
	orch, err := chain.NewOrchestrator(
		resilient,
		chain.NewPromptRegistry(),
		observability.NewCostCalculator(),
		tokenizer.NewEstimator(""),
		s.cfg.Chain,
		chain.WithCheckpointStore(store),
		chain.WithMetrics(s.collector),
		chain.WithLogger(s.logger),
		chain.WithTracer(otel.Tracer("promptchain/chain")),
	)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	s.chainHandler = handlers.NewChainHandler(orch, s.logger)

	s.logger.Info("Handlers initialized",
		zap.String("provider", provider.Name()),
	)
	return nil
}

// buildCheckpointStore 根据配置选择检查点后端。
// redis/sqlite 后端同时注册就绪检查。
func (s *Server) buildCheckpointStore() (chain.CheckpointStore, error) {
	switch s.cfg.Checkpoint.Backend {
	case "redis":
		store, err := checkpoint.NewRedisStore(context.Background(), checkpoint.RedisConfig{
			Addr:     s.cfg.Checkpoint.RedisAddr,
			Password: s.cfg.Checkpoint.RedisPassword,
			DB:       s.cfg.Checkpoint.RedisDB,
			TTL:      s.cfg.Checkpoint.TTL,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("redis checkpoint store: %w", err)
		}
		s.checkpointCloser = store
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("checkpoint.redis", store.Ping))
		return store, nil

	case "sqlite":
		store, err := checkpoint.NewSQLiteStore(s.cfg.Checkpoint.SQLitePath, s.logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite checkpoint store: %w", err)
		}
		s.checkpointCloser = store
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("checkpoint.sqlite", store.Ping))
		return store, nil

	default:
		return chain.NewMemoryCheckpointStore(), nil
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)

	// 工作流端点
	mux.HandleFunc("/v1/chain/stream", s.chainHandler.HandleStream)
	mux.HandleFunc("/v1/chain/ws", s.chainHandler.HandleWS)

	// 中间件链
	skipAuthPaths := []string{"/health", "/ready"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RequestSizeLimit(s.cfg.Server.MaxRequestBytes),
	}
	if s.cfg.RateLimit.Enabled {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
	}
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares,
			JWTAuth(s.cfg.Auth.JWTSecret, skipAuthPaths, s.logger))
	}

	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout, // 0 表示不限制，流式响应必需
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 释放检查点后端连接
	if s.checkpointCloser != nil {
		if err := s.checkpointCloser.Close(); err != nil {
			s.logger.Error("Checkpoint store close error", zap.Error(err))
		}
	}

	// 5. 刷新并关闭遥测
	if err := s.otelProviders.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
