package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/chain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig Redis 检查点存储配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 检查点过期时间（0 表示不过期）
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultRedisConfig 返回默认配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		TTL:       24 * time.Hour,
		KeyPrefix: "promptchain:checkpoint:",
	}
}

// RedisStore 基于 Redis 的检查点存储
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 检查点存储并验证连通性
func NewRedisStore(ctx context.Context, config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", config.Addr, err)
	}

	logger.Info("redis checkpoint store initialized",
		zap.String("addr", config.Addr),
		zap.Duration("ttl", config.TTL),
	)

	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_checkpoint")),
	}, nil
}

// NewRedisStoreWithClient 复用已有客户端（测试与共享连接场景）
func NewRedisStoreWithClient(client *redis.Client, config RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_checkpoint")),
	}
}

func (s *RedisStore) key(traceID string) string {
	return s.config.KeyPrefix + traceID
}

// Put 实现 chain.CheckpointStore.Put
func (s *RedisStore) Put(ctx context.Context, cp *chain.Checkpoint) error {
	if cp == nil || cp.TraceID == "" {
		return fmt.Errorf("checkpoint requires a trace id")
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(cp.TraceID), b, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("store checkpoint %s: %w", cp.TraceID, err)
	}
	return nil
}

// Get 实现 chain.CheckpointStore.Get
func (s *RedisStore) Get(ctx context.Context, traceID string) (*chain.Checkpoint, error) {
	b, err := s.client.Get(ctx, s.key(traceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, chain.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", traceID, err)
	}

	var cp chain.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", traceID, err)
	}
	return &cp, nil
}

// Delete 实现 chain.CheckpointStore.Delete
func (s *RedisStore) Delete(ctx context.Context, traceID string) error {
	if err := s.client.Del(ctx, s.key(traceID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", traceID, err)
	}
	return nil
}

// Ping 探测后端连通性，用于就绪检查。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 释放底层连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}
