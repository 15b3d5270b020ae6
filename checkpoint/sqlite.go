package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChrisSc/prompt-chaining-sub000/chain"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// checkpointRecord 检查点表模型；状态整体以 JSON 存储，
// trace_id 作为主键保证一条记录对应一次工作流。
type checkpointRecord struct {
	TraceID   string    `gorm:"column:trace_id;primaryKey"`
	Stage     string    `gorm:"column:stage;not null"`
	State     []byte    `gorm:"column:state;not null"`
	SavedAt   time.Time `gorm:"column:saved_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (checkpointRecord) TableName() string {
	return "workflow_checkpoints"
}

// SQLiteStore 基于 SQLite 的检查点存储（纯 Go 驱动，免 CGO）
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore 打开（或创建）数据库文件并迁移表结构。
// path 传 ":memory:" 可用于测试。
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}

	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint schema: %w", err)
	}

	logger.Info("sqlite checkpoint store initialized", zap.String("path", path))

	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "sqlite_checkpoint")),
	}, nil
}

// Put 实现 chain.CheckpointStore.Put（按 trace_id 覆盖写）
func (s *SQLiteStore) Put(ctx context.Context, cp *chain.Checkpoint) error {
	if cp == nil || cp.TraceID == "" {
		return fmt.Errorf("checkpoint requires a trace id")
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}

	record := checkpointRecord{
		TraceID: cp.TraceID,
		Stage:   cp.Stage,
		State:   state,
		SavedAt: cp.SavedAt,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("store checkpoint %s: %w", cp.TraceID, err)
	}
	return nil
}

// Get 实现 chain.CheckpointStore.Get
func (s *SQLiteStore) Get(ctx context.Context, traceID string) (*chain.Checkpoint, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).First(&record, "trace_id = ?", traceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chain.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", traceID, err)
	}

	var state chain.WorkflowState
	if err := json.Unmarshal(record.State, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", traceID, err)
	}

	return &chain.Checkpoint{
		TraceID: record.TraceID,
		Stage:   record.Stage,
		State:   &state,
		SavedAt: record.SavedAt,
	}, nil
}

// Delete 实现 chain.CheckpointStore.Delete
func (s *SQLiteStore) Delete(ctx context.Context, traceID string) error {
	if err := s.db.WithContext(ctx).Delete(&checkpointRecord{}, "trace_id = ?", traceID).Error; err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", traceID, err)
	}
	return nil
}

// Ping 探测后端连通性，用于就绪检查。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 释放底层连接
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
