package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCheckpointNotFound is returned by Get when no checkpoint exists for the
// trace ID.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is a durable snapshot of one workflow's state, taken at a stage
// boundary. Stage names the last completed stage.
type Checkpoint struct {
	TraceID string         `json:"trace_id"`
	Stage   string         `json:"stage"`
	State   *WorkflowState `json:"state"`
	SavedAt time.Time      `json:"saved_at"`
}

// CheckpointStore persists workflow checkpoints. Saving is best-effort: the
// orchestrator logs store failures and keeps running.
type CheckpointStore interface {
	// Put stores or replaces the checkpoint for its trace ID.
	Put(ctx context.Context, cp *Checkpoint) error
	// Get loads the checkpoint for a trace ID, or ErrCheckpointNotFound.
	Get(ctx context.Context, traceID string) (*Checkpoint, error)
	// Delete removes a trace's checkpoint. Missing entries are not an error.
	Delete(ctx context.Context, traceID string) error
}

// memoryCheckpointStore 进程内检查点存储，用于测试与单机部署。
// 存取均经 JSON 序列化，避免调用方与存储共享可变状态。
type memoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryCheckpointStore creates an in-process CheckpointStore.
func NewMemoryCheckpointStore() CheckpointStore {
	return &memoryCheckpointStore{data: make(map[string][]byte)}
}

func (s *memoryCheckpointStore) Put(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.TraceID == "" {
		return fmt.Errorf("checkpoint requires a trace id")
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cp.TraceID] = b
	return nil
}

func (s *memoryCheckpointStore) Get(_ context.Context, traceID string) (*Checkpoint, error) {
	s.mu.RLock()
	b, ok := s.data[traceID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *memoryCheckpointStore) Delete(_ context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, traceID)
	return nil
}
