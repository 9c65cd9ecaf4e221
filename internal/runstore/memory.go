package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/researchd/internal/eventbus"
	"github.com/quantfolio/researchd/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu         sync.RWMutex
	meta       types.RunMeta
	pipeline   *types.Pipeline
	runContext types.RunContext
	results    map[string]types.TaskResult
	result     *types.RunResult
	bus        *eventbus.Bus
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, pipeline *types.Pipeline, runCtx types.RunContext) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	now := time.Now().UTC()

	s.runs[runID] = &memoryRun{
		meta: types.RunMeta{
			ID:        runID,
			Name:      pipeline.Name,
			Status:    types.RunStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		pipeline:   pipeline,
		runContext: runCtx.Clone(),
		results:    make(map[string]types.TaskResult),
		bus:        eventbus.New(runID, s.config.EventHistory, s.config.SubscriberBuffer),
	}

	return runID, nil
}

func (s *MemoryStore) get(runID string) (*memoryRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.Run{
		RunMeta:  run.meta,
		Pipeline: run.pipeline,
		Context:  run.runContext.Clone(),
	}, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	meta := run.meta
	return &meta, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]types.RunMeta, error) {
	s.mu.RLock()
	runs := make([]*memoryRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	metas := make([]types.RunMeta, 0, len(runs))
	for _, run := range runs {
		run.mu.RLock()
		metas = append(metas, run.meta)
		run.mu.RUnlock()
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, errInfo *types.ErrorInfo) error {
	run, ok := s.get(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.meta.Status = status
	run.meta.UpdatedAt = time.Now().UTC()
	if startedAt != nil {
		run.meta.StartedAt = startedAt
	}
	if finishedAt != nil {
		run.meta.FinishedAt = finishedAt
	}
	if errInfo != nil {
		run.meta.Error = errInfo.Message
	}
	return nil
}

func (s *MemoryStore) SetTaskResult(ctx context.Context, runID string, result types.TaskResult) error {
	run, ok := s.get(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.results[result.NodeID] = result
	run.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetTaskResults(ctx context.Context, runID string) (map[string]types.TaskResult, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	out := make(map[string]types.TaskResult, len(run.results))
	for id, result := range run.results {
		out[id] = result
	}
	return out, nil
}

func (s *MemoryStore) SetRunResult(ctx context.Context, runID string, result *types.RunResult) error {
	run, ok := s.get(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.result = result
	run.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetRunResult(ctx context.Context, runID string) (*types.RunResult, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return run.result, nil
}

func (s *MemoryStore) PublishEvent(runID string, evType types.EventType, nodeID string, data interface{}) *types.Event {
	run, ok := s.get(runID)
	if !ok {
		return nil
	}
	return run.bus.Publish(evType, nodeID, data)
}

func (s *MemoryStore) EventsSince(ctx context.Context, runID string, afterSeq uint64) ([]*types.Event, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.bus.EventsSince(afterSeq), nil
}

func (s *MemoryStore) SubscribeEvents(ctx context.Context, runID string, afterSeq uint64) ([]*types.Event, <-chan *types.Event, func(), error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, nil, nil, ErrRunNotFound
	}
	replay, ch, cancel := run.bus.SubscribeFrom(afterSeq)
	return replay, ch, cancel, nil
}

func (s *MemoryStore) CloseRunEvents(runID string) {
	if run, ok := s.get(runID); ok {
		run.bus.Close()
	}
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":       "memory",
		"run_count":     runCount,
		"event_history": s.config.EventHistory,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.bus.Close()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
