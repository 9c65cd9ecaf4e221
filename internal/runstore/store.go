// Package runstore persists runs, task results, and event streams.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/quantfolio/researchd/pkg/types"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunStore is the persistence interface for runs. Adapters: memory (single
// process) and redis (survives restarts, shareable across replicas).
type RunStore interface {
	CreateRun(ctx context.Context, pipeline *types.Pipeline, runCtx types.RunContext) (string, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	ListRuns(ctx context.Context) ([]types.RunMeta, error)
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, errInfo *types.ErrorInfo) error

	SetTaskResult(ctx context.Context, runID string, result types.TaskResult) error
	GetTaskResults(ctx context.Context, runID string) (map[string]types.TaskResult, error)

	SetRunResult(ctx context.Context, runID string, result *types.RunResult) error
	GetRunResult(ctx context.Context, runID string) (*types.RunResult, error)

	// PublishEvent appends to the run's ordered event stream and fans out
	// to live subscribers without blocking. Returns nil for unknown runs.
	PublishEvent(runID string, evType types.EventType, nodeID string, data interface{}) *types.Event
	// EventsSince returns retained events with sequence greater than afterSeq.
	EventsSince(ctx context.Context, runID string, afterSeq uint64) ([]*types.Event, error)
	// SubscribeEvents atomically replays retained events after afterSeq and
	// registers a live subscriber.
	SubscribeEvents(ctx context.Context, runID string, afterSeq uint64) ([]*types.Event, <-chan *types.Event, func(), error)
	// CloseRunEvents ends the run's event stream, closing subscriber
	// channels. Retained history stays available for replay.
	CloseRunEvents(runID string)

	AdapterInfo(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// Config holds store tuning shared by adapters.
type Config struct {
	// EventHistory bounds the per-run replay buffer.
	EventHistory int
	// SubscriberBuffer bounds each subscriber channel.
	SubscriberBuffer int
	// TTL is how long finished runs are retained (redis only).
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventHistory:     1024,
		SubscriberBuffer: 256,
		TTL:              24 * time.Hour,
	}
}
