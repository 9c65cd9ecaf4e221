package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quantfolio/researchd/internal/eventbus"
	"github.com/quantfolio/researchd/pkg/types"
)

// RedisStore implements RunStore backed by Redis. Run state lives in hashes,
// the event history in a Redis Stream. Live fan-out to subscribers on this
// replica goes through an in-process bus; the stream carries the durable
// history used for replay.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	config *Config

	busMu sync.Mutex
	buses map[string]*eventbus.Bus
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "runs")
	Prefix string

	// Store holds the shared tuning (event history, TTL)
	Store *Config

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "runs",
		Store:        DefaultConfig(),
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if cfg.Store == nil {
		cfg.Store = DefaultConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.Store.TTL,
		config: cfg.Store,
		buses:  make(map[string]*eventbus.Bus),
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string     { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyPipeline(runID string) string { return fmt.Sprintf("%s:%s:pipeline", s.prefix, runID) }
func (s *RedisStore) keyContext(runID string) string  { return fmt.Sprintf("%s:%s:context", s.prefix, runID) }
func (s *RedisStore) keyResults(runID string) string  { return fmt.Sprintf("%s:%s:results", s.prefix, runID) }
func (s *RedisStore) keyResult(runID string) string   { return fmt.Sprintf("%s:%s:result", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string   { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string      { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }
func (s *RedisStore) keyIndex() string                { return s.prefix + ":index" }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyPipeline(runID), s.ttl)
	pipe.Expire(ctx, s.keyContext(runID), s.ttl)
	pipe.Expire(ctx, s.keyResults(runID), s.ttl)
	pipe.Expire(ctx, s.keyResult(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) bus(runID string) *eventbus.Bus {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	bus, ok := s.buses[runID]
	if !ok {
		bus = eventbus.New(runID, s.config.EventHistory, s.config.SubscriberBuffer)
		s.buses[runID] = bus
	}
	return bus
}

func (s *RedisStore) CreateRun(ctx context.Context, pipeline *types.Pipeline, runCtx types.RunContext) (string, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()

	pipelineJSON, err := json.Marshal(pipeline)
	if err != nil {
		return "", fmt.Errorf("marshal pipeline: %w", err)
	}
	contextJSON, _ := json.Marshal(runCtx)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"runId":      runID,
		"name":       pipeline.Name,
		"status":     string(types.RunStatusPending),
		"startedAt":  "",
		"finishedAt": "",
		"error":      "",
		"createdAt":  now.Format(time.RFC3339Nano),
		"updatedAt":  now.Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, s.keyPipeline(runID), string(pipelineJSON), 0)
	pipe.Set(ctx, s.keyContext(runID), string(contextJSON), 0)
	pipe.Set(ctx, s.keySeq(runID), "0", 0)
	pipe.SAdd(ctx, s.keyIndex(), runID)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, runID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}

	s.bus(runID)
	return runID, nil
}

func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}
	return parseMeta(runID, meta), nil
}

func parseMeta(runID string, meta map[string]string) *types.RunMeta {
	result := &types.RunMeta{
		ID:     runID,
		Name:   meta["name"],
		Status: types.RunStatus(meta["status"]),
		Error:  meta["error"],
	}
	if meta["startedAt"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, meta["startedAt"]); err == nil {
			result.StartedAt = &t
		}
	}
	if meta["finishedAt"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, meta["finishedAt"]); err == nil {
			result.FinishedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["createdAt"]); err == nil {
		result.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["updatedAt"]); err == nil {
		result.UpdatedAt = t
	}
	return result
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	pipelineCmd := pipe.Get(ctx, s.keyPipeline(runID))
	contextCmd := pipe.Get(ctx, s.keyContext(runID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	run := &types.Run{RunMeta: *parseMeta(runID, meta)}
	if raw := pipelineCmd.Val(); raw != "" {
		var pipeline types.Pipeline
		if err := json.Unmarshal([]byte(raw), &pipeline); err == nil {
			run.Pipeline = &pipeline
		}
	}
	if raw := contextCmd.Val(); raw != "" {
		var runCtx types.RunContext
		if err := json.Unmarshal([]byte(raw), &runCtx); err == nil {
			run.Context = runCtx
		}
	}
	return run, nil
}

func (s *RedisStore) ListRuns(ctx context.Context) ([]types.RunMeta, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	metas := make([]types.RunMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.GetRunMeta(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			// Expired run still in the index.
			s.client.SRem(ctx, s.keyIndex(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time, errInfo *types.ErrorInfo) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if startedAt != nil {
		fields["startedAt"] = startedAt.Format(time.RFC3339Nano)
	}
	if finishedAt != nil {
		fields["finishedAt"] = finishedAt.Format(time.RFC3339Nano)
	}
	if errInfo != nil {
		fields["error"] = errInfo.Message
	}
	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *RedisStore) SetTaskResult(ctx context.Context, runID string, result types.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	if err := s.client.HSet(ctx, s.keyResults(runID), result.NodeID, string(data)).Err(); err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTaskResults(ctx context.Context, runID string) (map[string]types.TaskResult, error) {
	raw, err := s.client.HGetAll(ctx, s.keyResults(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task results: %w", err)
	}

	out := make(map[string]types.TaskResult, len(raw))
	for nodeID, data := range raw {
		var result types.TaskResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			return nil, fmt.Errorf("unmarshal task result for %s: %w", nodeID, err)
		}
		out[nodeID] = result
	}
	return out, nil
}

func (s *RedisStore) SetRunResult(ctx context.Context, runID string, result *types.RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	if err := s.client.Set(ctx, s.keyResult(runID), string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("set run result: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRunResult(ctx context.Context, runID string) (*types.RunResult, error) {
	raw, err := s.client.Get(ctx, s.keyResult(runID)).Result()
	if errors.Is(err, redis.Nil) {
		if exists, _ := s.client.Exists(ctx, s.keyMeta(runID)).Result(); exists == 0 {
			return nil, ErrRunNotFound
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run result: %w", err)
	}

	var result types.RunResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("unmarshal run result: %w", err)
	}
	return &result, nil
}

func (s *RedisStore) PublishEvent(runID string, evType types.EventType, nodeID string, data interface{}) *types.Event {
	ctx := context.Background()

	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		slog.Warn("failed to allocate event sequence", slog.String("run_id", runID), slog.Any("error", err))
		return nil
	}

	var payload json.RawMessage
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			payload = raw
		}
	}
	event := &types.Event{
		Seq:       uint64(seq),
		RunID:     runID,
		Type:      evType,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}

	eventJSON, _ := json.Marshal(event)
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: int64(s.config.EventHistory),
		Approx: true,
		ID:     fmt.Sprintf("%d-0", seq),
		Values: map[string]interface{}{"event": string(eventJSON)},
	}).Err()
	if err != nil {
		slog.Warn("failed to append event to stream", slog.String("run_id", runID), slog.Any("error", err))
	}

	s.bus(runID).Forward(event)
	return event
}

func (s *RedisStore) EventsSince(ctx context.Context, runID string, afterSeq uint64) ([]*types.Event, error) {
	if exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result(); err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	} else if exists == 0 {
		return nil, ErrRunNotFound
	}

	start := fmt.Sprintf("%d-0", afterSeq+1)
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		if !ok {
			continue
		}
		var event types.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// SubscribeEvents replays the durable stream and attaches to the local
// fan-out. Live events from other replicas are not forwarded; SSE clients
// should be routed to the replica executing the run.
func (s *RedisStore) SubscribeEvents(ctx context.Context, runID string, afterSeq uint64) ([]*types.Event, <-chan *types.Event, func(), error) {
	replay, err := s.EventsSince(ctx, runID, afterSeq)
	if err != nil {
		return nil, nil, nil, err
	}

	lastSeq := afterSeq
	if len(replay) > 0 {
		lastSeq = replay[len(replay)-1].Seq
	}

	// The bus may hold events newer than the stream snapshot; dedupe by
	// starting the live subscription after the replayed position.
	live, ch, cancel := s.bus(runID).SubscribeFrom(lastSeq)
	replay = append(replay, live...)
	return replay, ch, cancel, nil
}

func (s *RedisStore) CloseRunEvents(runID string) {
	s.busMu.Lock()
	bus, ok := s.buses[runID]
	s.busMu.Unlock()
	if ok {
		bus.Close()
	}
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	info := map[string]interface{}{
		"adapter": "redis",
		"prefix":  s.prefix,
		"ttl":     s.ttl.String(),
	}
	if count, err := s.client.SCard(ctx, s.keyIndex()).Result(); err == nil {
		info["run_count"] = count
	}
	if pong, err := s.client.Ping(ctx).Result(); err == nil {
		info["ping"] = strings.ToLower(pong)
	}
	return info, nil
}

func (s *RedisStore) Close() error {
	s.busMu.Lock()
	for _, bus := range s.buses {
		bus.Close()
	}
	s.buses = make(map[string]*eventbus.Bus)
	s.busMu.Unlock()

	return s.client.Close()
}

// Verify interface compliance
var _ RunStore = (*RedisStore)(nil)
