// Package orchestrator schedules task graph nodes over agents, enforces
// dependency order, and aggregates node results into a run result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantfolio/researchd/internal/agent"
	"github.com/quantfolio/researchd/internal/graph"
	"github.com/quantfolio/researchd/internal/metrics"
	"github.com/quantfolio/researchd/internal/runstore"
	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/internal/validator"
	"github.com/quantfolio/researchd/pkg/types"
)

// ErrRunNotFinished is returned by Result while the run is still executing.
var ErrRunNotFinished = errors.New("run not finished")

// ErrRunNotPending is returned by Start when the run already started.
var ErrRunNotPending = errors.New("run not pending")

// Config controls run execution.
type Config struct {
	// Concurrency bounds parallel node execution per run. With 1, ready
	// nodes run one at a time in lexicographic order, which makes runs
	// deterministic given deterministic agents.
	Concurrency int
}

// Orchestrator owns run execution. One instance serves all runs.
type Orchestrator struct {
	store     runstore.RunStore
	runtime   *agent.Runtime
	registry  *tool.Registry
	validator *validator.Validator
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(store runstore.RunStore, runtime *agent.Runtime, registry *tool.Registry, v *validator.Validator, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		runtime:   runtime,
		registry:  registry,
		validator: v,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("researchd/orchestrator"),
		active:    make(map[string]context.CancelFunc),
	}
}

// Submit validates a pipeline and creates a run. The graph is checked for
// structural problems, node output schemas must compile, and every
// referenced tool must be registered. With autoStart the run begins
// executing immediately.
func (o *Orchestrator) Submit(ctx context.Context, req types.SubmitRequest) (string, error) {
	if err := o.Validate(&req.Pipeline); err != nil {
		return "", err
	}

	runID, err := o.store.CreateRun(ctx, &req.Pipeline, req.Context)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if req.AutoStart {
		if err := o.Start(ctx, runID); err != nil {
			return runID, err
		}
	}
	return runID, nil
}

// Validate checks a pipeline without creating a run: graph structure,
// registered tools, and compilable output schemas.
func (o *Orchestrator) Validate(pipeline *types.Pipeline) error {
	g, err := graph.Build(pipeline)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, name := range o.registry.Names() {
		known[name] = true
	}
	for _, nodeID := range g.Order {
		node := g.Nodes[nodeID]
		for _, toolName := range node.Tools {
			if !known[toolName] {
				return &types.GraphError{Reason: fmt.Sprintf("unknown tool %q", toolName), Nodes: []string{nodeID}}
			}
		}
		if len(node.OutputSchema) > 0 {
			if err := o.validator.CheckSchema(node.OutputSchema); err != nil {
				return &types.GraphError{Reason: fmt.Sprintf("invalid output schema: %v", err), Nodes: []string{nodeID}}
			}
		}
	}
	return nil
}

// Start begins executing a pending run in the background.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunStatusPending {
		return fmt.Errorf("%w: status is %s", ErrRunNotPending, run.Status)
	}

	g, err := graph.Build(run.Pipeline)
	if err != nil {
		return err
	}

	// The run outlives the submitting request; only Cancel or Shutdown
	// stops it.
	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if _, exists := o.active[runID]; exists {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: already executing", ErrRunNotPending)
	}
	o.active[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.active, runID)
			o.mu.Unlock()
			cancel()
		}()
		o.executeRun(runCtx, run, g)
	}()

	return nil
}

// Cancel stops a run. Running nodes are interrupted, unstarted nodes are
// skipped. Cancelling a finished run is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	cancel, executing := o.active[runID]
	o.mu.Unlock()

	if executing {
		cancel()
		return nil
	}

	meta, err := o.store.GetRunMeta(ctx, runID)
	if err != nil {
		return err
	}
	if meta.Status.Terminal() {
		return nil
	}

	// Pending run, never started: finalize directly.
	now := time.Now().UTC()
	runErr := &types.RunError{Kind: types.RunCancelled, RunID: runID}
	errInfo := types.ErrInfo(runErr)
	if err := o.store.UpdateRunStatus(ctx, runID, types.RunStatusCancelled, nil, &now, errInfo); err != nil {
		return err
	}
	o.publish(runID, types.EventRunFailed, "", types.RunEventData{Status: types.RunStatusCancelled, Error: errInfo})
	o.store.CloseRunEvents(runID)
	return nil
}

// Result returns the aggregate run result. ErrRunNotFinished is returned
// while the run is still pending or executing.
func (o *Orchestrator) Result(ctx context.Context, runID string) (*types.RunResult, error) {
	result, err := o.store.GetRunResult(ctx, runID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrRunNotFinished
	}
	return result, nil
}

// Shutdown cancels all active runs and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish emits an event on the run's stream and bumps the event counter.
func (o *Orchestrator) publish(runID string, evType types.EventType, nodeID string, data interface{}) {
	metrics.EventsTotal.WithLabelValues(string(evType)).Inc()
	o.store.PublishEvent(runID, evType, nodeID, data)
}

// busPublisher narrows the store to the publisher interface tool invocation
// needs, bound to one run.
type busPublisher struct {
	o     *Orchestrator
	runID string
}

func (p busPublisher) Publish(evType types.EventType, nodeID string, data interface{}) *types.Event {
	metrics.EventsTotal.WithLabelValues(string(evType)).Inc()
	return p.o.store.PublishEvent(p.runID, evType, nodeID, data)
}

// nodeOutcome travels from node goroutines back to the scheduling loop.
type nodeOutcome struct {
	nodeID     string
	output     types.Record
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// executeRun drives one run to completion. It is the only writer of task
// results and run status for its run; node goroutines report back over a
// channel.
func (o *Orchestrator) executeRun(ctx context.Context, run *types.Run, g *graph.Graph) {
	runID := run.ID
	logger := o.logger.With("run_id", runID, "pipeline", run.Name)
	bg := context.Background()
	startedWall := time.Now()

	ctx, span := o.tracer.Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("pipeline.name", run.Name),
			attribute.Int("pipeline.nodes", len(g.Nodes)),
		))
	defer span.End()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	now := time.Now().UTC()
	if err := o.store.UpdateRunStatus(bg, runID, types.RunStatusRunning, &now, nil, nil); err != nil {
		logger.Error("failed to mark run running", "error", err)
		return
	}
	o.publish(runID, types.EventRunStarted, "", types.RunEventData{Status: types.RunStatusRunning})
	logger.Info("run started", "nodes", len(g.Nodes), "concurrency", o.cfg.Concurrency)

	remaining := make(map[string]int, len(g.PredCount))
	for id, n := range g.PredCount {
		remaining[id] = n
	}
	results := make(map[string]types.TaskResult, len(g.Nodes))
	outputs := make(map[string]types.Record, len(g.Nodes))
	running := make(map[string]bool)
	ready := g.Roots()
	done := make(chan nodeOutcome)
	pub := busPublisher{o: o, runID: runID}

	launch := func(nodeID string) {
		node := g.Nodes[nodeID]
		startedAt := time.Now().UTC()
		running[nodeID] = true

		// Inputs are snapshotted here so node goroutines never touch the
		// loop's maps.
		inputs := make(map[string]types.Record, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if out, ok := outputs[dep]; ok {
				inputs[dep] = out
			}
		}

		o.publish(runID, types.EventNodeStarted, nodeID, types.NodeEventData{
			Status: types.TaskStatusRunning,
			Role:   node.Role,
		})

		go func() {
			nodeCtx, nodeSpan := o.tracer.Start(ctx, "node",
				trace.WithAttributes(
					attribute.String("node.id", nodeID),
					attribute.String("node.role", node.Role),
				))
			defer nodeSpan.End()

			output, err := o.runtime.Execute(nodeCtx, pub, agent.Task{
				RunID:   runID,
				Node:    node,
				Context: run.Context,
				Inputs:  inputs,
			})
			done <- nodeOutcome{
				nodeID:     nodeID,
				output:     output,
				err:        err,
				startedAt:  startedAt,
				finishedAt: time.Now().UTC(),
			}
		}()
	}

	record := func(result types.TaskResult) {
		results[result.NodeID] = result
		metrics.NodesTotal.WithLabelValues(string(result.Status)).Inc()
		if err := o.store.SetTaskResult(bg, runID, result); err != nil {
			logger.Error("failed to persist task result", "node_id", result.NodeID, "error", err)
		}
	}

	// skipDependents marks every unfinished transitive dependent of nodeID
	// as skipped. Dependents can never be running: their predecessor just
	// reached a terminal state.
	skipDependents := func(nodeID string, cause *types.ErrorInfo) {
		for _, depID := range g.TransitiveDependents(nodeID) {
			if _, finished := results[depID]; finished {
				continue
			}
			record(types.TaskResult{NodeID: depID, Status: types.TaskStatusSkipped, Error: cause})
			o.publish(runID, types.EventNodeSkipped, depID, types.NodeEventData{
				Status: types.TaskStatusSkipped,
				Error:  cause,
			})
		}
	}

	insertReady := func(nodeID string) {
		i := sort.SearchStrings(ready, nodeID)
		ready = append(ready, "")
		copy(ready[i+1:], ready[i:])
		ready[i] = nodeID
	}

	for len(results) < len(g.Nodes) {
		for ctx.Err() == nil && len(running) < o.cfg.Concurrency && len(ready) > 0 {
			next := ready[0]
			ready = ready[1:]
			if _, finished := results[next]; finished {
				continue
			}
			launch(next)
		}
		metrics.SchedulerReadyNodes.Set(float64(len(ready)))

		if len(running) == 0 {
			if ctx.Err() != nil {
				// Cancelled with nothing in flight: everything unfinished
				// is skipped.
				cause := types.ErrInfo(&types.RunError{Kind: types.RunCancelled, RunID: runID})
				for _, nodeID := range g.Order {
					if _, finished := results[nodeID]; finished {
						continue
					}
					record(types.TaskResult{NodeID: nodeID, Status: types.TaskStatusSkipped, Error: cause})
					o.publish(runID, types.EventNodeSkipped, nodeID, types.NodeEventData{
						Status: types.TaskStatusSkipped,
						Error:  cause,
					})
				}
				break
			}
			if len(ready) == 0 {
				// A valid DAG cannot stall with work left; bail out rather
				// than spin.
				logger.Error("scheduler stalled", "completed", len(results), "total", len(g.Nodes))
				break
			}
			continue
		}

		outcome := <-done
		delete(running, outcome.nodeID)
		duration := outcome.finishedAt.Sub(outcome.startedAt)

		switch {
		case outcome.err == nil:
			outputs[outcome.nodeID] = outcome.output
			record(types.TaskResult{
				NodeID:     outcome.nodeID,
				Status:     types.TaskStatusSucceeded,
				Output:     outcome.output,
				StartedAt:  &outcome.startedAt,
				FinishedAt: &outcome.finishedAt,
			})
			metrics.NodeDuration.WithLabelValues(string(types.TaskStatusSucceeded)).Observe(duration.Seconds())
			o.publish(runID, types.EventNodeCompleted, outcome.nodeID, types.NodeEventData{Status: types.TaskStatusSucceeded})
			logger.Info("node succeeded", "node_id", outcome.nodeID, "duration", duration)

			for downstream := range g.Dependents[outcome.nodeID] {
				remaining[downstream]--
				if remaining[downstream] == 0 {
					insertReady(downstream)
				}
			}

		case errors.Is(outcome.err, context.Canceled) && ctx.Err() != nil:
			errInfo := types.ErrInfo(&types.RunError{Kind: types.RunCancelled, RunID: runID, NodeID: outcome.nodeID})
			record(types.TaskResult{
				NodeID:     outcome.nodeID,
				Status:     types.TaskStatusCancelled,
				Error:      errInfo,
				StartedAt:  &outcome.startedAt,
				FinishedAt: &outcome.finishedAt,
			})
			metrics.NodeDuration.WithLabelValues(string(types.TaskStatusCancelled)).Observe(duration.Seconds())
			o.publish(runID, types.EventNodeCancelled, outcome.nodeID, types.NodeEventData{
				Status: types.TaskStatusCancelled,
				Error:  errInfo,
			})
			logger.Info("node cancelled", "node_id", outcome.nodeID)
			skipDependents(outcome.nodeID, errInfo)

		default:
			errInfo := types.ErrInfo(outcome.err)
			record(types.TaskResult{
				NodeID:     outcome.nodeID,
				Status:     types.TaskStatusFailed,
				Error:      errInfo,
				StartedAt:  &outcome.startedAt,
				FinishedAt: &outcome.finishedAt,
			})
			metrics.NodeDuration.WithLabelValues(string(types.TaskStatusFailed)).Observe(duration.Seconds())
			o.publish(runID, types.EventNodeFailed, outcome.nodeID, types.NodeEventData{
				Status: types.TaskStatusFailed,
				Error:  errInfo,
			})
			logger.Warn("node failed", "node_id", outcome.nodeID, "error", outcome.err)
			skipDependents(outcome.nodeID, errInfo)
		}
	}

	o.finalize(bg, runID, g, results, outputs, ctx.Err() != nil, startedWall, logger)
}

// finalize computes the run result, persists it, emits the terminal event,
// and ends the event stream.
func (o *Orchestrator) finalize(ctx context.Context, runID string, g *graph.Graph, results map[string]types.TaskResult, outputs map[string]types.Record, cancelled bool, startedWall time.Time, logger *slog.Logger) {
	var failed, skipped []string
	succeeded := 0
	for _, nodeID := range g.Order {
		switch results[nodeID].Status {
		case types.TaskStatusSucceeded:
			succeeded++
		case types.TaskStatusFailed:
			failed = append(failed, nodeID)
		case types.TaskStatusSkipped, types.TaskStatusCancelled:
			skipped = append(skipped, nodeID)
		}
	}
	sort.Strings(failed)
	sort.Strings(skipped)

	var status types.RunStatus
	var runErr *types.RunError
	switch {
	case cancelled:
		status = types.RunStatusCancelled
		runErr = &types.RunError{Kind: types.RunCancelled, RunID: runID}
	case len(failed) == 0 && len(skipped) == 0:
		status = types.RunStatusSucceeded
	case succeeded == 0:
		status = types.RunStatusFailed
		runErr = &types.RunError{Kind: types.RunTaskFailed, RunID: runID, NodeID: firstFailed(g, results)}
	default:
		status = types.RunStatusPartial
		runErr = &types.RunError{Kind: types.RunPartialFailure, RunID: runID, NodeID: firstFailed(g, results)}
	}

	// Expose the outputs of terminal nodes that actually produced one.
	// Absent entries mean the node failed or was skipped.
	terminalOutputs := make(map[string]types.Record)
	for _, nodeID := range g.Terminals() {
		if out, ok := outputs[nodeID]; ok {
			terminalOutputs[nodeID] = out
		}
	}

	result := &types.RunResult{
		RunID:        runID,
		Status:       status,
		Outputs:      terminalOutputs,
		Results:      results,
		FailedNodes:  failed,
		SkippedNodes: skipped,
		Error:        types.ErrInfo(runErr),
	}
	if err := o.store.SetRunResult(ctx, runID, result); err != nil {
		logger.Error("failed to persist run result", "error", err)
	}

	now := time.Now().UTC()
	if err := o.store.UpdateRunStatus(ctx, runID, status, nil, &now, result.Error); err != nil {
		logger.Error("failed to persist run status", "error", err)
	}

	eventType := types.EventRunCompleted
	if status == types.RunStatusFailed || status == types.RunStatusCancelled {
		eventType = types.EventRunFailed
	}
	o.publish(runID, eventType, "", types.RunEventData{Status: status, Error: result.Error})
	o.store.CloseRunEvents(runID)

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(startedWall).Seconds())
	logger.Info("run finished", "status", status, "succeeded", succeeded, "failed", len(failed), "skipped", len(skipped))
}

// firstFailed returns the first failed node in topological order.
func firstFailed(g *graph.Graph, results map[string]types.TaskResult) string {
	for _, nodeID := range g.Order {
		if results[nodeID].Status == types.TaskStatusFailed {
			return nodeID
		}
	}
	return ""
}
