// Package agent implements the reasoning loop that executes a single task
// graph node: it alternates between asking the backend for the next action
// and invoking tools, until the agent produces a final answer or runs out of
// budget.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/quantfolio/researchd/internal/backend"
	"github.com/quantfolio/researchd/internal/metrics"
	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/internal/validator"
	"github.com/quantfolio/researchd/pkg/types"
)

// Config bounds the reasoning loop.
type Config struct {
	// MaxIterations is the default reasoning loop ceiling per node. Nodes
	// may lower or raise it via their spec.
	MaxIterations int
	// BackendAttempts is how many times a transient backend failure is
	// retried within one iteration.
	BackendAttempts int
	// BackendRetryDelay is the pause between backend attempts.
	BackendRetryDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     15,
		BackendAttempts:   3,
		BackendRetryDelay: time.Second,
	}
}

// Task is one node execution request.
type Task struct {
	RunID   string
	Node    *types.NodeSpec
	Context types.RunContext
	// Inputs holds the outputs of the node's predecessors, keyed by node ID.
	Inputs map[string]types.Record
}

// Runtime drives agents. One Runtime serves all nodes of all runs; per-task
// state lives on the stack of Execute.
type Runtime struct {
	backend   backend.Backend
	registry  *tool.Registry
	invoker   *tool.Invoker
	validator *validator.Validator
	cfg       Config
	logger    *slog.Logger
}

// New creates a runtime.
func New(b backend.Backend, registry *tool.Registry, invoker *tool.Invoker, v *validator.Validator, cfg Config, logger *slog.Logger) *Runtime {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.BackendAttempts <= 0 {
		cfg.BackendAttempts = 1
	}
	if cfg.BackendRetryDelay <= 0 {
		cfg.BackendRetryDelay = DefaultConfig().BackendRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		backend:   b,
		registry:  registry,
		invoker:   invoker,
		validator: v,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs the node to completion and returns its output record. The
// transcript is discarded when the function returns; only the output
// survives. Context cancellation is returned unwrapped so callers can tell
// cancellation apart from agent failures.
func (r *Runtime) Execute(ctx context.Context, bus tool.Publisher, task Task) (types.Record, error) {
	node := task.Node

	maxIterations := r.cfg.MaxIterations
	if node.MaxIterations > 0 {
		maxIterations = node.MaxIterations
	}

	allowed := make(map[string]bool, len(node.Tools))
	for _, name := range node.Tools {
		allowed[name] = true
	}
	toolSchemas := r.registry.Subset(node.Tools)

	messages := []backend.Message{
		{Role: "system", Content: r.systemPrompt(node, task.Context)},
		{Role: "user", Content: r.taskPrompt(node, task.Inputs)},
	}

	logger := r.logger.With("run_id", task.RunID, "node_id", node.ID)
	schemaRetried := false

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		action, err := r.decide(ctx, node.ID, backend.DecisionRequest{Messages: messages, Tools: toolSchemas})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		switch action.Type {
		case types.ActionToolCall:
			call := *action.ToolCall
			call.NodeID = node.ID
			call.Attempt = iteration

			messages = append(messages, backend.Message{
				Role:      "assistant",
				Content:   action.Thought,
				ToolCalls: []types.ToolCall{call},
			})

			observation := r.observeToolCall(ctx, bus, allowed, call)
			messages = append(messages, backend.Message{
				Role:       "tool",
				Content:    observation,
				ToolCallID: fmt.Sprintf("call_%s_%d", call.Tool, call.Attempt),
			})

		case types.ActionFinalAnswer:
			if len(node.OutputSchema) > 0 {
				result := r.validator.ValidateRecord(node.OutputSchema, action.Final)
				if verr := result.Err(); verr != nil {
					if schemaRetried {
						return nil, &types.AgentError{
							Kind:   types.AgentOutputSchemaMismatch,
							NodeID: node.ID,
							Err:    verr,
						}
					}
					schemaRetried = true
					logger.Warn("final answer rejected by output schema, retrying", "error", verr)

					final, _ := json.Marshal(action.Final)
					messages = append(messages, backend.Message{Role: "assistant", Content: string(final)})
					messages = append(messages, backend.Message{
						Role:    "user",
						Content: fmt.Sprintf("Your answer did not match the required output schema: %v. Reply again with a JSON object that satisfies the schema.", verr),
					})
					continue
				}
			}
			metrics.AgentIterations.WithLabelValues("succeeded").Observe(float64(iteration))
			logger.Info("agent finished", "iterations", iteration)
			return action.Final, nil

		default:
			return nil, &types.AgentError{
				Kind:   types.AgentBackendUnavailable,
				NodeID: node.ID,
				Err:    fmt.Errorf("backend returned unknown action type %q", action.Type),
			}
		}
	}

	metrics.AgentIterations.WithLabelValues("exhausted").Observe(float64(maxIterations))
	return nil, &types.AgentError{
		Kind:   types.AgentReasoningExhausted,
		NodeID: node.ID,
		Err:    fmt.Errorf("no final answer after %d iterations", maxIterations),
	}
}

// decide asks the backend for the next action, retrying transient failures.
func (r *Runtime) decide(ctx context.Context, nodeID string, req backend.DecisionRequest) (types.Action, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.BackendAttempts; attempt++ {
		action, err := r.backend.Decide(ctx, req)
		if err == nil {
			return action, nil
		}
		lastErr = err

		if !backend.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < r.cfg.BackendAttempts {
			select {
			case <-time.After(r.cfg.BackendRetryDelay):
			case <-ctx.Done():
				return types.Action{}, ctx.Err()
			}
		}
	}
	return types.Action{}, &types.AgentError{
		Kind:   types.AgentBackendUnavailable,
		NodeID: nodeID,
		Err:    lastErr,
	}
}

// observeToolCall resolves and runs a tool call, returning the observation
// text fed back to the model. Disallowed tools and invalid arguments become
// observations rather than task failures, so the agent can correct course.
func (r *Runtime) observeToolCall(ctx context.Context, bus tool.Publisher, allowed map[string]bool, call types.ToolCall) string {
	if !allowed[call.Tool] {
		return fmt.Sprintf("Error: tool %q is not available to this agent. Available tools: %s.", call.Tool, strings.Join(sortedKeys(allowed), ", "))
	}

	if t, ok := r.registry.Get(call.Tool); ok {
		if result := r.validator.ValidateRecord(t.InputSchema(), call.Args); !result.Valid {
			return fmt.Sprintf("Error: invalid arguments for tool %q: %v. Fix the arguments and try again.", call.Tool, result.Err())
		}
	}

	outcome := r.invoker.Invoke(ctx, bus, call)
	if !outcome.OK {
		return fmt.Sprintf("Error: tool %q failed after %d attempt(s): %s", call.Tool, outcome.Attempts, outcome.Error.Message)
	}

	data, err := json.Marshal(outcome.Result)
	if err != nil {
		return fmt.Sprintf("Error: tool %q returned an unserializable result", call.Tool)
	}
	return string(data)
}

func (r *Runtime) systemPrompt(node *types.NodeSpec, runCtx types.RunContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\nYour goal: %s\n", node.Role, node.Goal)

	if len(runCtx) > 0 {
		b.WriteString("\nRun context:\n")
		keys := make([]string, 0, len(runCtx))
		for k := range runCtx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, runCtx[k])
		}
	}

	if len(node.Tools) > 0 {
		b.WriteString("\nUse the available tools to gather information before answering.\n")
	}

	if len(node.OutputSchema) > 0 {
		fmt.Fprintf(&b, "\nWhen you are done, reply with a single JSON object matching this schema:\n%s\n", string(node.OutputSchema))
	} else {
		b.WriteString("\nWhen you are done, reply with a single JSON object containing your findings.\n")
	}
	return b.String()
}

func (r *Runtime) taskPrompt(node *types.NodeSpec, inputs map[string]types.Record) string {
	if len(inputs) == 0 {
		return "Begin."
	}

	var b strings.Builder
	b.WriteString("Results from upstream tasks:\n")
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, err := json.Marshal(inputs[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", k, string(data))
	}
	b.WriteString("\nUse these results to accomplish your goal.")
	return b.String()
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
