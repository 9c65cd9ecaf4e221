package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantfolio/researchd/internal/metrics"
	"github.com/quantfolio/researchd/pkg/types"
)

// Publisher is the slice of the event bus the invoker needs.
type Publisher interface {
	Publish(evType types.EventType, nodeID string, data interface{}) *types.Event
}

// InvokerConfig controls retry and timeout behavior.
type InvokerConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DefaultTimeout time.Duration
}

// DefaultInvokerConfig returns the production defaults.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		DefaultTimeout: 30 * time.Second,
	}
}

// Invoker executes tool calls against a registry. Each attempt runs under a
// per-attempt deadline; transient failures and timeouts are retried with
// exponential backoff, permanent failures are not.
type Invoker struct {
	registry *Registry
	cfg      InvokerConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewInvoker creates an invoker over the given registry.
func NewInvoker(registry *Registry, cfg InvokerConfig, logger *slog.Logger) *Invoker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("researchd/tool"),
	}
}

// Invoke runs a tool call to completion. Every attempt is announced on the
// bus as an invoked/completed event pair. The returned outcome is always
// populated; OK is false when all attempts failed.
func (iv *Invoker) Invoke(ctx context.Context, bus Publisher, call types.ToolCall) types.ToolOutcome {
	ctx, span := iv.tracer.Start(ctx, "tool",
		trace.WithAttributes(
			attribute.String("tool.name", call.Tool),
			attribute.String("node.id", call.NodeID),
		))
	defer span.End()

	start := time.Now()

	t, ok := iv.registry.Get(call.Tool)
	if !ok {
		terr := &types.ToolError{Kind: types.ToolPermanent, Tool: call.Tool, Err: fmt.Errorf("unknown tool %q", call.Tool)}
		iv.publishPair(bus, call.NodeID, call.Tool, 1, 0, terr)
		return types.ToolOutcome{
			Error:    types.ErrInfo(terr),
			Elapsed:  time.Since(start),
			Attempts: 1,
		}
	}

	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = iv.cfg.DefaultTimeout
	}

	attempt := 0
	operation := func() (types.Record, error) {
		attempt++
		bus.Publish(types.EventToolInvoked, call.NodeID, types.ToolEventData{
			Tool:    call.Tool,
			Attempt: attempt,
		})

		attemptStart := time.Now()
		// The attempt keeps its own deadline but is detached from run
		// cancellation: an in-flight call may finish and the caller
		// discards the result. No new attempt starts after cancellation.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		result, err := t.Invoke(attemptCtx, call.Args)
		cancel()
		elapsed := time.Since(attemptStart)

		metrics.ToolDuration.WithLabelValues(call.Tool).Observe(elapsed.Seconds())

		if err != nil {
			terr := iv.classify(call.Tool, err)
			metrics.ToolInvocationsTotal.WithLabelValues(call.Tool, string(terr.Kind)).Inc()
			bus.Publish(types.EventToolCompleted, call.NodeID, types.ToolEventData{
				Tool:      call.Tool,
				Attempt:   attempt,
				ElapsedMS: elapsed.Milliseconds(),
				OK:        false,
				Error:     types.ErrInfo(terr),
			})
			iv.logger.Warn("tool attempt failed",
				"tool", call.Tool,
				"node_id", call.NodeID,
				"attempt", attempt,
				"kind", string(terr.Kind),
				"error", terr.Err)

			// Stop retrying when the run itself is going away.
			if !terr.Retryable() || ctx.Err() != nil {
				return nil, backoff.Permanent(terr)
			}
			return nil, terr
		}

		metrics.ToolInvocationsTotal.WithLabelValues(call.Tool, "ok").Inc()
		bus.Publish(types.EventToolCompleted, call.NodeID, types.ToolEventData{
			Tool:      call.Tool,
			Attempt:   attempt,
			ElapsedMS: elapsed.Milliseconds(),
			OK:        true,
		})
		return result, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = iv.cfg.InitialBackoff
	exp.MaxInterval = iv.cfg.MaxBackoff

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(iv.cfg.MaxAttempts)))

	outcome := types.ToolOutcome{
		Elapsed:  time.Since(start),
		Attempts: attempt,
	}
	if err != nil {
		outcome.Error = types.ErrInfo(iv.classify(call.Tool, err))
		return outcome
	}
	outcome.OK = true
	outcome.Result = result
	return outcome
}

// classify normalizes an error into a ToolError. Tool implementations may
// pre-classify via Transient/Permanent; raw errors default to transient so
// network hiccups get retried, except deadline errors which become timeouts.
func (iv *Invoker) classify(toolName string, err error) *types.ToolError {
	var terr *types.ToolError
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.ToolError{Kind: types.ToolTimeout, Tool: toolName, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &types.ToolError{Kind: types.ToolPermanent, Tool: toolName, Err: err}
	}
	return &types.ToolError{Kind: types.ToolTransient, Tool: toolName, Err: err}
}

func (iv *Invoker) publishPair(bus Publisher, nodeID, toolName string, attempt int, elapsed time.Duration, terr *types.ToolError) {
	bus.Publish(types.EventToolInvoked, nodeID, types.ToolEventData{Tool: toolName, Attempt: attempt})
	bus.Publish(types.EventToolCompleted, nodeID, types.ToolEventData{
		Tool:      toolName,
		Attempt:   attempt,
		ElapsedMS: elapsed.Milliseconds(),
		OK:        false,
		Error:     types.ErrInfo(terr),
	})
}
