package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantfolio/researchd/internal/backend"
	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/internal/validator"
	"github.com/quantfolio/researchd/pkg/types"
)

// scriptedBackend returns pre-programmed actions in order.
type scriptedBackend struct {
	mu       sync.Mutex
	steps    []func(req backend.DecisionRequest) (types.Action, error)
	requests []backend.DecisionRequest
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) Decide(_ context.Context, req backend.DecisionRequest) (types.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return types.Action{}, errors.New("script exhausted")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step(req)
}

func answer(final types.Record) func(backend.DecisionRequest) (types.Action, error) {
	return func(backend.DecisionRequest) (types.Action, error) {
		return types.Action{Type: types.ActionFinalAnswer, Final: final}, nil
	}
}

func callTool(name string, args types.Record) func(backend.DecisionRequest) (types.Action, error) {
	return func(backend.DecisionRequest) (types.Action, error) {
		return types.Action{
			Type:     types.ActionToolCall,
			Thought:  "using " + name,
			ToolCall: &types.ToolCall{Tool: name, Args: args},
		}, nil
	}
}

type stubTool struct {
	name   string
	result types.Record
	err    error
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "required": ["query"], "properties": {"query": {"type": "string"}}}`)
}
func (s *stubTool) Timeout() time.Duration { return time.Second }
func (s *stubTool) Invoke(context.Context, types.Record) (types.Record, error) {
	return s.result, s.err
}

type nopBus struct{}

func (nopBus) Publish(types.EventType, string, interface{}) *types.Event { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRuntime(t *testing.T, b backend.Backend, tools ...tool.Tool) *Runtime {
	t.Helper()
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	reg := tool.NewRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	inv := tool.NewInvoker(reg, tool.InvokerConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		DefaultTimeout: time.Second,
	}, quietLogger())
	cfg := Config{MaxIterations: 5, BackendAttempts: 2, BackendRetryDelay: time.Millisecond}
	return New(b, reg, inv, v, cfg, quietLogger())
}

func task(node *types.NodeSpec) Task {
	return Task{RunID: "run-1", Node: node}
}

func TestExecuteToolThenAnswer(t *testing.T) {
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		callTool("lookup", types.Record{"query": "AAPL"}),
		answer(types.Record{"summary": "done"}),
	}}
	rt := newRuntime(t, sb, &stubTool{name: "lookup", result: types.Record{"found": "news"}})

	out, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{
		ID: "n1", Role: "researcher", Goal: "find news", Tools: []string{"lookup"},
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["summary"] != "done" {
		t.Fatalf("unexpected output %v", out)
	}

	// The tool observation must have been fed back to the model.
	last := sb.requests[len(sb.requests)-1]
	foundObservation := false
	for _, msg := range last.Messages {
		if msg.Role == "tool" && strings.Contains(msg.Content, "news") {
			foundObservation = true
		}
	}
	if !foundObservation {
		t.Fatal("expected tool observation in conversation")
	}
}

func TestExecuteReasoningExhausted(t *testing.T) {
	var steps []func(backend.DecisionRequest) (types.Action, error)
	for i := 0; i < 10; i++ {
		steps = append(steps, callTool("lookup", types.Record{"query": "again"}))
	}
	sb := &scriptedBackend{steps: steps}
	rt := newRuntime(t, sb, &stubTool{name: "lookup", result: types.Record{"ok": true}})

	_, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{
		ID: "n1", Role: "r", Goal: "g", Tools: []string{"lookup"},
	}))

	var aerr *types.AgentError
	if !errors.As(err, &aerr) || aerr.Kind != types.AgentReasoningExhausted {
		t.Fatalf("expected reasoning exhausted, got %v", err)
	}
}

func TestExecuteOutputSchemaRetryThenMismatch(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "required": ["score"], "properties": {"score": {"type": "number"}}}`)
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		answer(types.Record{"wrong": true}),
		answer(types.Record{"still_wrong": true}),
	}}
	rt := newRuntime(t, sb)

	_, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{
		ID: "n1", Role: "r", Goal: "g", OutputSchema: schema,
	}))

	var aerr *types.AgentError
	if !errors.As(err, &aerr) || aerr.Kind != types.AgentOutputSchemaMismatch {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
	if len(sb.requests) != 2 {
		t.Fatalf("expected exactly one schema retry, got %d requests", len(sb.requests))
	}
}

func TestExecuteOutputSchemaRetrySucceeds(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "required": ["score"], "properties": {"score": {"type": "number"}}}`)
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		answer(types.Record{"wrong": true}),
		answer(types.Record{"score": 0.9}),
	}}
	rt := newRuntime(t, sb)

	out, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{
		ID: "n1", Role: "r", Goal: "g", OutputSchema: schema,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["score"] != 0.9 {
		t.Fatalf("unexpected output %v", out)
	}

	// The correction prompt must mention the schema problem.
	last := sb.requests[len(sb.requests)-1].Messages
	if !strings.Contains(last[len(last)-1].Content, "output schema") {
		t.Fatalf("expected schema correction prompt, got %q", last[len(last)-1].Content)
	}
}

func TestExecuteBackendUnavailable(t *testing.T) {
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		func(backend.DecisionRequest) (types.Action, error) {
			return types.Action{}, backend.Transient(errors.New("rate limited"))
		},
		func(backend.DecisionRequest) (types.Action, error) {
			return types.Action{}, backend.Transient(errors.New("rate limited"))
		},
	}}
	rt := newRuntime(t, sb)

	_, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{ID: "n1", Role: "r", Goal: "g"}))

	var aerr *types.AgentError
	if !errors.As(err, &aerr) || aerr.Kind != types.AgentBackendUnavailable {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if aerr.NodeID != "n1" {
		t.Fatalf("error should carry the node ID, got %q", aerr.NodeID)
	}
}

func TestNewDefaultsBackendRetryDelay(t *testing.T) {
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	reg := tool.NewRegistry()
	inv := tool.NewInvoker(reg, tool.InvokerConfig{MaxAttempts: 1, DefaultTimeout: time.Second}, quietLogger())

	rt := New(&scriptedBackend{}, reg, inv, v, Config{
		MaxIterations:   15,
		BackendAttempts: 3,
	}, quietLogger())

	if rt.cfg.BackendRetryDelay != DefaultConfig().BackendRetryDelay {
		t.Fatalf("unset retry delay should default, got %v", rt.cfg.BackendRetryDelay)
	}
}

func TestExecuteBackendRetriesArePaced(t *testing.T) {
	transient := func(backend.DecisionRequest) (types.Action, error) {
		return types.Action{}, backend.Transient(errors.New("rate limited"))
	}
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		transient, transient, transient,
	}}

	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	reg := tool.NewRegistry()
	inv := tool.NewInvoker(reg, tool.InvokerConfig{MaxAttempts: 1, DefaultTimeout: time.Second}, quietLogger())

	delay := 30 * time.Millisecond
	rt := New(sb, reg, inv, v, Config{
		MaxIterations:     5,
		BackendAttempts:   3,
		BackendRetryDelay: delay,
	}, quietLogger())

	start := time.Now()
	_, err = rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{ID: "n1", Role: "r", Goal: "g"}))
	elapsed := time.Since(start)

	var aerr *types.AgentError
	if !errors.As(err, &aerr) || aerr.Kind != types.AgentBackendUnavailable {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if got := len(sb.requests); got != 3 {
		t.Fatalf("expected 3 backend attempts, got %d", got)
	}
	if elapsed < 2*delay {
		t.Fatalf("3 attempts should pause twice (>= %v), finished in %v", 2*delay, elapsed)
	}
}

func TestExecuteBackendTransientThenRecovers(t *testing.T) {
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		func(backend.DecisionRequest) (types.Action, error) {
			return types.Action{}, backend.Transient(errors.New("blip"))
		},
		answer(types.Record{"ok": true}),
	}}
	rt := newRuntime(t, sb)

	out, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{ID: "n1", Role: "r", Goal: "g"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestExecuteDisallowedToolBecomesObservation(t *testing.T) {
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		callTool("forbidden", types.Record{"query": "x"}),
		answer(types.Record{"ok": true}),
	}}
	rt := newRuntime(t, sb, &stubTool{name: "lookup"})

	out, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{
		ID: "n1", Role: "r", Goal: "g", Tools: []string{"lookup"},
	}))
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected output %v", out)
	}

	last := sb.requests[len(sb.requests)-1].Messages
	found := false
	for _, msg := range last {
		if msg.Role == "tool" && strings.Contains(msg.Content, "not available") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected disallowed-tool observation")
	}
}

func TestExecuteInvalidToolArgsBecomesObservation(t *testing.T) {
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		callTool("lookup", types.Record{"bogus": 1}),
		answer(types.Record{"ok": true}),
	}}
	rt := newRuntime(t, sb, &stubTool{name: "lookup"})

	_, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{
		ID: "n1", Role: "r", Goal: "g", Tools: []string{"lookup"},
	}))
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}

	last := sb.requests[len(sb.requests)-1].Messages
	found := false
	for _, msg := range last {
		if msg.Role == "tool" && strings.Contains(msg.Content, "invalid arguments") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected invalid-arguments observation")
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		answer(types.Record{"ok": true}),
	}}
	rt := newRuntime(t, sb)

	_, err := rt.Execute(ctx, nopBus{}, task(&types.NodeSpec{ID: "n1", Role: "r", Goal: "g"}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteNodeIterationOverride(t *testing.T) {
	var steps []func(backend.DecisionRequest) (types.Action, error)
	for i := 0; i < 4; i++ {
		steps = append(steps, callTool("lookup", types.Record{"query": "x"}))
	}
	sb := &scriptedBackend{steps: steps}
	rt := newRuntime(t, sb, &stubTool{name: "lookup", result: types.Record{"ok": true}})

	_, err := rt.Execute(context.Background(), nopBus{}, task(&types.NodeSpec{
		ID: "n1", Role: "r", Goal: "g", Tools: []string{"lookup"}, MaxIterations: 2,
	}))

	var aerr *types.AgentError
	if !errors.As(err, &aerr) || aerr.Kind != types.AgentReasoningExhausted {
		t.Fatalf("expected exhaustion at override, got %v", err)
	}
	if len(sb.requests) != 2 {
		t.Fatalf("expected 2 iterations, got %d", len(sb.requests))
	}
}

func TestExecutePromptsCarryContextAndInputs(t *testing.T) {
	sb := &scriptedBackend{steps: []func(backend.DecisionRequest) (types.Action, error){
		answer(types.Record{"ok": true}),
	}}
	rt := newRuntime(t, sb)

	tk := Task{
		RunID:   "run-1",
		Node:    &types.NodeSpec{ID: "n1", Role: "analyst", Goal: "summarize"},
		Context: types.RunContext{"ticker": "AAPL"},
		Inputs:  map[string]types.Record{"research": {"headline": "strong quarter"}},
	}
	if _, err := rt.Execute(context.Background(), nopBus{}, tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	msgs := sb.requests[0].Messages
	if !strings.Contains(msgs[0].Content, "analyst") || !strings.Contains(msgs[0].Content, "ticker: AAPL") {
		t.Fatalf("system prompt missing role or context: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[1].Content, "strong quarter") {
		t.Fatalf("task prompt missing upstream output: %q", msgs[1].Content)
	}
}
