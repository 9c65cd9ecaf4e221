package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quantfolio/researchd/pkg/types"
)

// fakeTool is scripted per attempt.
type fakeTool struct {
	name    string
	timeout time.Duration
	mu      sync.Mutex
	calls   int
	fn      func(attempt int, ctx context.Context, args types.Record) (types.Record, error)
}

func (f *fakeTool) Name() string                 { return f.name }
func (f *fakeTool) Description() string          { return "fake tool" }
func (f *fakeTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Timeout() time.Duration       { return f.timeout }

func (f *fakeTool) Invoke(ctx context.Context, args types.Record) (types.Record, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, ctx, args)
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []*types.Event
}

func (b *recordingBus) Publish(evType types.EventType, nodeID string, data interface{}) *types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	event := &types.Event{Seq: uint64(len(b.events) + 1), Type: evType, NodeID: nodeID, Data: raw}
	b.events = append(b.events, event)
	return event
}

func (b *recordingBus) count(evType types.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, event := range b.events {
		if event.Type == evType {
			n++
		}
	}
	return n
}

func testInvoker(reg *Registry) *Invoker {
	cfg := InvokerConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		DefaultTimeout: 50 * time.Millisecond,
	}
	return NewInvoker(reg, cfg, slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError})))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestInvokeSuccessFirstAttempt(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "echo", fn: func(_ int, _ context.Context, args types.Record) (types.Record, error) {
		return types.Record{"echo": args["msg"]}, nil
	}})

	bus := &recordingBus{}
	outcome := testInvoker(reg).Invoke(context.Background(), bus, types.ToolCall{
		Tool: "echo", Args: types.Record{"msg": "hi"}, NodeID: "n1",
	})

	if !outcome.OK {
		t.Fatalf("expected success, got %v", outcome.Error)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", outcome.Attempts)
	}
	if outcome.Result["echo"] != "hi" {
		t.Fatalf("unexpected result %v", outcome.Result)
	}
	if got := bus.count(types.EventToolInvoked); got != 1 {
		t.Fatalf("expected 1 invoked event, got %d", got)
	}
	if got := bus.count(types.EventToolCompleted); got != 1 {
		t.Fatalf("expected 1 completed event, got %d", got)
	}
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "flaky", fn: func(attempt int, _ context.Context, _ types.Record) (types.Record, error) {
		if attempt < 3 {
			return nil, Transient("flaky", errors.New("upstream 503"))
		}
		return types.Record{"ok": true}, nil
	}})

	bus := &recordingBus{}
	outcome := testInvoker(reg).Invoke(context.Background(), bus, types.ToolCall{Tool: "flaky", NodeID: "n1"})

	if !outcome.OK {
		t.Fatalf("expected eventual success, got %v", outcome.Error)
	}
	if outcome.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", outcome.Attempts)
	}
	if got := bus.count(types.EventToolInvoked); got != 3 {
		t.Fatalf("expected 3 invoked events, got %d", got)
	}
	if got := bus.count(types.EventToolCompleted); got != 3 {
		t.Fatalf("expected 3 completed events, got %d", got)
	}
}

func TestInvokeTimeoutRetriedAsTransient(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "slow", timeout: 10 * time.Millisecond, fn: func(attempt int, ctx context.Context, _ types.Record) (types.Record, error) {
		if attempt < 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return types.Record{"ok": true}, nil
	}})

	bus := &recordingBus{}
	outcome := testInvoker(reg).Invoke(context.Background(), bus, types.ToolCall{Tool: "slow", NodeID: "n1"})

	if !outcome.OK {
		t.Fatalf("expected success on third attempt, got %v", outcome.Error)
	}
	if outcome.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", outcome.Attempts)
	}
}

func TestInvokePermanentFailureNotRetried(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "strict", fn: func(_ int, _ context.Context, _ types.Record) (types.Record, error) {
		return nil, Permanent("strict", errors.New("bad arguments"))
	}})

	bus := &recordingBus{}
	outcome := testInvoker(reg).Invoke(context.Background(), bus, types.ToolCall{Tool: "strict", NodeID: "n1"})

	if outcome.OK {
		t.Fatal("expected failure")
	}
	if outcome.Attempts != 1 {
		t.Fatalf("expected single attempt, got %d", outcome.Attempts)
	}
	if outcome.Error == nil || outcome.Error.Kind != string(types.ToolPermanent) {
		t.Fatalf("expected permanent error info, got %+v", outcome.Error)
	}
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "down", fn: func(_ int, _ context.Context, _ types.Record) (types.Record, error) {
		return nil, Transient("down", errors.New("connection refused"))
	}})

	bus := &recordingBus{}
	outcome := testInvoker(reg).Invoke(context.Background(), bus, types.ToolCall{Tool: "down", NodeID: "n1"})

	if outcome.OK {
		t.Fatal("expected failure after exhausting attempts")
	}
	if outcome.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", outcome.Attempts)
	}
	if outcome.Error == nil || outcome.Error.Kind != string(types.ToolTransient) {
		t.Fatalf("expected transient error info, got %+v", outcome.Error)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	bus := &recordingBus{}
	outcome := testInvoker(NewRegistry()).Invoke(context.Background(), bus, types.ToolCall{Tool: "ghost", NodeID: "n1"})

	if outcome.OK {
		t.Fatal("expected failure")
	}
	if outcome.Error == nil || outcome.Error.Kind != string(types.ToolPermanent) {
		t.Fatalf("expected permanent error, got %+v", outcome.Error)
	}
	if got := bus.count(types.EventToolCompleted); got != 1 {
		t.Fatalf("expected one completed event, got %d", got)
	}
}

func TestInvokeStopsOnCancelledContext(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.Register(&fakeTool{name: "flaky", fn: func(_ int, _ context.Context, _ types.Record) (types.Record, error) {
		cancel()
		return nil, Transient("flaky", errors.New("upstream 503"))
	}})

	bus := &recordingBus{}
	outcome := testInvoker(reg).Invoke(ctx, bus, types.ToolCall{Tool: "flaky", NodeID: "n1"})

	if outcome.OK {
		t.Fatal("expected failure")
	}
	if outcome.Attempts != 1 {
		t.Fatalf("expected no retries after cancellation, got %d attempts", outcome.Attempts)
	}
}

func TestInvokeInFlightCallFinishesAfterCancel(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register(&fakeTool{name: "steady", fn: func(_ int, ctx context.Context, _ types.Record) (types.Record, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return types.Record{"ok": true}, nil
		}
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	bus := &recordingBus{}
	outcome := testInvoker(reg).Invoke(ctx, bus, types.ToolCall{Tool: "steady", NodeID: "n1"})

	// The attempt runs under its own deadline; run cancellation must not
	// cut it short mid-call.
	if !outcome.OK {
		t.Fatalf("in-flight call should finish, got %v", outcome.Error)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", outcome.Attempts)
	}
}

func TestRegistryDuplicateAndListing(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&fakeTool{name: "b"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&fakeTool{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&fakeTool{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}

	subset := reg.Subset([]string{"b", "missing"})
	if len(subset) != 1 || subset[0].Name != "b" {
		t.Fatalf("unexpected subset %v", subset)
	}
}
