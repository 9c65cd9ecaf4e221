package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/quantfolio/researchd/internal/agent"
	"github.com/quantfolio/researchd/internal/backend"
	"github.com/quantfolio/researchd/internal/config"
	"github.com/quantfolio/researchd/internal/orchestrator"
	"github.com/quantfolio/researchd/internal/runstore"
	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/internal/validator"
	"github.com/quantfolio/researchd/pkg/types"
)

// echoBackend immediately answers with a fixed record.
type echoBackend struct{}

func (echoBackend) Name() string { return "echo" }
func (echoBackend) Decide(context.Context, backend.DecisionRequest) (types.Action, error) {
	return types.Action{Type: types.ActionFinalAnswer, Final: types.Record{"done": true}}, nil
}

func newTestServer(t *testing.T) (*Server, runstore.RunStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	reg := tool.NewRegistry()
	inv := tool.NewInvoker(reg, tool.InvokerConfig{MaxAttempts: 1, DefaultTimeout: time.Second}, logger)
	rt := agent.New(echoBackend{}, reg, inv, v, agent.Config{MaxIterations: 3, BackendAttempts: 1}, logger)
	store := runstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })
	orch := orchestrator.New(store, rt, reg, v, orchestrator.Config{Concurrency: 1}, logger)

	cfg := &config.Config{CORSOrigins: []string{"http://localhost:5173"}}
	h := NewHandlers(store, orch, reg, v, cfg, logger)
	return NewServer(h), store
}

func submitBody(autoStart bool) string {
	req := types.SubmitRequest{
		Pipeline: types.Pipeline{
			Name:  "t",
			Nodes: []types.NodeSpec{{ID: "n1", Role: "r", Goal: "g"}},
		},
		AutoStart: autoStart,
	}
	b, _ := json.Marshal(req)
	return string(b)
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func waitTerminal(t *testing.T, store runstore.RunStore, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		meta, err := store.GetRunMeta(context.Background(), runID)
		if err == nil && meta.Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal state")
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSubmitRunLifecycle(t *testing.T) {
	s, store := newTestServer(t)

	rec := doRequest(s, "POST", "/api/v1/runs", submitBody(true), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp SubmitRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID == "" || resp.EventsURL == "" {
		t.Fatalf("incomplete response %+v", resp)
	}

	waitTerminal(t, store, resp.RunID)

	rec = doRequest(s, "GET", "/api/v1/runs/"+resp.RunID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rec.Code)
	}
	var run types.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}

	rec = doRequest(s, "GET", "/api/v1/runs/"+resp.RunID+"/result", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d", rec.Code)
	}
	var result types.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Outputs["n1"] == nil {
		t.Fatalf("missing terminal output, got %+v", result.Outputs)
	}
}

func TestSubmitInvalidGraph(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"pipeline": {"name": "t", "nodes": [{"id": "x", "role": "r", "goal": "g", "depends_on": ["y"]}]}}`
	rec := doRequest(s, "POST", "/api/v1/runs", body, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != ErrCodeInvalidGraph {
		t.Fatalf("error code = %s, want %s", resp.Error, ErrCodeInvalidGraph)
	}
}

func TestResultBeforeFinish(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, "POST", "/api/v1/runs", submitBody(false), nil)
	var resp SubmitRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doRequest(s, "GET", "/api/v1/runs/"+resp.RunID+"/result", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRunNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, "GET", "/api/v1/runs/ffffffff-ffff-ffff-ffff-ffffffffffff", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestValidatePipelineEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("valid", func(t *testing.T) {
		body := `{"name": "t", "nodes": [{"id": "n1", "role": "r", "goal": "g"}]}`
		rec := doRequest(s, "POST", "/api/v1/pipelines/validate", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"valid":true`) {
			t.Fatalf("body = %s, want valid:true", rec.Body.String())
		}
	})

	t.Run("cycle reported", func(t *testing.T) {
		body := `{"name": "t", "nodes": [{"id": "x", "role": "r", "goal": "g", "depends_on": ["x"]}]}`
		rec := doRequest(s, "POST", "/api/v1/pipelines/validate", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"valid":false`) {
			t.Fatalf("body = %s, want valid:false", rec.Body.String())
		}
	})
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, "GET", "/api/v1/tools", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"tools"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestStreamEventsReplay(t *testing.T) {
	s, store := newTestServer(t)

	rec := doRequest(s, "POST", "/api/v1/runs", submitBody(true), nil)
	var resp SubmitRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitTerminal(t, store, resp.RunID)

	// The run is finished, so the stream replays history and closes.
	rec = doRequest(s, "GET", "/api/v1/runs/"+resp.RunID+"/events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	var eventTypes []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventTypes = append(eventTypes, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(eventTypes) == 0 || eventTypes[0] != string(types.EventRunStarted) {
		t.Fatalf("event types = %v, want run_started first", eventTypes)
	}
	if eventTypes[len(eventTypes)-1] != string(types.EventRunCompleted) {
		t.Fatalf("event types = %v, want run_completed last", eventTypes)
	}

	t.Run("resume skips delivered events", func(t *testing.T) {
		events, err := store.EventsSince(context.Background(), resp.RunID, 0)
		if err != nil || len(events) < 2 {
			t.Fatalf("EventsSince: %v (%d events)", err, len(events))
		}
		lastID := events[len(events)-2].Seq

		rec := doRequest(s, "GET", "/api/v1/runs/"+resp.RunID+"/events", "", map[string]string{
			"Last-Event-ID": strconv.FormatUint(lastID, 10),
		})
		body := rec.Body.String()
		if strings.Contains(body, "event: "+string(types.EventRunStarted)) {
			t.Fatalf("replayed events before Last-Event-ID: %s", body)
		}
		if !strings.Contains(body, "event: "+string(types.EventRunCompleted)) {
			t.Fatalf("missing terminal event after resume: %s", body)
		}
	})
}
