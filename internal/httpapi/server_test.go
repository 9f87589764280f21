package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orchestrahub/hub/internal/agentregistry"
	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/checkpoint"
	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/executor"
	"github.com/orchestrahub/hub/internal/interrupt"
	"github.com/orchestrahub/hub/internal/router"
	"github.com/orchestrahub/hub/internal/threadstore"
	"github.com/orchestrahub/hub/internal/types"
)

type testHandler struct {
	meta types.HandlerMetadata
}

func (h testHandler) Metadata() types.HandlerMetadata { return h.meta }

func (testHandler) Handle(_ context.Context, _ *exectx.Context) (*types.RunOutput, *types.RunError) {
	return &types.RunOutput{Response: "ok"}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	registry, err := agentregistry.New(ctx, agentregistry.NewMemStore())
	if err != nil {
		t.Fatalf("agentregistry.New: %v", err)
	}
	threads, err := threadstore.New(ctx, threadstore.NewMemStore())
	if err != nil {
		t.Fatalf("threadstore.New: %v", err)
	}

	rtr := router.New()
	meta := types.HandlerMetadata{Name: "generic", Version: "1.0.0", OperationType: types.OperationGeneric}
	rtr.MustRegister(meta, testHandler{meta: meta})

	events := bus.New()
	exec := executor.New(executor.NewMemStore(), checkpoint.NewMemStore(), registry, threads, rtr, events.AsSink(), executor.Config{Workers: 2})

	interrupts, err := interrupt.New(ctx, interrupt.NewMemStore(), exec, interrupt.WithObserver(events.AsSink()))
	if err != nil {
		t.Fatalf("interrupt.New: %v", err)
	}
	exec.SetInterrupts(interrupts)

	runCtx, cancel := context.WithCancel(ctx)
	exec.Start(runCtx)
	t.Cleanup(func() { exec.Stop(); cancel() })

	server := NewServer(Config{
		Registry:   registry,
		Threads:    threads,
		Executor:   exec,
		Interrupts: interrupts,
		Events:     events,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestRegisterAgentSubmitRunAndPollStatus(t *testing.T) {
	ts := newTestServer(t)

	registerBody := `{"agentId":"agent-1","system":"billing","type":"worker"}`
	resp, err := http.Post(ts.URL+"/api/cap/agents", "application/json", bytes.NewBufferString(registerBody))
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		env := decodeEnvelope(t, resp)
		t.Fatalf("expected 201, got %d: %+v", resp.StatusCode, env)
	}
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/cap/agents/agent-1", bytes.NewBufferString(`{"LifecycleState":"ready"}`))
	if err != nil {
		t.Fatalf("build patch request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("mark agent ready: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		env := decodeEnvelope(t, resp)
		t.Fatalf("expected 200 marking agent ready, got %d: %+v", resp.StatusCode, env)
	}
	resp.Body.Close()

	submitBody := `{"agentId":"agent-1","input":{"operation":"generic","text":"hello"}}`
	resp, err = http.Post(ts.URL+"/api/cap/runs", "application/json", bytes.NewBufferString(submitBody))
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		env := decodeEnvelope(t, resp)
		t.Fatalf("expected 201, got %d: %+v", resp.StatusCode, env)
	}
	env := decodeEnvelope(t, resp)
	resp.Body.Close()

	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected run object in data, got %#v", env.Data)
	}
	runID, _ := data["runId"].(string)
	if runID == "" {
		t.Fatalf("expected a run id in response: %+v", data)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		resp, err = http.Get(ts.URL + "/api/cap/runs/" + runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		env = decodeEnvelope(t, resp)
		resp.Body.Close()
		if data, ok := env.Data.(map[string]any); ok {
			status, _ = data["status"].(string)
		}
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("expected run to complete, last status %q", status)
	}
}

func TestRegisterAgentRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/cap/agents", "application/json", bytes.NewBufferString(`{"capabilities": "not-an-object"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d", resp.StatusCode)
	}
}

func TestUnknownRunReturns404(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/cap/runs/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
