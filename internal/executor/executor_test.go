package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/checkpoint"
	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/interrupt"
	"github.com/orchestrahub/hub/internal/router"
	"github.com/orchestrahub/hub/internal/types"
)

type fakeRegistry struct {
	mu     sync.Mutex
	agent  types.Agent
	active int
}

func (f *fakeRegistry) Dispatchable(context.Context, string) (types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agent, nil
}
func (f *fakeRegistry) IncrementActiveRuns(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	return nil
}
func (f *fakeRegistry) DecrementActiveRuns(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	return nil
}

type fakeThreads struct{}

func (fakeThreads) Get(_ context.Context, threadID string) (types.Thread, error) {
	return types.Thread{ThreadID: threadID, Status: types.ThreadActive}, nil
}
func (fakeThreads) GetContext(context.Context, string, types.ContextBudget) (types.ContextWindow, error) {
	return types.ContextWindow{}, nil
}

type fakeRouter struct {
	decision router.Decision
}

func (f fakeRouter) Route(context.Context, types.RunInput, types.Agent) (router.Decision, bool, error) {
	return f.decision, true, nil
}

type fnHandler struct {
	meta types.HandlerMetadata
	fn   func(ctx context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError)
}

func (h fnHandler) Metadata() types.HandlerMetadata { return h.meta }
func (h fnHandler) Handle(ctx context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError) {
	return h.fn(ctx, execCtx)
}

func readyAgent() types.Agent {
	return types.Agent{
		AgentID: "agent-1", Status: types.AgentStatusActive, LifecycleState: types.LifecycleReady,
		Extensions: types.Extensions{MaxConcurrentRuns: 4, DefaultTimeoutMs: 2000, SupportsInterrupts: true},
	}
}

func newTestExecutor(t *testing.T, handler fnHandler, cfg Config) (*Executor, *fakeRegistry) {
	t.Helper()
	reg := &fakeRegistry{agent: readyAgent()}
	rtr := fakeRouter{decision: router.Decision{Handler: handler, Metadata: handler.meta, Confidence: 1.0}}
	cfg.Workers = 2
	e := New(NewMemStore(), checkpoint.NewMemStore(), reg, fakeThreads{}, rtr, bus.New().AsSink(), cfg)
	return e, reg
}

func TestSubmitAndDispatchCompletesSuccessfully(t *testing.T) {
	handler := fnHandler{
		meta: types.HandlerMetadata{Name: "echo", Version: "1.0.0"},
		fn: func(_ context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError) {
			return &types.RunOutput{Response: "ok"}, nil
		},
	}
	e, reg := newTestExecutor(t, handler, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	run, err := e.Submit(ctx, "agent-1", "", types.RunInput{Operation: "generic"}, types.RunOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, e, run.RunID)
	if final.Status != types.RunCompleted {
		t.Fatalf("expected completed, got %s (%v)", final.Status, final.Error)
	}
	if final.Output == nil || final.Output.Response != "ok" {
		t.Fatalf("expected response 'ok', got %+v", final.Output)
	}
	if reg.active != 0 {
		t.Fatalf("expected agent concurrency slot released, got %d active", reg.active)
	}
}

func TestDispatchHonorsRunTimeoutAndForcesTimeout(t *testing.T) {
	block := make(chan struct{})
	handler := fnHandler{
		meta: types.HandlerMetadata{Name: "slow", Version: "1.0.0"},
		fn: func(ctx context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError) {
			<-block
			return &types.RunOutput{Response: "too late"}, nil
		},
	}
	e, _ := newTestExecutor(t, handler, Config{GraceWindow: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer func() { close(block); e.Stop() }()

	run, err := e.Submit(ctx, "agent-1", "", types.RunInput{Operation: "generic"}, types.RunOptions{TimeoutMs: 50})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, e, run.RunID)
	if final.Status != types.RunTimeout {
		t.Fatalf("expected timeout, got %s", final.Status)
	}
}

func TestInterruptRoundTripResumesRun(t *testing.T) {
	handler := fnHandler{
		meta: types.HandlerMetadata{Name: "needs-approval", Version: "1.0.0"},
		fn: func(ctx context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError) {
			resp, err := execCtx.CreateInterrupt(ctx, types.InterruptSpec{
				Type:    types.InterruptApprovalRequired,
				Payload: types.InterruptPayload{Message: "approve?"},
			})
			if err != nil {
				return nil, &types.RunError{Code: "CAP_RUN_EXECUTION_FAILED", Message: err.Error()}
			}
			return &types.RunOutput{Response: "approved=" + resp.Value}, nil
		},
	}
	e, _ := newTestExecutor(t, handler, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := interrupt.New(ctx, interrupt.NewMemStore(), e)
	if err != nil {
		t.Fatalf("interrupt.New: %v", err)
	}
	e.SetInterrupts(svc)

	e.Start(ctx)
	defer e.Stop()

	run, err := e.Submit(ctx, "agent-1", "", types.RunInput{Operation: "generic"}, types.RunOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var pendingID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		list, _ := svc.List(ctx, types.InterruptFilter{RunID: run.RunID})
		if len(list) > 0 {
			pendingID = list[0].InterruptID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pendingID == "" {
		t.Fatal("expected an interrupt to be created for the run")
	}

	loaded, err := e.store.LoadRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.Status != types.RunInterrupted {
		t.Fatalf("expected run interrupted, got %s", loaded.Status)
	}

	if _, err := svc.Resolve(ctx, pendingID, types.InterruptResponse{Value: "yes", Approved: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	final := waitForTerminal(t, e, run.RunID)
	if final.Status != types.RunCompleted {
		t.Fatalf("expected completed, got %s (%v)", final.Status, final.Error)
	}
	if final.Output == nil || final.Output.Response != "approved=yes" {
		t.Fatalf("expected resumed output with resolver response, got %+v", final.Output)
	}
}

func TestCancelIsIdempotentAndResolvesOwningInterrupt(t *testing.T) {
	handler := fnHandler{
		meta: types.HandlerMetadata{Name: "needs-approval", Version: "1.0.0"},
		fn: func(ctx context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError) {
			_, err := execCtx.CreateInterrupt(ctx, types.InterruptSpec{Type: types.InterruptApprovalRequired})
			if err != nil {
				return nil, &types.RunError{Code: "CAP_RUN_CANCELLED", Message: err.Error()}
			}
			return &types.RunOutput{}, nil
		},
	}
	e, _ := newTestExecutor(t, handler, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := interrupt.New(ctx, interrupt.NewMemStore(), e)
	if err != nil {
		t.Fatalf("interrupt.New: %v", err)
	}
	e.SetInterrupts(svc)

	e.Start(ctx)
	defer e.Stop()

	run, err := e.Submit(ctx, "agent-1", "", types.RunInput{Operation: "generic"}, types.RunOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loaded, _ := e.store.LoadRun(ctx, run.RunID)
		if loaded.Status == types.RunInterrupted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.Cancel(ctx, run.RunID, "user requested"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := e.Cancel(ctx, run.RunID, "user requested again"); err != nil {
		t.Fatalf("second Cancel should be a no-op, got: %v", err)
	}

	final, _ := e.store.LoadRun(ctx, run.RunID)
	if final.Status != types.RunCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestRecoverRequeuesNonTerminalRuns(t *testing.T) {
	handler := fnHandler{
		meta: types.HandlerMetadata{Name: "echo", Version: "1.0.0"},
		fn: func(_ context.Context, execCtx *exectx.Context) (*types.RunOutput, *types.RunError) {
			return &types.RunOutput{Response: "recovered"}, nil
		},
	}
	e, _ := newTestExecutor(t, handler, Config{})
	ctx := context.Background()
	_ = e.store.SaveRun(ctx, types.Run{RunID: "stuck-1", AgentID: "agent-1", Status: types.RunRunning})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.Start(runCtx)
	defer e.Stop()

	if err := e.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	final := waitForTerminal(t, e, "stuck-1")
	if final.Status != types.RunCompleted {
		t.Fatalf("expected recovered run to complete, got %s", final.Status)
	}
}

func waitForTerminal(t *testing.T, e *Executor, runID string) types.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.store.LoadRun(context.Background(), runID)
		if err == nil && run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state in time", runID)
	return types.Run{}
}
