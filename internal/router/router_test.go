package router

import (
	"context"
	"testing"

	"github.com/orchestrahub/hub/internal/exectx"
	"github.com/orchestrahub/hub/internal/types"
)

type fakeHandler struct {
	meta types.HandlerMetadata
}

func (f *fakeHandler) Metadata() types.HandlerMetadata { return f.meta }

func (f *fakeHandler) Handle(_ context.Context, _ *exectx.Context) (*types.RunOutput, *types.RunError) {
	return &types.RunOutput{Response: f.meta.Name}, nil
}

func TestRegisterRejectsDuplicateNameVersion(t *testing.T) {
	r := New()
	meta := types.HandlerMetadata{Name: "rag-handler", Version: "1.0.0", OperationType: types.OperationRAG}
	if err := r.Register(meta, &fakeHandler{meta: meta}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(meta, &fakeHandler{meta: meta}); err == nil {
		t.Fatal("expected duplicate rejection, got nil")
	}
}

func TestRouteExplicitOperation(t *testing.T) {
	r := New()
	meta := types.HandlerMetadata{Name: "rag-handler", Version: "1.0.0", OperationType: types.OperationRAG}
	r.MustRegister(meta, &fakeHandler{meta: meta})

	decision, ok, err := r.Route(context.Background(), types.RunInput{Operation: "rag"}, types.Agent{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !ok {
		t.Fatal("expected a decision, got none")
	}
	if decision.Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0 for explicit operation, got %f", decision.Confidence)
	}
	if decision.Metadata.Name != "rag-handler" {
		t.Fatalf("expected rag-handler, got %s", decision.Metadata.Name)
	}
}

func TestRoutePatternDetectionClassification(t *testing.T) {
	r := New()
	meta := types.HandlerMetadata{Name: "classifier", Version: "1.0.0", OperationType: types.OperationClassification}
	r.MustRegister(meta, &fakeHandler{meta: meta})

	decision, ok, err := r.Route(context.Background(), types.RunInput{Text: "hello", Categories: []string{"a", "b"}}, types.Agent{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !ok {
		t.Fatal("expected a decision, got none")
	}
	if decision.Confidence != 0.95 {
		t.Fatalf("expected confidence 0.95, got %f", decision.Confidence)
	}
}

func TestRouteCapabilityFilterDropsIneligibleHandler(t *testing.T) {
	r := New(WithCapabilityRouting(true))
	meta := types.HandlerMetadata{
		Name: "tool-handler", Version: "1.0.0", OperationType: types.OperationToolCall,
		RequiredCapabilities: []string{"special_tool"},
	}
	r.MustRegister(meta, &fakeHandler{meta: meta})

	agent := types.Agent{Capabilities: types.Capabilities{Tools: []string{"other_tool"}}}
	_, ok, err := r.Route(context.Background(), types.RunInput{Operation: "tool_call"}, agent)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ok {
		t.Fatal("expected no decision since agent lacks required capability")
	}

	agent.Capabilities.Tools = append(agent.Capabilities.Tools, "special_tool")
	decision, ok, err := r.Route(context.Background(), types.RunInput{Operation: "tool_call"}, agent)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !ok {
		t.Fatal("expected a decision once agent has the required capability")
	}
	if decision.Metadata.Name != "tool-handler" {
		t.Fatalf("expected tool-handler, got %s", decision.Metadata.Name)
	}
}

func TestRouteSelectionTiebreak(t *testing.T) {
	r := New()
	low := types.HandlerMetadata{Name: "b-handler", Version: "1.0.0", OperationType: types.OperationGeneric, Priority: 1}
	highPriority := types.HandlerMetadata{Name: "a-handler", Version: "1.0.0", OperationType: types.OperationGeneric, Priority: 5}
	tieOlderVersion := types.HandlerMetadata{Name: "c-handler", Version: "1.0.0", OperationType: types.OperationGeneric, Priority: 5}
	tieNewerVersion := types.HandlerMetadata{Name: "c-handler", Version: "2.0.0", OperationType: types.OperationGeneric, Priority: 5}

	r.MustRegister(low, &fakeHandler{meta: low})
	r.MustRegister(highPriority, &fakeHandler{meta: highPriority})
	r.MustRegister(tieOlderVersion, &fakeHandler{meta: tieOlderVersion})
	r.MustRegister(tieNewerVersion, &fakeHandler{meta: tieNewerVersion})

	decision, ok, err := r.Route(context.Background(), types.RunInput{Operation: "generic"}, types.Agent{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !ok {
		t.Fatal("expected a decision")
	}
	if decision.Metadata.Name != "c-handler" || decision.Metadata.Version != "2.0.0" {
		t.Fatalf("expected c-handler@2.0.0 to win the tiebreak, got %s@%s", decision.Metadata.Name, decision.Metadata.Version)
	}
}

func TestRouteBelowMinConfidenceReturnsNone(t *testing.T) {
	r := New(WithMinConfidence(0.8))
	meta := types.HandlerMetadata{Name: "generic-handler", Version: "1.0.0", OperationType: types.OperationGeneric}
	r.MustRegister(meta, &fakeHandler{meta: meta})

	// "message" shape infers generic at confidence 0.50, below the 0.8 gate.
	_, ok, err := r.Route(context.Background(), types.RunInput{Messages: []types.Message{{}}}, types.Agent{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ok {
		t.Fatal("expected none below min_confidence, got a decision")
	}
}

func TestRouteNoCandidatesReturnsNone(t *testing.T) {
	r := New()
	_, ok, err := r.Route(context.Background(), types.RunInput{}, types.Agent{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ok {
		t.Fatal("expected none with no registered handlers and no inferable operation")
	}
}
