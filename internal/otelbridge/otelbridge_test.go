package otelbridge

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/orchestrahub/hub/internal/types"
)

func newRecordingSink(t *testing.T) (*Sink, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewSink(tp), exporter
}

func TestEmitRecordsOneSpanPerEvent(t *testing.T) {
	sink, exporter := newRecordingSink(t)

	err := sink.Emit(context.Background(), types.Event{
		Name:      types.EventRunStarted,
		RunID:     "run-1",
		AgentID:   "agent-1",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "hub.run" {
		t.Fatalf("expected span name hub.run, got %q", spans[0].Name)
	}
}

func TestEmitMarksRunFailedSpanAsError(t *testing.T) {
	sink, exporter := newRecordingSink(t)

	err := sink.Emit(context.Background(), types.Event{
		Name:      types.EventRunFailed,
		RunID:     "run-1",
		Timestamp: time.Now(),
		Attributes: map[string]any{
			"code":    "CAP_RUN_TIMEOUT",
			"message": "run exceeded its deadline",
		},
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code.String() != "Error" {
		t.Fatalf("expected span status Error, got %v", spans[0].Status.Code)
	}
}

func TestSpanNameForGroupsEventFamilies(t *testing.T) {
	cases := map[types.EventName]string{
		types.EventRunCompleted:       "hub.run",
		types.EventStepStarted:        "hub.step",
		types.EventToolCalling:        "hub.tool",
		types.EventInterruptCreated:   "hub.interrupt",
		types.EventAgentHealthChanged: "hub.agent.health",
		types.EventToken:              "hub.token",
	}
	for name, want := range cases {
		if got := spanNameFor(name); got != want {
			t.Errorf("spanNameFor(%s) = %q, want %q", name, got, want)
		}
	}
}
