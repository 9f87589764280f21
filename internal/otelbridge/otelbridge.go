// Package otelbridge bridges bus.Sink to OpenTelemetry tracing, so that
// run/step/interrupt lifecycle events fanned out on the Event Bus are also
// visible in any OpenTelemetry-compatible backend (Jaeger, Zipkin,
// Grafana Tempo, etc). It is grounded on the teacher's observe/otel.Sink,
// retargeted from the teacher's observe.Event (run/provider/tool/graph
// kinds) to the Hub's types.Event (EventName-discriminated bus events).
package otelbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/stdr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/orchestrahub/hub/internal/types"
)

const instrumentationName = "github.com/orchestrahub/hub/internal/executor"

// SetLogger installs a go-logr/stdr logger as OTel's internal diagnostic
// logger, so SDK-level warnings (dropped spans, exporter failures) land
// on the same stdlib logger the rest of the process uses instead of being
// silently swallowed by the otel package's default no-op logger.
func SetLogger(verbosity int) {
	otel.SetLogger(stdr.NewWithOptions(nil, stdr.Options{LogCaller: stdr.None}).V(verbosity))
}

// Sink implements bus.Sink by emitting OpenTelemetry spans, one per
// Event. Events don't carry their own duration the way the teacher's
// observe.Event does, so each span brackets a single instant: start and
// end share a timestamp except where a duration is recoverable from the
// event's attributes (e.g. a step's completion event may carry
// "durationMs").
type Sink struct {
	tracer trace.Tracer
}

// NewSink builds a Sink using tp, or a no-op TracerProvider if tp is nil
// — matching the teacher's fallback so a Hub deployment with tracing
// disabled pays no cost beyond the interface call.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

// Emit converts a types.Event into a span named after the event.
func (s *Sink) Emit(_ context.Context, event types.Event) error {
	spanName := spanNameFor(event.Name)
	ctx := context.Background()
	startTime := event.Timestamp
	if startTime.IsZero() {
		startTime = time.Now().UTC()
	}

	_, span := s.tracer.Start(ctx, spanName, trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("hub.event.name", string(event.Name)),
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("hub.run.id", event.RunID))
	}
	if event.AgentID != "" {
		attrs = append(attrs, attribute.String("hub.agent.id", event.AgentID))
	}
	if event.ThreadID != "" {
		attrs = append(attrs, attribute.String("hub.thread.id", event.ThreadID))
	}
	if event.StepID != "" {
		attrs = append(attrs, attribute.String("hub.step.id", event.StepID))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("hub.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Name {
	case types.EventRunFailed:
		msg, _ := event.Attributes["message"].(string)
		span.SetStatus(codes.Error, msg)
		if code, ok := event.Attributes["code"].(string); ok && code != "" {
			span.RecordError(fmt.Errorf("%s", code))
		}
	case types.EventRunCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if ms, ok := event.Attributes["durationMs"].(int64); ok && ms > 0 {
		endTime = startTime.Add(time.Duration(ms) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(name types.EventName) string {
	switch name {
	case types.EventRunStarted, types.EventRunCompleted, types.EventRunFailed, types.EventRunInterrupted:
		return "hub.run"
	case types.EventStepStarted, types.EventStepCompleted:
		return "hub.step"
	case types.EventToolCalling, types.EventToolResult:
		return "hub.tool"
	case types.EventInterruptCreated, types.EventInterruptExpired, types.EventInterrupt:
		return "hub.interrupt"
	case types.EventAgentHealthChanged:
		return "hub.agent.health"
	case types.EventToken:
		return "hub.token"
	default:
		return "hub.event." + string(name)
	}
}
