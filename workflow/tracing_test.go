package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func spansNamed(spans []sdktrace.ReadOnlySpan, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func TestTracing_PipelineSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	appender := func(id string) *Executor {
		return NewExecutor(id, OnMessage(func(ctx context.Context, wc *Context, msg string) error {
			return wc.SendMessage(msg + "-" + id)
		}, TypeOf[string]()))
	}
	terminal := NewExecutor("c", OnMessage(func(ctx context.Context, wc *Context, msg string) error {
		wc.YieldOutput(msg + "-c")
		return nil
	}))
	wf, err := NewWorkflowBuilder("traced").
		AddExecutor(appender("a")).AddExecutor(appender("b")).AddExecutor(terminal).
		AddEdge("a", "b").AddEdge("b", "c").
		WithStart("a").
		WithTracerProvider(tp).
		Build()
	require.NoError(t, err)

	_, err = wf.Run(context.Background(), "start")
	require.NoError(t, err)

	spans := sr.Ended()

	invokes := spansNamed(spans, "executor.invoke")
	require.Len(t, invokes, 3)
	var ids []string
	for _, s := range invokes {
		v, ok := attrValue(s, "executor.id")
		require.True(t, ok)
		ids = append(ids, v.AsString())
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)

	// Two edge deliveries, both DELIVERED.
	deliveries := spansNamed(spans, "edge_group.process")
	require.Len(t, deliveries, 2)
	for _, s := range deliveries {
		v, ok := attrValue(s, "edge_group.delivery_status")
		require.True(t, ok)
		assert.Equal(t, "DELIVERED", v.AsString())
		delivered, ok := attrValue(s, "edge_group.delivered")
		require.True(t, ok)
		assert.True(t, delivered.AsBool())
		kind, ok := attrValue(s, "edge_group.type")
		require.True(t, ok)
		assert.Equal(t, "single", kind.AsString())
	}
}

func TestTracing_FanInAggregateSpanLinksSources(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	forward := func(id string) *Executor {
		return NewExecutor(id, OnMessage(func(ctx context.Context, wc *Context, n int) error {
			return wc.SendMessage(n)
		}, TypeOf[int]()))
	}
	wf, err := NewWorkflowBuilder("traced-fan-in").
		AddExecutor(forward("split")).
		AddExecutor(forward("left")).AddExecutor(forward("right")).
		AddExecutor(NewExecutor("gather", OnMessage(func(ctx context.Context, wc *Context, ns []int) error {
			return nil
		}))).
		AddFanOut("split", []string{"left", "right"}).
		AddFanIn([]string{"left", "right"}, "gather").
		WithStart("split").
		WithTracerProvider(tp).
		Build()
	require.NoError(t, err)

	_, err = wf.Run(context.Background(), 1)
	require.NoError(t, err)

	var buffered, delivered []sdktrace.ReadOnlySpan
	for _, s := range spansNamed(sr.Ended(), "edge_group.process") {
		kind, ok := attrValue(s, "edge_group.type")
		if !ok || kind.AsString() != "fan_in" {
			continue
		}
		status, ok := attrValue(s, "edge_group.delivery_status")
		require.True(t, ok)
		switch status.AsString() {
		case "BUFFERED":
			buffered = append(buffered, s)
		case "DELIVERED":
			delivered = append(delivered, s)
		}
	}

	// One buffering attempt per source, one aggregate delivery linked back to
	// both contributing spans.
	assert.Len(t, buffered, 2)
	require.Len(t, delivered, 1)
	assert.GreaterOrEqual(t, len(delivered[0].Links()), 2)
}
