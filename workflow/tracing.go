package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// deliverySpanName is the span every edge-runner attempt records.
const deliverySpanName = "edge_group.process"

// startDeliverySpan opens the edge_group.process span for one delivery
// attempt, linking back to the source spans carried by the envelope.
func startDeliverySpan(ctx context.Context, tracer trace.Tracer, g *EdgeGroup, env *Envelope) (context.Context, trace.Span) {
	links := make([]trace.Link, 0, len(env.TraceContexts))
	for _, sc := range env.TraceContexts {
		if sc.IsValid() {
			links = append(links, trace.Link{SpanContext: sc})
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("edge_group.type", string(g.Kind)),
		attribute.String("edge_group.id", g.ID),
		attribute.String("message.source_id", env.SourceID),
	}
	if env.TargetID != "" {
		attrs = append(attrs, attribute.String("message.target_id", env.TargetID))
	}

	return tracer.Start(ctx, deliverySpanName,
		trace.WithAttributes(attrs...),
		trace.WithLinks(links...),
	)
}

// endDeliverySpan records the delivery outcome and closes the span. Exactly
// one delivery status is reported per attempt.
func endDeliverySpan(span trace.Span, status DeliveryStatus, err error) {
	span.SetAttributes(
		attribute.String("edge_group.delivery_status", string(status)),
		attribute.Bool("edge_group.delivered", status == StatusDelivered),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
