package workflow

import (
	"go.opentelemetry.io/otel/trace"
)

// SourceRequestInfo is the synthetic source ID of response envelopes injected
// by SendResponsesStream. Such envelopes are delivered directly to the
// executor that issued the request, bypassing edge groups.
const SourceRequestInfo = "request_info"

// Envelope carries one message between executors. TargetID is empty for a
// broadcast along the owning edge group; when set, only that target may
// receive the message. TraceContexts accumulate the span contexts of the
// sends that produced the payload, so fan-in deliveries can link back to
// every contributing span.
type Envelope struct {
	Payload       any
	SourceID      string
	TargetID      string
	TraceContexts []trace.SpanContext
	SourceSpanIDs []string
}
