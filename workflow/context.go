package workflow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Context is the capability surface a handler uses to interact with the run:
// sending messages, yielding output, requesting external information and
// reading shared state. A fresh Context is created for every delivery; it is
// only valid for the duration of the handler call.
type Context struct {
	run        *runContext
	executorID string

	// otelCtx is the delivery's trace context; sends capture the current
	// span from it so downstream deliveries can link back.
	otelCtx context.Context

	// outputTypes is the invoked handler's declared output set, enforced on
	// SendMessage.
	outputTypes []reflect.Type
}

// ExecutorID returns the id of the executor the handler belongs to.
func (c *Context) ExecutorID() string { return c.executorID }

// SharedState returns the run-scoped key/value store.
func (c *Context) SharedState() *SharedState { return c.run.state }

// SendMessage enqueues a broadcast message for the next superstep. The
// payload type must be in the handler's declared output set.
func (c *Context) SendMessage(payload any) error {
	return c.send(payload, "")
}

// SendMessageTo enqueues a message routed only to targetID.
func (c *Context) SendMessageTo(payload any, targetID string) error {
	return c.send(payload, targetID)
}

func (c *Context) send(payload any, targetID string) error {
	if err := c.checkOutputType(payload); err != nil {
		return err
	}
	env := &Envelope{
		Payload:  payload,
		SourceID: c.executorID,
		TargetID: targetID,
	}
	if sc := trace.SpanContextFromContext(c.otelCtx); sc.IsValid() {
		env.TraceContexts = append(env.TraceContexts, sc)
		env.SourceSpanIDs = append(env.SourceSpanIDs, sc.SpanID().String())
	}
	c.run.enqueueOutbound(env)
	return nil
}

func (c *Context) checkOutputType(payload any) error {
	if len(c.outputTypes) == 0 {
		return fmt.Errorf("executor %q: handler declares no output types, cannot send %T", c.executorID, payload)
	}
	pt := reflect.TypeOf(payload)
	for _, t := range c.outputTypes {
		if assignable(pt, t) {
			return nil
		}
	}
	return fmt.Errorf("executor %q: message type %T is not in the handler's declared outputs", c.executorID, payload)
}

// YieldOutput emits an output event to the run's caller.
func (c *Context) YieldOutput(data any) {
	c.run.markDirty()
	c.run.emit(Event{Kind: EventOutput, Data: data, ExecutorID: c.executorID})
}

// RequestInfo emits a request_info event carrying payload, records it as
// pending and returns the request id. Once the current superstep drains the
// run pauses in IDLE_WITH_PENDING_REQUESTS until the caller answers via
// SendResponsesStream; the response is then delivered back to this executor
// as a plain message of responseType.
func (c *Context) RequestInfo(payload any, responseType reflect.Type) (string, error) {
	id := newRequestID()
	rt := ""
	if responseType != nil {
		rt = responseType.String()
	}
	c.run.addPending(&PendingRequest{
		RequestID:        id,
		SourceExecutorID: c.executorID,
		Data:             payload,
		ResponseType:     rt,
	})
	c.run.emit(Event{
		Kind:         EventRequestInfo,
		Data:         payload,
		ExecutorID:   c.executorID,
		RequestID:    id,
		ResponseType: rt,
	})
	return id, nil
}

// EmitAgentUpdate streams a partial agent result (for example a token
// fragment) to the caller.
func (c *Context) EmitAgentUpdate(update any) {
	c.run.emit(Event{Kind: EventAgentRunUpdate, Data: update, ExecutorID: c.executorID})
}

// EmitOrchestratorEvent surfaces an orchestrator progress notification.
func (c *Context) EmitOrchestratorEvent(message string, data any) {
	c.run.emit(Event{Kind: EventOrchestrator, Message: message, Data: data, ExecutorID: c.executorID})
}

// PendingRequest is an unanswered request_info event held in run state.
type PendingRequest struct {
	RequestID        string
	SourceExecutorID string
	Data             any
	ResponseType     string
}

// newRequestID is split out so tests can assert its shape.
func newRequestID() string { return uuid.NewString() }
