package workflow

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// interceptorBinding routes sub-workflow requests of one type to a parent
// executor. RequestType is the reflect string of the request payload type; an
// empty SubWorkflowID matches any sub-workflow.
type interceptorBinding struct {
	RequestType   string
	ExecutorID    string
	SubWorkflowID string
}

// interceptorFor resolves the interceptor executor for a sub-workflow request
// payload type. A binding scoped to the sub-workflow wins over a wildcard.
func (w *Workflow) interceptorFor(dataType reflect.Type, subWorkflowID string) (string, bool) {
	if dataType == nil {
		return "", false
	}
	name := dataType.String()
	wildcard := ""
	for _, b := range w.interceptors {
		if b.RequestType != name {
			continue
		}
		if b.SubWorkflowID == subWorkflowID {
			return b.ExecutorID, true
		}
		if b.SubWorkflowID == "" {
			wildcard = b.ExecutorID
		}
	}
	return wildcard, wildcard != ""
}

// SubWorkflowRequest is a request_info event surfaced by a workflow embedded
// as an executor. Interceptor executors receive it as a plain message; when
// no interceptor is bound, the parent re-emits it as its own request_info
// event.
type SubWorkflowRequest struct {
	SubWorkflowID string
	RequestID     string
	Data          any
	ResponseType  string
}

// SubWorkflowResponse answers a SubWorkflowRequest. Send it to the
// sub-workflow executor to resume the embedded run.
type SubWorkflowResponse struct {
	SubWorkflowID string
	RequestID     string
	Data          any
}

// subWorkflowAdapter runs a child workflow inside a parent executor: child
// outputs become parent messages, child request_info events are routed to an
// interceptor or re-emitted upward.
type subWorkflowAdapter struct {
	id    string
	child *Workflow

	mu sync.Mutex
	// upward maps parent request ids to the child request ids they stand in
	// for, in emission order.
	upward      map[string]string
	upwardOrder []string
}

// NewWorkflowExecutor wraps child as an executor of a parent workflow. The
// executor accepts the child's start input types plus SubWorkflowResponse
// messages from interceptors; any other inbound message is treated as the
// answer to the oldest upward-forwarded request.
func NewWorkflowExecutor(id string, child *Workflow) *Executor {
	a := &subWorkflowAdapter{id: id, child: child, upward: make(map[string]string)}
	outputs := []reflect.Type{TypeOf[any](), TypeOf[SubWorkflowRequest]()}

	handlers := []Handler{OnMessage(a.handleResponse, outputs...)}
	start := child.executors[child.startID]
	for _, in := range start.InputTypes() {
		handlers = append(handlers, NewHandler(in, outputs, a.handleInput))
	}
	handlers = append(handlers, NewHandler(TypeOf[any](), outputs, a.handleUpwardResponse))
	return NewExecutor(id, handlers...)
}

func (a *subWorkflowAdapter) handleInput(ctx context.Context, wc *Context, msg any) error {
	// A message arriving while an upward request is pending answers that
	// request rather than starting a new child run, even when its type
	// matches the child's start input.
	if a.hasPendingUpward() {
		return a.handleUpwardResponse(ctx, wc, msg)
	}
	events, err := a.child.RunStream(ctx, msg)
	if err != nil {
		return fmt.Errorf("sub-workflow %s: %w", a.id, err)
	}
	return a.pump(wc, events)
}

func (a *subWorkflowAdapter) handleResponse(ctx context.Context, wc *Context, resp SubWorkflowResponse) error {
	events, err := a.child.SendResponsesStream(ctx, map[string]any{resp.RequestID: resp.Data})
	if err != nil {
		return fmt.Errorf("sub-workflow %s: %w", a.id, err)
	}
	return a.pump(wc, events)
}

// handleUpwardResponse resumes the child with the answer to the oldest
// pending upward request.
func (a *subWorkflowAdapter) handleUpwardResponse(ctx context.Context, wc *Context, msg any) error {
	childRequestID, ok := a.popOldestUpward()
	if !ok {
		return fmt.Errorf("sub-workflow %s: unexpected message %T with no pending request", a.id, msg)
	}
	events, err := a.child.SendResponsesStream(ctx, map[string]any{childRequestID: msg})
	if err != nil {
		return fmt.Errorf("sub-workflow %s: %w", a.id, err)
	}
	return a.pump(wc, events)
}

// pump forwards child events into the parent run until the child idles or
// pauses on its own pending requests.
func (a *subWorkflowAdapter) pump(wc *Context, events <-chan Event) error {
	for ev := range events {
		switch ev.Kind {
		case EventOutput:
			if err := wc.SendMessage(ev.Data); err != nil {
				return err
			}
		case EventRequestInfo:
			if err := a.forwardRequest(wc, ev); err != nil {
				return err
			}
		case EventAgentRunUpdate:
			wc.EmitAgentUpdate(ev.Data)
		case EventOrchestrator:
			wc.EmitOrchestratorEvent(ev.Message, ev.Data)
		case EventStatus:
			if ev.State == RunStateFailed {
				return fmt.Errorf("sub-workflow %s failed: %w", a.id, ev.Err)
			}
		}
	}
	return nil
}

func (a *subWorkflowAdapter) forwardRequest(wc *Context, ev Event) error {
	req := SubWorkflowRequest{
		SubWorkflowID: a.id,
		RequestID:     ev.RequestID,
		Data:          ev.Data,
		ResponseType:  ev.ResponseType,
	}
	if target, ok := wc.run.wf.interceptorFor(reflect.TypeOf(ev.Data), a.id); ok {
		return wc.SendMessageTo(req, target)
	}

	parentRequestID, err := wc.RequestInfo(req, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.upward[parentRequestID] = ev.RequestID
	a.upwardOrder = append(a.upwardOrder, parentRequestID)
	a.mu.Unlock()
	return nil
}

func (a *subWorkflowAdapter) hasPendingUpward() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.upwardOrder) > 0
}

func (a *subWorkflowAdapter) popOldestUpward() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.upwardOrder) == 0 {
		return "", false
	}
	parentID := a.upwardOrder[0]
	a.upwardOrder = a.upwardOrder[1:]
	childID := a.upward[parentID]
	delete(a.upward, parentID)
	return childID, true
}
