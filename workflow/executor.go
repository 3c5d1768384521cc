package workflow

import (
	"context"
	"fmt"
	"reflect"
)

// Handler is one message handler of an executor. InputType declares the
// message type the handler accepts; OutputTypes enumerates every message type
// the handler may send downstream. The declared output set is enforced at
// send time and used by graph validation.
type Handler interface {
	InputType() reflect.Type
	OutputTypes() []reflect.Type
	Invoke(ctx context.Context, wc *Context, msg any) error
}

// TypeOf returns the reflect.Type of T, including interface types.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

type typedHandler[In any] struct {
	fn      func(ctx context.Context, wc *Context, msg In) error
	outputs []reflect.Type
}

func (h *typedHandler[In]) InputType() reflect.Type     { return TypeOf[In]() }
func (h *typedHandler[In]) OutputTypes() []reflect.Type { return h.outputs }

func (h *typedHandler[In]) Invoke(ctx context.Context, wc *Context, msg any) error {
	typed, ok := msg.(In)
	if !ok {
		return &NoApplicableHandlerError{ExecutorID: wc.ExecutorID(), PayloadType: fmt.Sprintf("%T", msg)}
	}
	return h.fn(ctx, wc, typed)
}

// OnMessage registers fn as a handler for messages of type In. outputTypes
// enumerates the message types fn may send via the workflow context; a
// handler that declares none may still yield output or request info, but any
// SendMessage call fails.
func OnMessage[In any](fn func(ctx context.Context, wc *Context, msg In) error, outputTypes ...reflect.Type) Handler {
	return &typedHandler[In]{fn: fn, outputs: outputTypes}
}

type funcHandler struct {
	input   reflect.Type
	outputs []reflect.Type
	fn      func(ctx context.Context, wc *Context, msg any) error
}

func (h *funcHandler) InputType() reflect.Type     { return h.input }
func (h *funcHandler) OutputTypes() []reflect.Type { return h.outputs }
func (h *funcHandler) Invoke(ctx context.Context, wc *Context, msg any) error {
	return h.fn(ctx, wc, msg)
}

// NewHandler builds a handler whose input type is only known at runtime, for
// wrappers like sub-workflow executors. Prefer OnMessage when the message
// type is known statically.
func NewHandler(input reflect.Type, outputs []reflect.Type, fn func(ctx context.Context, wc *Context, msg any) error) Handler {
	return &funcHandler{input: input, outputs: outputs, fn: fn}
}

// CheckpointSaveHook returns executor-private state to persist alongside each
// checkpoint. CheckpointRestoreHook receives that state back on resume.
type (
	CheckpointSaveHook    func(ctx context.Context) (map[string]any, error)
	CheckpointRestoreHook func(ctx context.Context, state map[string]any) error
)

// Executor is a named unit of work in a workflow graph. Its handlers define
// which message types it accepts and which it may emit. Handlers on one
// executor never run concurrently with each other; the workflow serializes
// them on the executor's lock.
type Executor struct {
	id       string
	handlers []Handler
	lock     chan struct{}

	saveHook    CheckpointSaveHook
	restoreHook CheckpointRestoreHook
}

// NewExecutor creates an executor with the given id and handlers.
func NewExecutor(id string, handlers ...Handler) *Executor {
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return &Executor{id: id, handlers: handlers, lock: lock}
}

// WithCheckpointHooks attaches save/restore hooks for executor-private state
// that lives outside SharedState. Either hook may be nil. Returns the
// executor for chaining.
func (e *Executor) WithCheckpointHooks(save CheckpointSaveHook, restore CheckpointRestoreHook) *Executor {
	e.saveHook = save
	e.restoreHook = restore
	return e
}

// ID returns the executor's stable identity.
func (e *Executor) ID() string { return e.id }

// InputTypes returns the union of all handler input types.
func (e *Executor) InputTypes() []reflect.Type {
	out := make([]reflect.Type, 0, len(e.handlers))
	for _, h := range e.handlers {
		out = append(out, h.InputType())
	}
	return out
}

// OutputTypes returns the union of all declared handler output types.
func (e *Executor) OutputTypes() []reflect.Type {
	var out []reflect.Type
	seen := make(map[reflect.Type]bool)
	for _, h := range e.handlers {
		for _, t := range h.OutputTypes() {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// CanHandle reports whether some handler accepts the payload's runtime type.
// Edge runners use this to drop type-mismatched deliveries.
func (e *Executor) CanHandle(payload any) bool {
	return e.handlerFor(payload) != nil
}

// aggregateTypeFor returns the slice type a fan-in delivery should use: the
// first handler input that is a slice whose element type accepts elemType.
func (e *Executor) aggregateTypeFor(elemType reflect.Type) (reflect.Type, bool) {
	for _, h := range e.handlers {
		in := h.InputType()
		if in.Kind() != reflect.Slice {
			continue
		}
		if elemType == nil || assignable(elemType, in.Elem()) {
			return in, true
		}
	}
	return nil, false
}

func (e *Executor) handlerFor(payload any) Handler {
	pt := reflect.TypeOf(payload)
	for _, h := range e.handlers {
		if assignable(pt, h.InputType()) {
			return h
		}
	}
	return nil
}

// assignable reports whether a value of type from may be passed where type to
// is expected. A nil from (untyped nil payload) only matches interface
// inputs.
func assignable(from, to reflect.Type) bool {
	if from == nil {
		return to.Kind() == reflect.Interface
	}
	if from.AssignableTo(to) {
		return true
	}
	if to.Kind() == reflect.Interface && from.Implements(to) {
		return true
	}
	return false
}

// handle dispatches payload to the matching handler under the executor's
// lock. Lock acquisition respects ctx cancellation.
func (e *Executor) handle(ctx context.Context, wc *Context, payload any) error {
	select {
	case <-e.lock:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { e.lock <- struct{}{} }()

	h := e.handlerFor(payload)
	if h == nil {
		return &NoApplicableHandlerError{ExecutorID: e.id, PayloadType: fmt.Sprintf("%T", payload)}
	}
	wc.outputTypes = h.OutputTypes()
	return h.Invoke(ctx, wc, payload)
}

// saveState invokes the save hook, if any.
func (e *Executor) saveState(ctx context.Context) (map[string]any, error) {
	if e.saveHook == nil {
		return nil, nil
	}
	return e.saveHook(ctx)
}

// restoreState invokes the restore hook, if any.
func (e *Executor) restoreState(ctx context.Context, state map[string]any) error {
	if e.restoreHook == nil {
		return nil
	}
	return e.restoreHook(ctx, state)
}
