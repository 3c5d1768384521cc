package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smallnest/agentflowgo/log"
	"github.com/smallnest/agentflowgo/store"
)

// DefaultMaxIterations bounds the superstep count of a single run unless the
// builder overrides it. It exists to turn accidental infinite loops into
// errors rather than hangs.
const DefaultMaxIterations = 1000

// Workflow is an executable graph of executors. Build one with
// WorkflowBuilder; a Workflow is immutable after Build and safe for repeated
// runs (one run at a time).
type Workflow struct {
	name            string
	executors       map[string]*Executor
	groups          []*EdgeGroup
	startID         string
	checkpointStore store.CheckpointStore
	interceptors    []interceptorBinding
	logger          log.Logger
	tracer          trace.Tracer
	maxIterations   int
	signature       string

	mu  sync.Mutex
	run *runContext
}

// Name returns the workflow name used for checkpoint grouping.
func (w *Workflow) Name() string { return w.name }

// Signature returns the graph signature hash stamped into checkpoints.
func (w *Workflow) Signature() string { return w.signature }

// StartID returns the start executor's id.
func (w *Workflow) StartID() string { return w.startID }

type runOptions struct {
	store store.CheckpointStore
}

// RunOption customizes a single run.
type RunOption func(*runOptions)

// WithRunCheckpointStore overrides the build-time checkpoint store for this
// run only. Neither store writes to the other.
func WithRunCheckpointStore(s store.CheckpointStore) RunOption {
	return func(o *runOptions) { o.store = s }
}

func (w *Workflow) applyRunOptions(opts []RunOption) *runOptions {
	o := &runOptions{store: w.checkpointStore}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunStream starts a fresh run with the given input and streams events until
// the run reaches a terminal state. The channel closes when the run goes
// idle, pauses on pending requests, fails or is cancelled.
func (w *Workflow) RunStream(ctx context.Context, input any, opts ...RunOption) (<-chan Event, error) {
	if w.startID == "" {
		return nil, ErrNoStartExecutor
	}
	start := w.executors[w.startID]
	if !start.CanHandle(input) {
		return nil, fmt.Errorf("start executor %q cannot handle input of type %T", w.startID, input)
	}

	o := w.applyRunOptions(opts)
	rc := w.newRunContext(o.store)
	rc.inbound = []*Envelope{{Payload: input, TargetID: w.startID}}
	rc.dirty = true

	w.mu.Lock()
	w.run = rc
	w.mu.Unlock()

	return w.startLoop(ctx, rc, true), nil
}

// Run is RunStream with the event channel drained: it returns every yielded
// output, or the error from a FAILED terminal status.
func (w *Workflow) Run(ctx context.Context, input any, opts ...RunOption) ([]any, error) {
	events, err := w.RunStream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return DrainEvents(events)
}

// ResumeStream rebuilds run state from a checkpoint and continues streaming.
// It fails when the checkpoint's graph signature differs from this workflow's
// (the graph has changed since the checkpoint was written).
func (w *Workflow) ResumeStream(ctx context.Context, checkpointID string, opts ...RunOption) (<-chan Event, error) {
	o := w.applyRunOptions(opts)
	if o.store == nil {
		return nil, &store.CheckpointError{Message: "resume " + checkpointID + ": no checkpoint store configured"}
	}

	cp, err := o.store.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.GraphSignatureHash != w.signature {
		return nil, &store.CheckpointError{Message: "resume " + checkpointID, Err: ErrGraphChanged}
	}
	if err := validateGraph(w.executors, w.groups, w.startID, w.interceptors, w.logger); err != nil {
		return nil, err
	}

	rc := w.newRunContext(o.store)
	if err := rc.restore(ctx, cp); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.run = rc
	w.mu.Unlock()

	w.logger.Info("workflow %s: resumed from checkpoint %s at iteration %d", w.name, checkpointID, cp.IterationCount)
	return w.startLoop(ctx, rc, false), nil
}

// SendResponsesStream answers pending request_info events and resumes the
// paused run. Every request id must match a pending request; an unknown id
// fails the call without touching the run, so the caller may retry.
func (w *Workflow) SendResponsesStream(ctx context.Context, responses map[string]any) (<-chan Event, error) {
	w.mu.Lock()
	rc := w.run
	w.mu.Unlock()
	if rc == nil {
		return nil, ErrNoActiveRun
	}

	rc.mu.Lock()
	for id := range responses {
		if _, ok := rc.pending[id]; !ok {
			rc.mu.Unlock()
			return nil, &UnknownRequestIDError{RequestID: id}
		}
	}
	for id, resp := range responses {
		pr := rc.pending[id]
		rc.inbound = append(rc.inbound, &Envelope{
			Payload:  resp,
			SourceID: SourceRequestInfo,
			TargetID: pr.SourceExecutorID,
		})
		delete(rc.pending, id)
	}
	rc.dirty = true
	rc.mu.Unlock()

	return w.startLoop(ctx, rc, false), nil
}

// PendingRequests returns a snapshot of the unanswered request_info events of
// the current run.
func (w *Workflow) PendingRequests() []PendingRequest {
	w.mu.Lock()
	rc := w.run
	w.mu.Unlock()
	if rc == nil {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]PendingRequest, 0, len(rc.pending))
	for _, pr := range rc.pending {
		out = append(out, *pr)
	}
	return out
}

// DrainEvents consumes a run stream, collecting yielded outputs. It returns
// the error carried by a FAILED terminal status, if any.
func DrainEvents(events <-chan Event) ([]any, error) {
	var outputs []any
	var failure error
	for ev := range events {
		switch ev.Kind {
		case EventOutput:
			outputs = append(outputs, ev.Data)
		case EventStatus:
			if ev.State == RunStateFailed {
				failure = ev.Err
			}
		}
	}
	return outputs, failure
}

func (w *Workflow) newRunContext(st store.CheckpointStore) *runContext {
	rc := &runContext{
		wf:              w,
		state:           NewSharedState(),
		store:           st,
		pending:         make(map[string]*PendingRequest),
		runnersBySource: make(map[string][]edgeRunner),
		fanIns:          make(map[string]*fanInRunner),
	}
	for _, g := range w.groups {
		r := newEdgeRunner(g)
		if fi, ok := r.(*fanInRunner); ok {
			rc.fanIns[g.ID] = fi
		}
		for _, src := range g.SourceIDs {
			rc.runnersBySource[src] = append(rc.runnersBySource[src], r)
		}
	}
	return rc
}

// startLoop launches the superstep loop in a goroutine and hands the caller
// its event channel. initialCheckpoint requests a checkpoint of the injected
// start message before the first superstep, making the checkpoint chain cover
// the whole run.
func (w *Workflow) startLoop(ctx context.Context, rc *runContext, initialCheckpoint bool) <-chan Event {
	events := make(chan Event, 16)
	rc.events = events
	rc.ctx = ctx

	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("run loop panic: %v", r)
				w.logger.Error("workflow %s: %v", w.name, err)
				rc.emit(Event{Kind: EventStatus, State: RunStateFailed, Err: err})
			}
		}()
		if err := w.runLoop(ctx, rc, initialCheckpoint); err != nil {
			w.logger.Error("workflow %s failed: %v", w.name, err)
			rc.emit(Event{Kind: EventStatus, State: RunStateFailed, Err: err})
		}
	}()
	return events
}

// runLoop executes supersteps until the run idles, pauses, fails or is
// cancelled. One iteration: deliver every inbound message, collect what the
// executors produced, checkpoint if anything changed, report status.
func (w *Workflow) runLoop(ctx context.Context, rc *runContext, initialCheckpoint bool) error {
	if initialCheckpoint && rc.store != nil {
		if err := rc.writeCheckpoint(ctx); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			rc.emit(Event{Kind: EventStatus, State: RunStateCancelled})
			return nil
		}

		inbound := rc.takeInbound()
		if len(inbound) == 0 {
			rc.emit(Event{Kind: EventStatus, State: rc.idleState()})
			return nil
		}
		if w.maxIterations > 0 && rc.iteration >= w.maxIterations {
			return fmt.Errorf("workflow %s exceeded %d supersteps", w.name, w.maxIterations)
		}

		if err := w.runSuperstep(ctx, rc, inbound); err != nil {
			// The superstep did not complete; no checkpoint is written for
			// its partial work.
			return err
		}
		rc.iteration++
		rc.promoteOutbound()

		if rc.isDirty() && rc.store != nil {
			if err := rc.writeCheckpoint(ctx); err != nil {
				return err
			}
		}

		state := RunStateRunning
		if rc.inboundEmpty() {
			state = rc.idleState()
		}
		rc.emit(Event{Kind: EventStatus, State: state})
		if state != RunStateRunning {
			return nil
		}
	}
}

// runSuperstep routes every inbound envelope concurrently. Handlers on one
// executor still serialize on the executor's lock.
func (w *Workflow) runSuperstep(ctx context.Context, rc *runContext, inbound []*Envelope) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(inbound))
	for _, env := range inbound {
		env := env
		wg.Add(1)
		SafeGo(func() {
			defer wg.Done()
			if err := rc.route(ctx, env); err != nil {
				errs <- err
			}
		}, func(err error) {
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// runContext is the mutable state of one run: the message queues, the pending
// request map and the checkpoint chain position. It survives across the
// RunStream / SendResponsesStream sessions of a paused run.
type runContext struct {
	wf    *Workflow
	ctx   context.Context
	state *SharedState
	store store.CheckpointStore

	events chan Event

	mu       sync.Mutex
	inbound  []*Envelope
	outbound []*Envelope
	pending  map[string]*PendingRequest
	dirty    bool

	iteration        int
	lastCheckpointID string

	runnersBySource map[string][]edgeRunner
	fanIns          map[string]*fanInRunner
}

func (rc *runContext) emit(ev Event) {
	select {
	case rc.events <- ev:
	case <-rc.ctx.Done():
	}
}

func (rc *runContext) enqueueOutbound(env *Envelope) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outbound = append(rc.outbound, env)
	rc.dirty = true
}

func (rc *runContext) addPending(pr *PendingRequest) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pending[pr.RequestID] = pr
	rc.dirty = true
}

func (rc *runContext) markDirty() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.dirty = true
}

func (rc *runContext) isDirty() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.dirty
}

func (rc *runContext) takeInbound() []*Envelope {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	inbound := rc.inbound
	rc.inbound = nil
	return inbound
}

func (rc *runContext) promoteOutbound() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.inbound = append(rc.inbound, rc.outbound...)
	rc.outbound = nil
}

func (rc *runContext) inboundEmpty() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inbound) == 0
}

func (rc *runContext) idleState() RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.pending) > 0 {
		return RunStateIdleWithPendingRequests
	}
	return RunStateIdle
}

// route dispatches one envelope. Initial and request-response envelopes go
// straight to their target executor; everything else is offered to every
// edge group owned by the envelope's source. A message no group accepts is a
// dead letter and fails the run.
func (rc *runContext) route(ctx context.Context, env *Envelope) error {
	if env.SourceID == "" || env.SourceID == SourceRequestInfo {
		if env.TargetID == "" {
			return &DeliveryError{SourceID: env.SourceID, Reason: "direct message has no target"}
		}
		return rc.deliver(ctx, env.TargetID, env.Payload, env)
	}

	accepted := false
	for _, r := range rc.runnersBySource[env.SourceID] {
		ok, err := r.process(ctx, rc, env)
		if err != nil {
			return err
		}
		accepted = accepted || ok
	}
	if !accepted {
		return &DeliveryError{
			SourceID: env.SourceID,
			TargetID: env.TargetID,
			Reason:   "no edge group accepted the message",
		}
	}
	return nil
}

// deliver invokes the target executor's matching handler inside an
// executor.invoke span parented to the delivery span.
func (rc *runContext) deliver(ctx context.Context, targetID string, payload any, env *Envelope) error {
	exec := rc.wf.executors[targetID]
	if exec == nil {
		return &DeliveryError{SourceID: env.SourceID, TargetID: targetID, Reason: "unknown executor"}
	}

	spanCtx, span := rc.wf.tracer.Start(ctx, "executor.invoke",
		trace.WithAttributes(attribute.String("executor.id", targetID)))
	defer span.End()

	rc.emit(Event{Kind: EventExecutorInvoked, ExecutorID: targetID})
	wc := &Context{run: rc, executorID: targetID, otelCtx: spanCtx}
	if err := exec.handle(spanCtx, wc, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	rc.emit(Event{Kind: EventExecutorCompleted, ExecutorID: targetID})
	return nil
}

// writeCheckpoint snapshots the run at the current superstep boundary and
// appends it to the checkpoint chain.
func (rc *runContext) writeCheckpoint(ctx context.Context) error {
	rc.mu.Lock()
	inbound := append([]*Envelope(nil), rc.inbound...)
	pending := make(map[string]*PendingRequest, len(rc.pending))
	for id, pr := range rc.pending {
		pending[id] = pr
	}
	rc.mu.Unlock()

	cp := &store.WorkflowCheckpoint{
		CheckpointID:         ulid.Make().String(),
		WorkflowName:         rc.wf.name,
		GraphSignatureHash:   rc.wf.signature,
		PreviousCheckpointID: rc.lastCheckpointID,
		Timestamp:            time.Now().UTC(),
		MessagesByTarget:     make(map[string][]store.Message),
		PendingRequests:      make(map[string]store.PendingRequest),
		IterationCount:       rc.iteration,
		Version:              store.SchemaVersion,
	}

	for _, env := range inbound {
		key := env.TargetID
		if key == "" {
			key = env.SourceID
		}
		payload, err := store.EncodeValue(env.Payload)
		if err != nil {
			return &store.CheckpointError{Message: "encode queued message", Err: err}
		}
		cp.MessagesByTarget[key] = append(cp.MessagesByTarget[key], store.Message{
			Payload:       payload,
			SourceID:      env.SourceID,
			TargetID:      env.TargetID,
			SourceSpanIDs: env.SourceSpanIDs,
		})
	}

	// Fan-in contributions waiting for their remaining sources live in the
	// runners, not the queues; they have to be captured too or a resume
	// would silently drop them.
	for groupID, r := range rc.fanIns {
		for _, env := range r.pendingBuffers() {
			payload, err := store.EncodeValue(env.Payload)
			if err != nil {
				return &store.CheckpointError{Message: "encode buffered fan-in message", Err: err}
			}
			if cp.BufferedMessages == nil {
				cp.BufferedMessages = make(map[string][]store.Message)
			}
			cp.BufferedMessages[groupID] = append(cp.BufferedMessages[groupID], store.Message{
				Payload:       payload,
				SourceID:      env.SourceID,
				TargetID:      env.TargetID,
				SourceSpanIDs: env.SourceSpanIDs,
			})
		}
	}

	encodedState, err := store.EncodeState(rc.state.Snapshot())
	if err != nil {
		return &store.CheckpointError{Message: "encode shared state", Err: err}
	}
	cp.State = encodedState

	for id, pr := range pending {
		data, err := store.EncodeValue(pr.Data)
		if err != nil {
			return &store.CheckpointError{Message: "encode pending request " + id, Err: err}
		}
		cp.PendingRequests[id] = store.PendingRequest{
			RequestID:        pr.RequestID,
			SourceExecutorID: pr.SourceExecutorID,
			Data:             data,
			ResponseType:     pr.ResponseType,
		}
	}

	for id, exec := range rc.wf.executors {
		st, err := exec.saveState(ctx)
		if err != nil {
			return &store.CheckpointError{Message: "save state of executor " + id, Err: err}
		}
		if st == nil {
			continue
		}
		encoded, err := store.EncodeState(st)
		if err != nil {
			return &store.CheckpointError{Message: "encode state of executor " + id, Err: err}
		}
		if cp.ExecutorStates == nil {
			cp.ExecutorStates = make(map[string]map[string]*store.Value)
		}
		cp.ExecutorStates[id] = encoded
	}

	if _, err := rc.store.Save(ctx, cp); err != nil {
		return err
	}
	rc.wf.logger.Debug("workflow %s: checkpoint %s at iteration %d", rc.wf.name, cp.CheckpointID, rc.iteration)

	rc.mu.Lock()
	rc.dirty = false
	rc.mu.Unlock()
	rc.lastCheckpointID = cp.CheckpointID
	return nil
}

// restore rebuilds queues, fan-in buffers, shared state, pending requests and
// executor state from a loaded checkpoint.
func (rc *runContext) restore(ctx context.Context, cp *store.WorkflowCheckpoint) error {
	decoded, err := store.DecodeState(cp.State)
	if err != nil {
		return &store.CheckpointError{Message: "decode shared state", Err: err}
	}
	rc.state.Restore(decoded)

	for _, msgs := range cp.MessagesByTarget {
		for _, m := range msgs {
			payload, err := m.Payload.Decode()
			if err != nil {
				return &store.CheckpointError{Message: "decode queued message", Err: err}
			}
			rc.inbound = append(rc.inbound, &Envelope{
				Payload:       payload,
				SourceID:      m.SourceID,
				TargetID:      m.TargetID,
				SourceSpanIDs: m.SourceSpanIDs,
			})
		}
	}

	for groupID, msgs := range cp.BufferedMessages {
		r := rc.fanIns[groupID]
		if r == nil {
			continue
		}
		envs := make([]*Envelope, 0, len(msgs))
		for _, m := range msgs {
			payload, err := m.Payload.Decode()
			if err != nil {
				return &store.CheckpointError{Message: "decode buffered fan-in message", Err: err}
			}
			envs = append(envs, &Envelope{
				Payload:       payload,
				SourceID:      m.SourceID,
				TargetID:      m.TargetID,
				SourceSpanIDs: m.SourceSpanIDs,
			})
		}
		r.restoreBuffers(envs)
	}

	for id, pr := range cp.PendingRequests {
		data, err := pr.Data.Decode()
		if err != nil {
			return &store.CheckpointError{Message: "decode pending request " + id, Err: err}
		}
		rc.pending[id] = &PendingRequest{
			RequestID:        pr.RequestID,
			SourceExecutorID: pr.SourceExecutorID,
			Data:             data,
			ResponseType:     pr.ResponseType,
		}
	}

	for id, encoded := range cp.ExecutorStates {
		exec := rc.wf.executors[id]
		if exec == nil {
			continue
		}
		st, err := store.DecodeState(encoded)
		if err != nil {
			return &store.CheckpointError{Message: "decode state of executor " + id, Err: err}
		}
		if err := exec.restoreState(ctx, st); err != nil {
			return &store.CheckpointError{Message: "restore state of executor " + id, Err: err}
		}
	}

	rc.iteration = cp.IterationCount
	rc.lastCheckpointID = cp.CheckpointID
	return nil
}
