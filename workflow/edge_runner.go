package workflow

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/smallnest/agentflowgo/log"
)

// DeliveryStatus is the per-envelope outcome of an edge-runner attempt, used
// both for the runner's return-value discipline and for telemetry.
type DeliveryStatus string

const (
	StatusDelivered             DeliveryStatus = "DELIVERED"
	StatusBuffered              DeliveryStatus = "BUFFERED"
	StatusDroppedConditionFalse DeliveryStatus = "DROPPED_CONDITION_FALSE"
	StatusDroppedTypeMismatch   DeliveryStatus = "DROPPED_TYPE_MISMATCH"
	StatusDroppedTargetMismatch DeliveryStatus = "DROPPED_TARGET_MISMATCH"
	StatusException             DeliveryStatus = "EXCEPTION"
)

// edgeRunner is the runtime counterpart of one edge group. process returns
// true when the message was accepted (delivered, buffered or validly dropped
// by a false condition), false when the message belongs to another group
// (target or type mismatch), and a non-nil error on failure.
type edgeRunner interface {
	group() *EdgeGroup
	process(ctx context.Context, run *runContext, env *Envelope) (bool, error)
}

// newEdgeRunner pairs a group with its runner. Fan-in runners carry per-run
// buffers, so runners are constructed once per run, not per workflow.
func newEdgeRunner(g *EdgeGroup) edgeRunner {
	switch g.Kind {
	case GroupSingle:
		return &singleRunner{g: g}
	case GroupFanOut:
		return &fanOutRunner{g: g, selection: g.Selection}
	case GroupSwitchCase:
		// A switch-case is a fan-out whose selection walks the cases in
		// order and falls back to the default target.
		return &fanOutRunner{g: g, selection: switchSelection(g)}
	case GroupFanIn:
		return &fanInRunner{g: g, buffers: make(map[string][]*Envelope)}
	default:
		panic(fmt.Sprintf("unknown edge group kind %q", g.Kind))
	}
}

type singleRunner struct {
	g *EdgeGroup
}

func (r *singleRunner) group() *EdgeGroup { return r.g }

func (r *singleRunner) process(ctx context.Context, run *runContext, env *Envelope) (bool, error) {
	spanCtx, span := startDeliverySpan(ctx, run.wf.tracer, r.g, env)

	edge := r.g.Edges[0]
	status, err := deliverAlongEdge(spanCtx, run, edge, env)
	endDeliverySpan(span, status, err)
	if err != nil {
		return false, err
	}
	return status != StatusDroppedTargetMismatch && status != StatusDroppedTypeMismatch, nil
}

// deliverAlongEdge applies the single-edge delivery discipline: target
// mismatch, then type mismatch, then condition, then delivery.
func deliverAlongEdge(ctx context.Context, run *runContext, edge Edge, env *Envelope) (DeliveryStatus, error) {
	if env.TargetID != "" && env.TargetID != edge.TargetID {
		return StatusDroppedTargetMismatch, nil
	}
	target := run.wf.executors[edge.TargetID]
	if target == nil || !target.CanHandle(env.Payload) {
		return StatusDroppedTypeMismatch, nil
	}
	if edge.Condition != nil {
		ok, err := edge.Condition(env.Payload)
		if err != nil {
			return StatusException, fmt.Errorf("condition on edge %s->%s: %w", edge.SourceID, edge.TargetID, err)
		}
		if !ok {
			return StatusDroppedConditionFalse, nil
		}
	}
	if err := run.deliver(ctx, edge.TargetID, env.Payload, env); err != nil {
		return StatusException, err
	}
	return StatusDelivered, nil
}

type fanOutRunner struct {
	g         *EdgeGroup
	selection SelectionFunc
}

func (r *fanOutRunner) group() *EdgeGroup { return r.g }

func (r *fanOutRunner) process(ctx context.Context, run *runContext, env *Envelope) (bool, error) {
	spanCtx, span := startDeliverySpan(ctx, run.wf.tracer, r.g, env)

	selected, err := r.selectTargets(env.Payload)
	if err != nil {
		endDeliverySpan(span, StatusException, err)
		return false, err
	}

	// A targeted envelope collapses to single-edge semantics against its
	// one target, which must have been selected.
	if env.TargetID != "" {
		if !contains(selected, env.TargetID) {
			endDeliverySpan(span, StatusDroppedTargetMismatch, nil)
			return false, nil
		}
		edge, _ := r.g.edgeFor(env.TargetID)
		status, err := deliverAlongEdge(spanCtx, run, edge, env)
		endDeliverySpan(span, status, err)
		if err != nil {
			return false, err
		}
		return status != StatusDroppedTargetMismatch && status != StatusDroppedTypeMismatch, nil
	}

	// Broadcast: deliver in parallel to every selected target that can
	// handle the payload and whose edge condition holds.
	var ready []Edge
	for _, id := range selected {
		edge, ok := r.g.edgeFor(id)
		if !ok {
			continue
		}
		target := run.wf.executors[id]
		if target == nil || !target.CanHandle(env.Payload) {
			continue
		}
		if edge.Condition != nil {
			hold, err := edge.Condition(env.Payload)
			if err != nil {
				endDeliverySpan(span, StatusException, err)
				return false, err
			}
			if !hold {
				continue
			}
		}
		ready = append(ready, edge)
	}

	if len(ready) == 0 {
		endDeliverySpan(span, StatusDroppedTypeMismatch, nil)
		return false, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ready))
	for _, edge := range ready {
		edge := edge
		wg.Add(1)
		SafeGo(func() {
			defer wg.Done()
			if err := run.deliver(spanCtx, edge.TargetID, env.Payload, env); err != nil {
				errs <- err
			}
		}, func(err error) {
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		endDeliverySpan(span, StatusException, err)
		return false, err
	}

	endDeliverySpan(span, StatusDelivered, nil)
	return true, nil
}

func (r *fanOutRunner) selectTargets(payload any) ([]string, error) {
	if r.selection == nil {
		return r.g.TargetIDs, nil
	}
	selected, err := r.selection(payload, r.g.TargetIDs)
	if err != nil {
		return nil, fmt.Errorf("fan-out selection for group %s: %w", r.g.ID, err)
	}
	if selected == nil {
		return r.g.TargetIDs, nil
	}
	for _, id := range selected {
		if !r.g.hasTarget(id) {
			return nil, fmt.Errorf("fan-out selection for group %s returned unconfigured target %q", r.g.ID, id)
		}
	}
	return selected, nil
}

// switchSelection walks the cases in order and selects the first whose
// condition holds, or the default target. A condition error is logged and
// treated as a non-match.
func switchSelection(g *EdgeGroup) SelectionFunc {
	return func(payload any, _ []string) ([]string, error) {
		for i, c := range g.Cases {
			ok, err := c.Condition(payload)
			if err != nil {
				log.Warn("switch-case group %s: condition %d errored, treating as no match: %v", g.ID, i, err)
				continue
			}
			if ok {
				return []string{c.TargetID}, nil
			}
		}
		return []string{g.DefaultTargetID}, nil
	}
}

type fanInRunner struct {
	g *EdgeGroup

	mu      sync.Mutex
	buffers map[string][]*Envelope
}

func (r *fanInRunner) group() *EdgeGroup { return r.g }

func (r *fanInRunner) process(ctx context.Context, run *runContext, env *Envelope) (bool, error) {
	spanCtx, span := startDeliverySpan(ctx, run.wf.tracer, r.g, env)

	targetID := r.g.TargetIDs[0]
	if env.TargetID != "" && env.TargetID != targetID {
		endDeliverySpan(span, StatusDroppedTargetMismatch, nil)
		return false, nil
	}
	target := run.wf.executors[targetID]
	if target == nil {
		endDeliverySpan(span, StatusDroppedTypeMismatch, nil)
		return false, nil
	}
	if _, ok := target.aggregateTypeFor(reflect.TypeOf(env.Payload)); !ok {
		endDeliverySpan(span, StatusDroppedTypeMismatch, nil)
		return false, nil
	}

	aggregate := r.buffer(env)
	// Buffer contents are part of the checkpointed run state.
	run.markDirty()
	endDeliverySpan(span, StatusBuffered, nil)

	if aggregate == nil {
		return true, nil
	}
	if err := r.deliverAggregate(spanCtx, run, target, aggregate); err != nil {
		return false, err
	}
	return true, nil
}

// buffer appends the envelope to its source's buffer. When every configured
// source has at least one pending envelope it drains the buffers and returns
// the aggregate in source-declaration order; otherwise it returns nil.
func (r *fanInRunner) buffer(env *Envelope) []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffers[env.SourceID] = append(r.buffers[env.SourceID], env)

	for _, src := range r.g.SourceIDs {
		if len(r.buffers[src]) == 0 {
			return nil
		}
	}

	var aggregate []*Envelope
	for _, src := range r.g.SourceIDs {
		aggregate = append(aggregate, r.buffers[src]...)
		delete(r.buffers, src)
	}
	return aggregate
}

// pendingBuffers snapshots the envelopes still waiting for the group's
// remaining sources, in source-declaration order. Sources can sit at
// different graph depths, so a checkpoint taken between their arrivals must
// carry the early contributions.
func (r *fanInRunner) pendingBuffers() []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Envelope
	for _, src := range r.g.SourceIDs {
		out = append(out, r.buffers[src]...)
	}
	return out
}

// restoreBuffers reloads checkpointed contributions. A checkpointed buffer is
// incomplete by construction, so restoring never drains.
func (r *fanInRunner) restoreBuffers(envs []*Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range envs {
		r.buffers[env.SourceID] = append(r.buffers[env.SourceID], env)
	}
}

// deliverAggregate delivers all consumed envelopes as one list-typed message,
// in its own span linked to every contributing source span.
func (r *fanInRunner) deliverAggregate(ctx context.Context, run *runContext, target *Executor, aggregate []*Envelope) error {
	env := &Envelope{
		SourceID: r.g.ID,
		TargetID: target.ID(),
	}
	for _, buffered := range aggregate {
		env.TraceContexts = append(env.TraceContexts, buffered.TraceContexts...)
		env.SourceSpanIDs = append(env.SourceSpanIDs, buffered.SourceSpanIDs...)
	}

	elemType := reflect.TypeOf(aggregate[0].Payload)
	sliceType, ok := target.aggregateTypeFor(elemType)
	if !ok {
		sliceType = reflect.SliceOf(TypeOf[any]())
	}
	payload := reflect.MakeSlice(sliceType, 0, len(aggregate))
	for _, buffered := range aggregate {
		v := reflect.ValueOf(buffered.Payload)
		if !v.IsValid() {
			v = reflect.Zero(sliceType.Elem())
		}
		payload = reflect.Append(payload, v)
	}
	env.Payload = payload.Interface()

	spanCtx, span := startDeliverySpan(ctx, run.wf.tracer, r.g, env)
	err := run.deliver(spanCtx, target.ID(), env.Payload, env)
	if err != nil {
		endDeliverySpan(span, StatusException, err)
		return err
	}
	endDeliverySpan(span, StatusDelivered, nil)
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
