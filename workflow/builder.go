package workflow

import (
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/smallnest/agentflowgo/log"
	"github.com/smallnest/agentflowgo/store"
)

const tracerName = "github.com/smallnest/agentflowgo/workflow"

// WorkflowBuilder assembles a workflow graph. Builder methods record errors
// instead of returning them, so construction chains fluently; Build reports
// the first recorded error, then validates the finished graph.
type WorkflowBuilder struct {
	name          string
	executors     map[string]*Executor
	order         []string
	groups        []*EdgeGroup
	startID       string
	store         store.CheckpointStore
	interceptors  []interceptorBinding
	logger        log.Logger
	tracer        trace.Tracer
	maxIterations int
	errs          []error
}

// NewWorkflowBuilder creates a builder for a workflow with the given name.
// The name groups the workflow's checkpoints in the store.
func NewWorkflowBuilder(name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		name:          name,
		executors:     make(map[string]*Executor),
		logger:        log.GetDefaultLogger(),
		maxIterations: DefaultMaxIterations,
	}
}

func (b *WorkflowBuilder) fail(format string, args ...any) *WorkflowBuilder {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
	return b
}

// AddExecutor registers an executor. IDs must be unique.
func (b *WorkflowBuilder) AddExecutor(e *Executor) *WorkflowBuilder {
	if e == nil {
		return b.fail("nil executor")
	}
	if e.ID() == "" {
		return b.fail("executor has an empty id")
	}
	if _, exists := b.executors[e.ID()]; exists {
		b.errs = append(b.errs, &ValidationError{
			Type:    ValidationExecutorDuplication,
			Message: fmt.Sprintf("executor %q registered twice", e.ID()),
		})
		return b
	}
	b.executors[e.ID()] = e
	b.order = append(b.order, e.ID())
	return b
}

// AddEdge connects source to target. The optional condition gates delivery;
// pass at most one.
func (b *WorkflowBuilder) AddEdge(sourceID, targetID string, condition ...Condition) *WorkflowBuilder {
	var cond Condition
	switch len(condition) {
	case 0:
	case 1:
		cond = condition[0]
	default:
		return b.fail("AddEdge %s -> %s: more than one condition", sourceID, targetID)
	}
	edge := Edge{SourceID: sourceID, TargetID: targetID, Condition: cond}
	b.groups = append(b.groups, newEdgeGroup(GroupSingle, []string{sourceID}, []string{targetID}, []Edge{edge}))
	return b
}

// AddFanOut broadcasts messages from source to the targets. The optional
// selection function narrows the broadcast to a subset of targets per
// message; pass at most one.
func (b *WorkflowBuilder) AddFanOut(sourceID string, targetIDs []string, selection ...SelectionFunc) *WorkflowBuilder {
	if len(targetIDs) == 0 {
		return b.fail("AddFanOut %s: no targets", sourceID)
	}
	if len(selection) > 1 {
		return b.fail("AddFanOut %s: more than one selection function", sourceID)
	}
	edges := make([]Edge, 0, len(targetIDs))
	for _, t := range targetIDs {
		edges = append(edges, Edge{SourceID: sourceID, TargetID: t})
	}
	g := newEdgeGroup(GroupFanOut, []string{sourceID}, targetIDs, edges)
	if len(selection) == 1 {
		g.Selection = selection[0]
	}
	b.groups = append(b.groups, g)
	return b
}

// AddFanIn aggregates messages from the sources into one list-typed delivery
// to target. The aggregate preserves source declaration order.
func (b *WorkflowBuilder) AddFanIn(sourceIDs []string, targetID string) *WorkflowBuilder {
	if len(sourceIDs) == 0 {
		return b.fail("AddFanIn -> %s: no sources", targetID)
	}
	edges := make([]Edge, 0, len(sourceIDs))
	for _, s := range sourceIDs {
		edges = append(edges, Edge{SourceID: s, TargetID: targetID})
	}
	b.groups = append(b.groups, newEdgeGroup(GroupFanIn, sourceIDs, []string{targetID}, edges))
	return b
}

// AddSwitch routes each message from source to the first case whose
// condition holds, or to defaultTargetID when none match. At least one case
// is required.
func (b *WorkflowBuilder) AddSwitch(sourceID string, cases []Case, defaultTargetID string) *WorkflowBuilder {
	if len(cases) == 0 {
		return b.fail("AddSwitch %s: no cases", sourceID)
	}
	if defaultTargetID == "" {
		return b.fail("AddSwitch %s: no default target", sourceID)
	}
	for i, c := range cases {
		if c.Condition == nil {
			return b.fail("AddSwitch %s: case %d has no condition", sourceID, i)
		}
	}

	targets := make([]string, 0, len(cases)+1)
	edges := make([]Edge, 0, len(cases)+1)
	seen := make(map[string]bool)
	appendTarget := func(id string) {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
			edges = append(edges, Edge{SourceID: sourceID, TargetID: id})
		}
	}
	for _, c := range cases {
		appendTarget(c.TargetID)
	}
	appendTarget(defaultTargetID)

	g := newEdgeGroup(GroupSwitchCase, []string{sourceID}, targets, edges)
	g.Cases = cases
	g.DefaultTargetID = defaultTargetID
	b.groups = append(b.groups, g)
	return b
}

// WithStart designates the executor that receives the run input.
func (b *WorkflowBuilder) WithStart(executorID string) *WorkflowBuilder {
	b.startID = executorID
	return b
}

// WithCheckpointing enables durable checkpoints on the given store.
func (b *WorkflowBuilder) WithCheckpointing(s store.CheckpointStore) *WorkflowBuilder {
	b.store = s
	return b
}

// AddInterceptor declares executorID as the handler for sub-workflow requests
// of requestType. subWorkflowID scopes the binding to one sub-workflow
// executor; empty means any.
func (b *WorkflowBuilder) AddInterceptor(requestType reflect.Type, executorID, subWorkflowID string) *WorkflowBuilder {
	if requestType == nil {
		return b.fail("AddInterceptor %s: nil request type", executorID)
	}
	b.interceptors = append(b.interceptors, interceptorBinding{
		RequestType:   requestType.String(),
		ExecutorID:    executorID,
		SubWorkflowID: subWorkflowID,
	})
	return b
}

// WithLogger replaces the default logger.
func (b *WorkflowBuilder) WithLogger(logger log.Logger) *WorkflowBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithTracerProvider sets the provider used for delivery and executor spans.
// The default is the global OpenTelemetry provider.
func (b *WorkflowBuilder) WithTracerProvider(tp trace.TracerProvider) *WorkflowBuilder {
	if tp != nil {
		b.tracer = tp.Tracer(tracerName)
	}
	return b
}

// WithMaxIterations overrides the superstep bound. Zero disables the bound.
func (b *WorkflowBuilder) WithMaxIterations(n int) *WorkflowBuilder {
	b.maxIterations = n
	return b
}

// Build validates the graph and returns the immutable workflow.
func (b *WorkflowBuilder) Build() (*Workflow, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := validateGraph(b.executors, b.groups, b.startID, b.interceptors, b.logger); err != nil {
		return nil, err
	}

	tracer := b.tracer
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(tracerName)
	}

	executors := make(map[string]*Executor, len(b.executors))
	for id, e := range b.executors {
		executors[id] = e
	}

	w := &Workflow{
		name:            b.name,
		executors:       executors,
		groups:          append([]*EdgeGroup(nil), b.groups...),
		startID:         b.startID,
		checkpointStore: b.store,
		interceptors:    append([]interceptorBinding(nil), b.interceptors...),
		logger:          b.logger,
		tracer:          tracer,
		maxIterations:   b.maxIterations,
	}
	w.signature = graphSignature(b.order, w.groups, w.startID)
	return w, nil
}
