package workflow

import (
	"fmt"
	"reflect"

	"github.com/smallnest/agentflowgo/log"
)

// validateGraph checks the assembled workflow before its first superstep (and
// again on resume, after the graph is rebuilt). Structural defects return a
// ValidationError; suspicious-but-legal shapes (cycles, missing output
// annotations) are logged as warnings.
func validateGraph(executors map[string]*Executor, groups []*EdgeGroup, startID string, interceptors []interceptorBinding, logger log.Logger) error {
	if startID == "" {
		return &ValidationError{Type: ValidationGraphConnectivity, Message: "no start executor configured"}
	}
	if _, ok := executors[startID]; !ok {
		return &ValidationError{
			Type:    ValidationGraphConnectivity,
			Message: fmt.Sprintf("start executor %q is not registered", startID),
		}
	}

	if err := checkEdges(executors, groups, logger); err != nil {
		return err
	}
	if err := checkConnectivity(executors, groups, startID, logger); err != nil {
		return err
	}
	return checkInterceptors(interceptors)
}

func checkEdges(executors map[string]*Executor, groups []*EdgeGroup, logger log.Logger) error {
	seen := make(map[[2]string]bool)
	for _, g := range groups {
		for _, e := range g.Edges {
			key := [2]string{e.SourceID, e.TargetID}
			if seen[key] {
				return &ValidationError{
					Type:    ValidationEdgeDuplication,
					Message: fmt.Sprintf("duplicate edge %s -> %s", e.SourceID, e.TargetID),
				}
			}
			seen[key] = true

			if _, ok := executors[e.SourceID]; !ok {
				return &ValidationError{
					Type:    ValidationGraphConnectivity,
					Message: fmt.Sprintf("edge references unknown executor %q", e.SourceID),
				}
			}
			if _, ok := executors[e.TargetID]; !ok {
				return &ValidationError{
					Type:    ValidationGraphConnectivity,
					Message: fmt.Sprintf("edge references unknown executor %q", e.TargetID),
				}
			}
		}
		if err := checkTypeCompatibility(executors, g, logger); err != nil {
			return err
		}
	}
	return nil
}

// checkTypeCompatibility verifies that for every edge some declared output
// type of the source is acceptable to the target. Sources with no declared
// outputs downgrade to a warning: the annotation may simply be missing.
func checkTypeCompatibility(executors map[string]*Executor, g *EdgeGroup, logger log.Logger) error {
	if g.Kind == GroupFanIn {
		target := executors[g.TargetIDs[0]]
		if _, ok := target.aggregateTypeFor(nil); !ok {
			return &ValidationError{
				Type:    ValidationTypeCompatibility,
				Message: fmt.Sprintf("fan-in target %q accepts no list-typed message", g.TargetIDs[0]),
			}
		}
		return nil
	}

	for _, e := range g.Edges {
		source := executors[e.SourceID]
		target := executors[e.TargetID]
		outputs := source.OutputTypes()
		if len(outputs) == 0 {
			warn := &ValidationError{
				Type: ValidationHandlerOutputAnnotation,
				Message: fmt.Sprintf("executor %q declares no output types; edge %s -> %s cannot be type-checked",
					e.SourceID, e.SourceID, e.TargetID),
			}
			logger.Warn("%s", warn)
			continue
		}
		if !someAssignable(outputs, target.InputTypes()) {
			return &ValidationError{
				Type: ValidationTypeCompatibility,
				Message: fmt.Sprintf("no output type of %q is handled by %q (edge %s -> %s)",
					e.SourceID, e.TargetID, e.SourceID, e.TargetID),
			}
		}
	}
	return nil
}

func someAssignable(outputs, inputs []reflect.Type) bool {
	for _, out := range outputs {
		// An interface-typed output can carry any implementation; the
		// concrete type is only known at send time.
		if out.Kind() == reflect.Interface {
			return true
		}
		for _, in := range inputs {
			if assignable(out, in) {
				return true
			}
		}
	}
	return false
}

// checkConnectivity flags isolated executors as errors and cycles or
// self-loops as warnings.
func checkConnectivity(executors map[string]*Executor, groups []*EdgeGroup, startID string, logger log.Logger) error {
	connected := make(map[string]bool)
	adjacency := make(map[string][]string)
	for _, g := range groups {
		for _, e := range g.Edges {
			connected[e.SourceID] = true
			connected[e.TargetID] = true
			adjacency[e.SourceID] = append(adjacency[e.SourceID], e.TargetID)
			if e.SourceID == e.TargetID {
				logger.Warn("self-loop on executor %q", e.SourceID)
			}
		}
	}

	for id := range executors {
		if id != startID && !connected[id] {
			return &ValidationError{
				Type:    ValidationGraphConnectivity,
				Message: fmt.Sprintf("executor %q has no edges and is not the start executor", id),
			}
		}
	}

	if hasCycle(adjacency) {
		logger.Warn("workflow graph contains a cycle; runs must terminate via conditions or budgets")
	}
	return nil
}

func hasCycle(adjacency map[string][]string) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		for _, next := range adjacency[id] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}

	for id := range adjacency {
		if state[id] == unvisited && visit(id) {
			return true
		}
	}
	return false
}

// checkInterceptors enforces at most one interceptor per (request type,
// sub-workflow) pair. A binding with an empty sub-workflow id applies to
// every sub-workflow and conflicts with any other binding for the type.
func checkInterceptors(interceptors []interceptorBinding) error {
	for i := 0; i < len(interceptors); i++ {
		for j := i + 1; j < len(interceptors); j++ {
			a, b := interceptors[i], interceptors[j]
			if a.RequestType != b.RequestType {
				continue
			}
			if a.SubWorkflowID == b.SubWorkflowID || a.SubWorkflowID == "" || b.SubWorkflowID == "" {
				return &ValidationError{
					Type: ValidationInterceptorConflict,
					Message: fmt.Sprintf("executors %q and %q both intercept %s for sub-workflow %q",
						a.ExecutorID, b.ExecutorID, a.RequestType, b.SubWorkflowID),
				}
			}
		}
	}
	return nil
}
