package workflow

import (
	"fmt"
	"strings"
)

// Condition is a pure predicate over a message payload. A nil Condition
// always routes.
type Condition func(payload any) (bool, error)

// SelectionFunc narrows a fan-out to a subset of its configured targets.
// Returning nil selects every target.
type SelectionFunc func(payload any, targets []string) ([]string, error)

// Edge routes messages from one executor to another, optionally gated by a
// condition.
type Edge struct {
	SourceID  string
	TargetID  string
	Condition Condition
}

// GroupKind discriminates the delivery discipline of an edge group.
type GroupKind string

const (
	GroupSingle     GroupKind = "single"
	GroupFanOut     GroupKind = "fan_out"
	GroupFanIn      GroupKind = "fan_in"
	GroupSwitchCase GroupKind = "switch_case"
)

// Case is one branch of a switch-case group. Cases are evaluated in order;
// the first whose condition holds receives the message.
type Case struct {
	Condition Condition
	TargetID  string
}

// EdgeGroup is a topological unit owning one or more edges with a shared
// delivery discipline. Groups are immutable once the workflow is built.
type EdgeGroup struct {
	ID   string
	Kind GroupKind

	// Edges lists the group's edges. Single groups have exactly one;
	// fan-out and switch-case groups have one per target; fan-in groups
	// have one per source.
	Edges []Edge

	// SourceIDs preserves source declaration order for fan-in aggregation.
	SourceIDs []string
	TargetIDs []string

	// Selection applies to fan-out groups only.
	Selection SelectionFunc

	// Cases and DefaultTargetID apply to switch-case groups only.
	Cases           []Case
	DefaultTargetID string
}

// newEdgeGroup derives the group's deterministic id from its shape. The id
// participates in spans and the graph signature.
func newEdgeGroup(kind GroupKind, sources, targets []string, edges []Edge) *EdgeGroup {
	return &EdgeGroup{
		ID:        fmt.Sprintf("%s:%s->%s", kind, strings.Join(sources, ","), strings.Join(targets, ",")),
		Kind:      kind,
		Edges:     edges,
		SourceIDs: sources,
		TargetIDs: targets,
	}
}

// edgeFor returns the group's edge ending at targetID.
func (g *EdgeGroup) edgeFor(targetID string) (Edge, bool) {
	for _, e := range g.Edges {
		if e.TargetID == targetID {
			return e, true
		}
	}
	return Edge{}, false
}

// hasTarget reports whether targetID is one of the group's configured
// targets.
func (g *EdgeGroup) hasTarget(targetID string) bool {
	for _, t := range g.TargetIDs {
		if t == targetID {
			return true
		}
	}
	return false
}
