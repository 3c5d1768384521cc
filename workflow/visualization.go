package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// ToMermaid renders the workflow graph as a Mermaid flowchart. Fan-in groups
// appear as junction nodes so the aggregation point is visible; switch-case
// edges are labeled with their case index or "default".
func (w *Workflow) ToMermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	ids := make([]string, 0, len(w.executors))
	for id := range w.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if id == w.startID {
			fmt.Fprintf(&b, "    %s([\"%s\"])\n", mermaidKey(id), id)
		} else {
			fmt.Fprintf(&b, "    %s[\"%s\"]\n", mermaidKey(id), id)
		}
	}

	for i, g := range w.groups {
		switch g.Kind {
		case GroupSingle, GroupFanOut:
			for _, e := range g.Edges {
				if e.Condition != nil {
					fmt.Fprintf(&b, "    %s -->|conditional| %s\n", mermaidKey(e.SourceID), mermaidKey(e.TargetID))
				} else {
					fmt.Fprintf(&b, "    %s --> %s\n", mermaidKey(e.SourceID), mermaidKey(e.TargetID))
				}
			}
		case GroupFanIn:
			junction := fmt.Sprintf("fan_in_%d", i)
			fmt.Fprintf(&b, "    %s((\"fan-in\"))\n", junction)
			for _, src := range g.SourceIDs {
				fmt.Fprintf(&b, "    %s --> %s\n", mermaidKey(src), junction)
			}
			fmt.Fprintf(&b, "    %s --> %s\n", junction, mermaidKey(g.TargetIDs[0]))
		case GroupSwitchCase:
			src := mermaidKey(g.SourceIDs[0])
			for ci, c := range g.Cases {
				fmt.Fprintf(&b, "    %s -->|case %d| %s\n", src, ci, mermaidKey(c.TargetID))
			}
			fmt.Fprintf(&b, "    %s -->|default| %s\n", src, mermaidKey(g.DefaultTargetID))
		}
	}
	return b.String()
}

// mermaidKey sanitizes an executor id into a Mermaid node identifier.
func mermaidKey(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
