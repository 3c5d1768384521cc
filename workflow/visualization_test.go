package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMermaid(t *testing.T) {
	always := func(any) (bool, error) { return true, nil }
	intNode := func(id string) *Executor {
		return NewExecutor(id, OnMessage(func(ctx context.Context, wc *Context, n int) error {
			return wc.SendMessage(n)
		}, TypeOf[int]()))
	}
	gather := NewExecutor("gather", OnMessage(func(ctx context.Context, wc *Context, ns []int) error {
		return wc.SendMessage(len(ns))
	}, TypeOf[int]()))

	wf, err := NewWorkflowBuilder("viz").
		AddExecutor(intNode("start-node")).
		AddExecutor(intNode("left")).AddExecutor(intNode("right")).
		AddExecutor(gather).
		AddExecutor(intNode("pos")).AddExecutor(intNode("neg")).AddExecutor(intNode("other")).
		AddFanOut("start-node", []string{"left", "right"}).
		AddFanIn([]string{"left", "right"}, "gather").
		AddSwitch("gather",
			[]Case{
				{Condition: func(p any) (bool, error) { return p.(int) > 0, nil }, TargetID: "pos"},
				{Condition: func(p any) (bool, error) { return p.(int) < 0, nil }, TargetID: "neg"},
			},
			"other").
		AddEdge("pos", "other", always).
		WithStart("start-node").
		Build()
	require.NoError(t, err)

	out := wf.ToMermaid()

	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))

	// The start executor is drawn as a stadium; ids are sanitized.
	assert.Contains(t, out, `start_node(["start-node"])`)
	assert.Contains(t, out, `left["left"]`)

	// Fan-out edges.
	assert.Contains(t, out, "start_node --> left")
	assert.Contains(t, out, "start_node --> right")

	// Fan-in junction.
	assert.Contains(t, out, `(("fan-in"))`)
	assert.Contains(t, out, "left --> fan_in_")
	assert.Contains(t, out, "--> gather")

	// Switch cases and default.
	assert.Contains(t, out, "gather -->|case 0| pos")
	assert.Contains(t, out, "gather -->|case 1| neg")
	assert.Contains(t, out, "gather -->|default| other")

	// Conditional single edge.
	assert.Contains(t, out, "pos -->|conditional| other")
}

func TestMermaidKey(t *testing.T) {
	assert.Equal(t, "plain_id", mermaidKey("plain_id"))
	assert.Equal(t, "with_dash", mermaidKey("with-dash"))
	assert.Equal(t, "dots_and_spaces_", mermaidKey("dots.and spaces!"))
}
