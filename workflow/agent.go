package workflow

import (
	"context"
	"fmt"

	"github.com/smallnest/agentflowgo/chat"
)

// WorkflowAgent exposes a workflow through an agent-shaped API: feed it a
// conversation, get messages back. It also satisfies the group-chat Agent
// contract, so a whole workflow can participate in an orchestrated chat.
type WorkflowAgent struct {
	wf   *Workflow
	name string
}

// AsAgent adapts the workflow to the agent API. An empty name defaults to
// the workflow name.
func (w *Workflow) AsAgent(name string) *WorkflowAgent {
	if name == "" {
		name = w.name
	}
	return &WorkflowAgent{wf: w, name: name}
}

// Name returns the agent's display name.
func (a *WorkflowAgent) Name() string { return a.name }

// RunStream injects the conversation into the workflow and streams its
// events.
func (a *WorkflowAgent) RunStream(ctx context.Context, messages []chat.Message) (<-chan Event, error) {
	return a.wf.RunStream(ctx, a.inputFor(messages))
}

// Run is RunStream drained to the yielded messages.
func (a *WorkflowAgent) Run(ctx context.Context, messages []chat.Message) ([]chat.Message, error) {
	events, err := a.RunStream(ctx, messages)
	if err != nil {
		return nil, err
	}
	var out []chat.Message
	var failure error
	for ev := range events {
		switch ev.Kind {
		case EventOutput:
			out = append(out, coerceMessages(a.name, ev.Data)...)
		case EventStatus:
			if ev.State == RunStateFailed {
				failure = ev.Err
			}
		}
	}
	return out, failure
}

// Respond returns the last message the workflow yields for the conversation.
func (a *WorkflowAgent) Respond(ctx context.Context, history []chat.Message) (chat.Message, error) {
	out, err := a.Run(ctx, history)
	if err != nil {
		return chat.Message{}, err
	}
	if len(out) == 0 {
		return chat.Message{}, fmt.Errorf("workflow agent %q produced no output", a.name)
	}
	return out[len(out)-1], nil
}

// inputFor shapes the conversation to whatever the start executor accepts:
// the full slice, the last message, or that message's text.
func (a *WorkflowAgent) inputFor(messages []chat.Message) any {
	start := a.wf.executors[a.wf.startID]
	if start.CanHandle(messages) {
		return messages
	}
	var last chat.Message
	if len(messages) > 0 {
		last = messages[len(messages)-1]
	}
	if start.CanHandle(last) {
		return last
	}
	return last.Text
}

func coerceMessages(author string, data any) []chat.Message {
	switch v := data.(type) {
	case chat.Message:
		return []chat.Message{v}
	case []chat.Message:
		return v
	case string:
		return []chat.Message{chat.Assistant(author, v)}
	default:
		return []chat.Message{chat.Assistant(author, fmt.Sprint(v))}
	}
}
