package orchestration

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/agentflowgo/chat"
)

// Agent is a named conversation participant: given the conversation so far it
// produces one reply.
type Agent interface {
	Name() string
	Respond(ctx context.Context, history []chat.Message) (chat.Message, error)
}

// AgentFunc adapts a function to the Agent interface. Useful for scripted
// participants and tests.
type AgentFunc struct {
	name string
	fn   func(ctx context.Context, history []chat.Message) (chat.Message, error)
}

// NewAgentFunc wraps fn as an agent named name.
func NewAgentFunc(name string, fn func(ctx context.Context, history []chat.Message) (chat.Message, error)) *AgentFunc {
	return &AgentFunc{name: name, fn: fn}
}

func (a *AgentFunc) Name() string { return a.name }

func (a *AgentFunc) Respond(ctx context.Context, history []chat.Message) (chat.Message, error) {
	return a.fn(ctx, history)
}

// ModelAgent is an Agent backed by a langchaingo chat model.
type ModelAgent struct {
	name         string
	model        llms.Model
	systemPrompt string
}

// NewModelAgent creates an agent that answers with a single model call. The
// system prompt, when non-empty, is prepended to every conversation.
func NewModelAgent(name string, model llms.Model, systemPrompt string) *ModelAgent {
	return &ModelAgent{name: name, model: model, systemPrompt: systemPrompt}
}

func (a *ModelAgent) Name() string { return a.name }

func (a *ModelAgent) Respond(ctx context.Context, history []chat.Message) (chat.Message, error) {
	msgs := make([]chat.Message, 0, len(history)+1)
	if a.systemPrompt != "" {
		msgs = append(msgs, chat.System(a.systemPrompt))
	}
	msgs = append(msgs, history...)

	text, err := complete(ctx, a.model, msgs)
	if err != nil {
		return chat.Message{}, fmt.Errorf("agent %s: %w", a.name, err)
	}
	return chat.Assistant(a.name, text), nil
}

// complete runs one chat completion and returns the first choice's text.
func complete(ctx context.Context, model llms.Model, msgs []chat.Message) (string, error) {
	resp, err := model.GenerateContent(ctx, chat.ToLangchain(msgs))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}
