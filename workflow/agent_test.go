package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/agentflowgo/chat"
)

func buildEchoAgentWorkflow(t *testing.T) *Workflow {
	t.Helper()
	echo := NewExecutor("echo", OnMessage(func(ctx context.Context, wc *Context, msg string) error {
		wc.YieldOutput("echo: " + msg)
		return nil
	}))
	wf, err := NewWorkflowBuilder("echo-flow").
		AddExecutor(echo).
		WithStart("echo").
		Build()
	require.NoError(t, err)
	return wf
}

func TestAsAgent_NameDefaultsToWorkflowName(t *testing.T) {
	wf := buildEchoAgentWorkflow(t)
	assert.Equal(t, "echo-flow", wf.AsAgent("").Name())
	assert.Equal(t, "echoer", wf.AsAgent("echoer").Name())
}

func TestWorkflowAgent_RunCoercesOutputs(t *testing.T) {
	agent := buildEchoAgentWorkflow(t).AsAgent("echoer")

	out, err := agent.Run(context.Background(), []chat.Message{chat.User("ping")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, chat.RoleAssistant, out[0].Role)
	assert.Equal(t, "echoer", out[0].AuthorName)
	assert.Equal(t, "echo: ping", out[0].Text)
}

func TestWorkflowAgent_Respond(t *testing.T) {
	agent := buildEchoAgentWorkflow(t).AsAgent("echoer")

	msg, err := agent.Respond(context.Background(), []chat.Message{
		chat.User("first"),
		chat.User("second"),
	})
	require.NoError(t, err)
	// The start executor takes a string, so only the last message's text is
	// injected.
	assert.Equal(t, "echo: second", msg.Text)
}

func TestWorkflowAgent_RespondNoOutput(t *testing.T) {
	silent := NewExecutor("silent", OnMessage(func(ctx context.Context, wc *Context, msg string) error {
		return nil
	}))
	wf, err := NewWorkflowBuilder("silent-flow").
		AddExecutor(silent).
		WithStart("silent").
		Build()
	require.NoError(t, err)

	_, err = wf.AsAgent("quiet").Respond(context.Background(), []chat.Message{chat.User("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced no output")
}

func TestWorkflowAgent_InputShaping(t *testing.T) {
	t.Run("conversation start", func(t *testing.T) {
		summarize := NewExecutor("summarize", OnMessage(func(ctx context.Context, wc *Context, msgs []chat.Message) error {
			var texts []string
			for _, m := range msgs {
				texts = append(texts, m.Text)
			}
			wc.YieldOutput(strings.Join(texts, "|"))
			return nil
		}))
		wf, err := NewWorkflowBuilder("summary-flow").
			AddExecutor(summarize).
			WithStart("summarize").
			Build()
		require.NoError(t, err)

		msg, err := wf.AsAgent("").Respond(context.Background(), []chat.Message{
			chat.User("a"), chat.User("b"),
		})
		require.NoError(t, err)
		assert.Equal(t, "a|b", msg.Text)
	})

	t.Run("message start", func(t *testing.T) {
		last := NewExecutor("last", OnMessage(func(ctx context.Context, wc *Context, msg chat.Message) error {
			wc.YieldOutput(chat.Assistant("last", msg.AuthorName+"/"+msg.Text))
			return nil
		}))
		wf, err := NewWorkflowBuilder("last-flow").
			AddExecutor(last).
			WithStart("last").
			Build()
		require.NoError(t, err)

		msg, err := wf.AsAgent("").Respond(context.Background(), []chat.Message{
			chat.User("ignored"),
			chat.Assistant("bob", "latest"),
		})
		require.NoError(t, err)
		assert.Equal(t, "bob/latest", msg.Text)
	})
}

func TestCoerceMessages(t *testing.T) {
	msgs := coerceMessages("a", chat.User("x"))
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)

	conv := []chat.Message{chat.User("x"), chat.Assistant("b", "y")}
	assert.Equal(t, conv, coerceMessages("a", conv))

	msgs = coerceMessages("a", "plain")
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.Assistant("a", "plain"), msgs[0])

	msgs = coerceMessages("a", 42)
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].Text)
}
