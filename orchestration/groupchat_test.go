package orchestration

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/agentflowgo/chat"
	"github.com/smallnest/agentflowgo/store"
	"github.com/smallnest/agentflowgo/store/file"
	"github.com/smallnest/agentflowgo/store/memory"
	"github.com/smallnest/agentflowgo/workflow"
)

// scriptedAgent replies with a fixed line and remembers the histories it saw.
type scriptedAgent struct {
	name string
	line string

	mu        sync.Mutex
	histories [][]chat.Message
}

func newScriptedAgent(name, line string) *scriptedAgent {
	return &scriptedAgent{name: name, line: line}
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Respond(ctx context.Context, history []chat.Message) (chat.Message, error) {
	a.mu.Lock()
	a.histories = append(a.histories, append([]chat.Message(nil), history...))
	a.mu.Unlock()
	return chat.Assistant(a.name, a.line), nil
}

func conversationOf(t *testing.T, outputs []any) []chat.Message {
	t.Helper()
	require.Len(t, outputs, 1)
	conv, ok := outputs[0].([]chat.Message)
	require.True(t, ok, "expected a conversation output, got %T", outputs[0])
	return conv
}

func TestGroupChat_RoundRobinStopsAtMaxRounds(t *testing.T) {
	wf, err := NewGroupChat("standup").
		AddParticipant(newScriptedAgent("alpha", "alpha here")).
		AddParticipant(newScriptedAgent("beta", "beta here")).
		WithMaxRounds(2).
		Build()
	require.NoError(t, err)

	outputs, err := wf.Run(context.Background(), "share your status")
	require.NoError(t, err)

	conv := conversationOf(t, outputs)
	require.Len(t, conv, 4)
	assert.Equal(t, chat.User("share your status"), conv[0])
	assert.Equal(t, "alpha", conv[1].AuthorName)
	assert.Equal(t, "beta", conv[2].AuthorName)
	assert.Equal(t, chat.Assistant(orchestratorAuthor, "Reached maximum number of rounds (2)."), conv[3])
}

func TestGroupChat_ManagerDirectivesDriveTheChat(t *testing.T) {
	alpha := newScriptedAgent("alpha", "analysis done")
	calls := 0
	manager := NewAgentFunc("mgr", func(ctx context.Context, history []chat.Message) (chat.Message, error) {
		calls++
		require.NotEmpty(t, history)
		assert.Equal(t, chat.RoleSystem, history[0].Role)
		assert.Contains(t, history[0].Text, "alpha")
		if calls == 1 {
			return chat.Assistant("mgr", `{"terminate": false, "next_speaker": "alpha"}`), nil
		}
		// A fenced reply must parse too.
		return chat.Assistant("mgr", "```json\n{\"terminate\": true, \"final_message\": \"done\"}\n```"), nil
	})

	wf, err := NewGroupChat("managed").
		AddParticipant(alpha).
		WithManager(manager).
		Build()
	require.NoError(t, err)

	outputs, err := wf.Run(context.Background(), "analyze this")
	require.NoError(t, err)

	conv := conversationOf(t, outputs)
	require.Len(t, conv, 3)
	assert.Equal(t, "analysis done", conv[1].Text)
	assert.Equal(t, chat.Assistant("mgr", "done"), conv[2])
	assert.Equal(t, 2, calls)
}

func TestGroupChat_TerminationCondition(t *testing.T) {
	wf, err := NewGroupChat("approval-chat").
		AddParticipant(newScriptedAgent("alpha", "LGTM, APPROVE")).
		WithTerminationCondition(func(conversation []chat.Message) bool {
			last := conversation[len(conversation)-1]
			return strings.Contains(last.Text, "APPROVE")
		}).
		Build()
	require.NoError(t, err)

	outputs, err := wf.Run(context.Background(), "review the patch")
	require.NoError(t, err)

	conv := conversationOf(t, outputs)
	require.Len(t, conv, 3)
	assert.Equal(t, chat.Assistant(orchestratorAuthor, TerminationConditionMetMessage), conv[2])
}

func TestGroupChat_ApprovalPause(t *testing.T) {
	build := func(t *testing.T) *workflow.Workflow {
		wf, err := NewGroupChat("guarded").
			AddParticipant(newScriptedAgent("alpha", "working on it")).
			WithRequestInfo().
			WithMaxRounds(1).
			Build()
		require.NoError(t, err)
		return wf
	}

	pause := func(t *testing.T, wf *workflow.Workflow) workflow.Event {
		t.Helper()
		events, err := wf.RunStream(context.Background(), "do the thing")
		require.NoError(t, err)
		var reqEvent workflow.Event
		for ev := range events {
			if ev.Kind == workflow.EventRequestInfo {
				reqEvent = ev
			}
		}
		require.NotEmpty(t, reqEvent.RequestID)
		req, ok := reqEvent.Data.(ApprovalRequest)
		require.True(t, ok)
		assert.Equal(t, "alpha", req.NextSpeaker)
		return reqEvent
	}

	t.Run("approved", func(t *testing.T) {
		wf := build(t)
		reqEvent := pause(t, wf)

		events, err := wf.SendResponsesStream(context.Background(),
			map[string]any{reqEvent.RequestID: ApprovalResponse{Approved: true}})
		require.NoError(t, err)
		outputs, failure := workflow.DrainEvents(events)
		require.NoError(t, failure)

		conv := conversationOf(t, outputs)
		require.Len(t, conv, 3)
		assert.Equal(t, "working on it", conv[1].Text)
		assert.Equal(t, "Reached maximum number of rounds (1).", conv[2].Text)
	})

	t.Run("declined", func(t *testing.T) {
		wf := build(t)
		reqEvent := pause(t, wf)

		events, err := wf.SendResponsesStream(context.Background(),
			map[string]any{reqEvent.RequestID: ApprovalResponse{Approved: false, Comments: "hold off"}})
		require.NoError(t, err)
		outputs, failure := workflow.DrainEvents(events)
		require.NoError(t, failure)

		conv := conversationOf(t, outputs)
		require.Len(t, conv, 2)
		assert.Equal(t, chat.Assistant(orchestratorAuthor, "hold off"), conv[1])
	})
}

func TestGroupChat_BuildErrors(t *testing.T) {
	_, err := NewGroupChat("empty").Build()
	require.EqualError(t, err, "group chat has no participants")

	_, err = NewGroupChat("conflicted").
		AddParticipant(newScriptedAgent("alpha", "hi")).
		WithSelector(func(state *GroupChatState) (string, error) { return "alpha", nil }).
		WithManager(newScriptedAgent("mgr", "hi")).
		Build()
	require.EqualError(t, err, "group chat cannot have both a selector and a manager agent")
}

func TestGroupChat_UnknownParticipantFailsRun(t *testing.T) {
	wf, err := NewGroupChat("misdirected").
		AddParticipant(newScriptedAgent("alpha", "hi")).
		WithSelector(func(state *GroupChatState) (string, error) { return "ghost", nil }).
		Build()
	require.NoError(t, err)

	_, err = wf.Run(context.Background(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown participant "ghost"`)
}

func TestGroupChat_OrchestratorStateSurvivesSerialization(t *testing.T) {
	o := &groupChatOrchestrator{
		conversation:   []chat.Message{chat.User("kick off"), chat.Assistant("alpha", "done")},
		roundCount:     5,
		pendingSpeaker: "beta",
	}
	state, err := o.saveState(context.Background())
	require.NoError(t, err)

	// Push the state through its JSON form, the way the file and database
	// stores do.
	encoded, err := store.EncodeState(state)
	require.NoError(t, err)
	data, err := json.Marshal(encoded)
	require.NoError(t, err)
	var reloaded map[string]*store.Value
	require.NoError(t, json.Unmarshal(data, &reloaded))
	decoded, err := store.DecodeState(reloaded)
	require.NoError(t, err)

	restored := &groupChatOrchestrator{}
	require.NoError(t, restored.restoreState(context.Background(), decoded))
	assert.Equal(t, 5, restored.roundCount)
	assert.Equal(t, o.conversation, restored.conversation)
	assert.Equal(t, "beta", restored.pendingSpeaker)
}

func TestGroupChat_ResumeFromFileStoreKeepsRoundBudget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	build := func(t *testing.T) *workflow.Workflow {
		st, err := file.NewFileCheckpointStore(dir)
		require.NoError(t, err)
		wf, err := NewGroupChat("budgeted").
			AddParticipant(newScriptedAgent("alpha", "alpha reporting")).
			WithRequestInfo().
			WithMaxRounds(2).
			WithCheckpointing(st).
			Build()
		require.NoError(t, err)
		return wf
	}

	approve := func(t *testing.T, wf *workflow.Workflow) <-chan workflow.Event {
		t.Helper()
		pending := wf.PendingRequests()
		require.Len(t, pending, 1)
		events, err := wf.SendResponsesStream(ctx,
			map[string]any{pending[0].RequestID: ApprovalResponse{Approved: true}})
		require.NoError(t, err)
		return events
	}

	wf1 := build(t)
	events, err := wf1.RunStream(ctx, "report status")
	require.NoError(t, err)
	for range events {
	}
	// First approval: alpha answers round one, then the chat pauses again.
	for range approve(t, wf1) {
	}

	st, err := file.NewFileCheckpointStore(dir)
	require.NoError(t, err)
	cp, err := st.Latest(ctx, "budgeted")
	require.NoError(t, err)
	require.NotNil(t, cp)

	// A fresh build stands in for a new process. The decoded checkpoint must
	// bring the round counter back as 1; a reset counter would buy the chat
	// an extra round and it would pause instead of finishing.
	wf2 := build(t)
	events, err = wf2.ResumeStream(ctx, cp.CheckpointID)
	require.NoError(t, err)
	for range events {
	}

	outputs, failure := workflow.DrainEvents(approve(t, wf2))
	require.NoError(t, failure)
	conv := conversationOf(t, outputs)
	require.Len(t, conv, 4)
	assert.Equal(t, chat.User("report status"), conv[0])
	assert.Equal(t, "alpha reporting", conv[1].Text)
	assert.Equal(t, "alpha reporting", conv[2].Text)
	assert.Equal(t, chat.Assistant(orchestratorAuthor, "Reached maximum number of rounds (2)."), conv[3])
}

func TestGroupChat_ResumeRejectsChangedRoster(t *testing.T) {
	st := memory.NewMemoryCheckpointStore()
	build := func(second string) *workflow.Workflow {
		wf, err := NewGroupChat("review").
			AddParticipant(newScriptedAgent("alpha", "hi")).
			AddParticipant(newScriptedAgent(second, "hi")).
			WithRequestInfo().
			WithCheckpointing(st).
			Build()
		require.NoError(t, err)
		return wf
	}
	ctx := context.Background()

	wf1 := build("beta")
	events, err := wf1.RunStream(ctx, "start")
	require.NoError(t, err)
	for range events {
	}

	cp, err := st.Latest(ctx, "review")
	require.NoError(t, err)
	require.NotNil(t, cp)

	// Renaming a participant changes the graph, so the checkpoint no longer
	// applies.
	wf2 := build("gamma")
	_, err = wf2.ResumeStream(ctx, cp.CheckpointID)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrGraphChanged)
}
