package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/agentflowgo/chat"
)

// fakeModel replays scripted completions and records every prompt it was
// given.
type fakeModel struct {
	mu      sync.Mutex
	replies []string
	prompts [][]llms.MessageContent
}

func newFakeModel(replies ...string) *fakeModel {
	return &fakeModel{replies: replies}
}

func (m *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, msgs)
	if len(m.replies) == 0 {
		return nil, errors.New("fake model script exhausted")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)})
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func promptText(t *testing.T, msg llms.MessageContent) string {
	t.Helper()
	require.NotEmpty(t, msg.Parts)
	text, ok := msg.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, extractJSON(`{"a": 1}`))
	assert.Equal(t, `{"a": 1}`, extractJSON("```json\n{\"a\": 1}\n```"))
	assert.Equal(t, `{"a": 1}`, extractJSON("```\n{\"a\": 1}\n```"))
	assert.Equal(t, `{"a": 1}`, extractJSON(`Here you go: {"a": 1} hope it helps`))
	assert.Equal(t, "no json here", extractJSON("no json here"))
}

func TestStandardManager_PlanBuildsTaskLedger(t *testing.T) {
	model := newFakeModel("the facts", "the steps")
	m := NewStandardMagenticManager(model)

	mc := &MagenticContext{
		Task:         chat.User("count the stars"),
		Participants: map[string]string{"astro": "counts stars"},
	}
	msg, err := m.Plan(context.Background(), mc)
	require.NoError(t, err)

	assert.Equal(t, magenticManagerName, msg.AuthorName)
	assert.Contains(t, msg.Text, "Task:\ncount the stars")
	assert.Contains(t, msg.Text, "Fact survey:\nthe facts")
	assert.Contains(t, msg.Text, "Plan:\nthe steps")

	// Two completions: the fact survey, then the plan grounded in it.
	require.Len(t, model.prompts, 2)
	assert.Contains(t, promptText(t, model.prompts[0][0]), "count the stars")
	assert.Contains(t, promptText(t, model.prompts[1][0]), "astro: counts stars")
	assert.Contains(t, promptText(t, model.prompts[1][0]), "the facts")

	state, err := m.SaveState()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"facts": "the facts", "plan": "the steps"}, state)
}

func TestStandardManager_ReplanUpdatesLedger(t *testing.T) {
	model := newFakeModel("fresher facts", "fresher plan")
	m := NewStandardMagenticManager(model)
	require.NoError(t, m.RestoreState(map[string]any{"facts": "stale facts", "plan": "stale plan"}))

	mc := &MagenticContext{
		Task:         chat.User("try again"),
		Participants: map[string]string{"astro": "counts stars"},
	}
	msg, err := m.Replan(context.Background(), mc)
	require.NoError(t, err)

	assert.Contains(t, msg.Text, "fresher facts")
	assert.Contains(t, msg.Text, "fresher plan")

	// The update prompt carries the previous survey forward.
	require.Len(t, model.prompts, 2)
	assert.Contains(t, promptText(t, model.prompts[0][0]), "stale facts")
}

func TestStandardManager_CreateProgressLedger(t *testing.T) {
	model := newFakeModel("```json\n{\n" +
		`  "is_request_satisfied": {"reason": "not yet", "answer": false},` + "\n" +
		`  "is_in_loop": {"reason": "fresh", "answer": false},` + "\n" +
		`  "is_progress_being_made": {"reason": "moving", "answer": true},` + "\n" +
		`  "next_speaker": {"reason": "their turn", "answer": "astro"},` + "\n" +
		`  "instruction_or_question": {"reason": "next step", "answer": "count the northern sky"}` + "\n" +
		"}\n```")
	m := NewStandardMagenticManager(model)

	mc := &MagenticContext{
		Task:         chat.User("count the stars"),
		Participants: map[string]string{"astro": "counts stars"},
		ChatHistory:  []chat.Message{chat.User("count the stars")},
	}
	ledger, err := m.CreateProgressLedger(context.Background(), mc)
	require.NoError(t, err)

	assert.False(t, ledger.IsRequestSatisfied.Answer)
	assert.True(t, ledger.IsProgressBeingMade.Answer)
	assert.Equal(t, "astro", ledger.NextSpeaker.Answer)
	assert.Equal(t, "count the northern sky", ledger.InstructionOrQuestion.Answer)

	// The judgement prompt is a system message followed by the history.
	require.Len(t, model.prompts, 1)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.prompts[0][0].Role)
}

func TestStandardManager_UnparsableLedger(t *testing.T) {
	m := NewStandardMagenticManager(newFakeModel("I cannot answer in JSON"))

	_, err := m.CreateProgressLedger(context.Background(), &MagenticContext{Task: chat.User("t")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparsable progress ledger")
}

func TestStandardManager_PrepareFinalAnswer(t *testing.T) {
	m := NewStandardMagenticManager(newFakeModel("42 stars"))

	msg, err := m.PrepareFinalAnswer(context.Background(), &MagenticContext{
		Task:        chat.User("count the stars"),
		ChatHistory: []chat.Message{chat.User("count the stars")},
	})
	require.NoError(t, err)
	assert.Equal(t, chat.Assistant(magenticManagerName, "42 stars"), msg)
}

func TestModelAgent_Respond(t *testing.T) {
	model := newFakeModel("hello there")
	agent := NewModelAgent("helper", model, "be helpful")

	msg, err := agent.Respond(context.Background(), []chat.Message{chat.User("hi")})
	require.NoError(t, err)
	assert.Equal(t, chat.Assistant("helper", "hello there"), msg)

	// The system prompt is prepended to the conversation.
	require.Len(t, model.prompts, 1)
	require.Len(t, model.prompts[0], 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.prompts[0][0].Role)
	assert.Equal(t, "be helpful", promptText(t, model.prompts[0][0]))
}

func TestComplete_NoChoices(t *testing.T) {
	_, err := complete(context.Background(), modelWithNoChoices{}, []chat.Message{chat.User("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

// modelWithNoChoices returns an empty choice list, which complete must treat
// as an error.
type modelWithNoChoices struct{}

func (modelWithNoChoices) GenerateContent(ctx context.Context, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{}, nil
}

func (modelWithNoChoices) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return "", nil
}
