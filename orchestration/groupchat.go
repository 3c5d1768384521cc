package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/smallnest/agentflowgo/chat"
	"github.com/smallnest/agentflowgo/store"
	"github.com/smallnest/agentflowgo/workflow"
)

// TerminationConditionMetMessage is the final conversation message appended
// when a termination condition fires and no explicit final message exists.
const TerminationConditionMetMessage = "Termination condition met."

// orchestratorAuthor attributes messages the orchestrator itself appends.
const orchestratorAuthor = "orchestrator"

const groupChatOrchestratorID = "group_chat_orchestrator"

// conversationTurn carries the conversation to the participant whose turn it
// is; participantReply carries the answer back.
type conversationTurn struct {
	Conversation []chat.Message
}

type participantReply struct {
	Message chat.Message
}

// ApprovalRequest pauses the chat before dispatching to a participant. The
// caller answers with an ApprovalResponse via SendResponsesStream.
type ApprovalRequest struct {
	NextSpeaker  string
	Conversation []chat.Message
}

// ApprovalResponse approves or declines the pending dispatch.
type ApprovalResponse struct {
	Approved bool
	Comments string
}

// GroupChatState is the selector's view of the chat.
type GroupChatState struct {
	Participants []string
	Conversation []chat.Message
	RoundCount   int
}

// SelectorFunc picks the next speaker from the chat state.
type SelectorFunc func(state *GroupChatState) (string, error)

// TerminationFunc decides whether the conversation should stop after a
// reply.
type TerminationFunc func(conversation []chat.Message) bool

// GroupChatDirective is the structured reply a manager agent produces each
// round: either terminate the chat or name the next speaker.
type GroupChatDirective struct {
	Terminate    bool   `json:"terminate"`
	Reason       string `json:"reason,omitempty"`
	NextSpeaker  string `json:"next_speaker,omitempty"`
	FinalMessage string `json:"final_message,omitempty"`
}

const managerDirectivePrompt = `You are moderating a conversation between the following participants: %s.
Read the conversation and reply with a single JSON object, no other text:
{"terminate": <bool>, "reason": "<why>", "next_speaker": "<participant name>", "final_message": "<closing message if terminating>"}
Set "terminate" to true only when the conversation has fulfilled its purpose.`

// GroupChatBuilder assembles a group-chat workflow: an orchestrator executor
// plus one executor per participant, wired through a fan-out and return
// edges. The built workflow accepts the task as a string (or conversation
// slice) and yields the final conversation.
type GroupChatBuilder struct {
	name        string
	factories   []func() Agent
	selector    SelectorFunc
	manager     func() Agent
	maxRounds   int
	termination TerminationFunc
	pauseAll    bool
	pauseBefore []string
	pauseSet    bool
	store       store.CheckpointStore
}

// NewGroupChat creates a builder for a group chat named name.
func NewGroupChat(name string) *GroupChatBuilder {
	return &GroupChatBuilder{name: name, maxRounds: 10}
}

// AddParticipant registers a participant agent. The same instance is shared
// across builds; use AddParticipantFactory for per-build instances.
func (b *GroupChatBuilder) AddParticipant(a Agent) *GroupChatBuilder {
	b.factories = append(b.factories, func() Agent { return a })
	return b
}

// AddParticipantFactory registers a zero-arg constructor; every Build call
// produces a fresh participant, so one builder can be reused.
func (b *GroupChatBuilder) AddParticipantFactory(factory func() Agent) *GroupChatBuilder {
	b.factories = append(b.factories, factory)
	return b
}

// WithSelector sets a synchronous next-speaker function. Mutually exclusive
// with WithManager.
func (b *GroupChatBuilder) WithSelector(selector SelectorFunc) *GroupChatBuilder {
	b.selector = selector
	return b
}

// WithManager sets a manager agent whose structured replies drive speaker
// selection and termination. Mutually exclusive with WithSelector.
func (b *GroupChatBuilder) WithManager(manager Agent) *GroupChatBuilder {
	b.manager = func() Agent { return manager }
	return b
}

// WithManagerFactory is WithManager with a per-build constructor.
func (b *GroupChatBuilder) WithManagerFactory(factory func() Agent) *GroupChatBuilder {
	b.manager = factory
	return b
}

// WithMaxRounds caps the number of participant replies.
func (b *GroupChatBuilder) WithMaxRounds(n int) *GroupChatBuilder {
	b.maxRounds = n
	return b
}

// WithTerminationCondition stops the chat when fn returns true after a
// reply.
func (b *GroupChatBuilder) WithTerminationCondition(fn TerminationFunc) *GroupChatBuilder {
	b.termination = fn
	return b
}

// WithRequestInfo pauses for approval before dispatching to the named
// participants. With no names, the chat pauses before every participant.
func (b *GroupChatBuilder) WithRequestInfo(agents ...string) *GroupChatBuilder {
	b.pauseSet = true
	b.pauseAll = len(agents) == 0
	b.pauseBefore = agents
	return b
}

// WithCheckpointing persists the chat so it can resume across processes.
func (b *GroupChatBuilder) WithCheckpointing(s store.CheckpointStore) *GroupChatBuilder {
	b.store = s
	return b
}

// Build assembles and validates the group-chat workflow.
func (b *GroupChatBuilder) Build() (*workflow.Workflow, error) {
	if len(b.factories) == 0 {
		return nil, errors.New("group chat has no participants")
	}
	if b.selector != nil && b.manager != nil {
		return nil, errors.New("group chat cannot have both a selector and a manager agent")
	}

	agents := make([]Agent, 0, len(b.factories))
	names := make([]string, 0, len(b.factories))
	for _, factory := range b.factories {
		a := factory()
		agents = append(agents, a)
		names = append(names, a.Name())
	}

	o := &groupChatOrchestrator{
		participants: names,
		selector:     b.selector,
		maxRounds:    b.maxRounds,
		termination:  b.termination,
		pauseAll:     b.pauseSet && b.pauseAll,
		pauseBefore:  make(map[string]bool, len(b.pauseBefore)),
	}
	if b.manager != nil {
		o.manager = b.manager()
	}
	if o.selector == nil && o.manager == nil {
		o.selector = roundRobin(names)
	}
	for _, name := range b.pauseBefore {
		o.pauseBefore[name] = true
	}

	orchestrator := workflow.NewExecutor(groupChatOrchestratorID,
		workflow.OnMessage(o.handleTask, workflow.TypeOf[conversationTurn]()),
		workflow.OnMessage(o.handleConversation, workflow.TypeOf[conversationTurn]()),
		workflow.OnMessage(o.handleReply, workflow.TypeOf[conversationTurn]()),
		workflow.OnMessage(o.handleApproval, workflow.TypeOf[conversationTurn]()),
	).WithCheckpointHooks(o.saveState, o.restoreState)

	wb := workflow.NewWorkflowBuilder(b.name).
		AddExecutor(orchestrator).
		WithStart(groupChatOrchestratorID)
	for _, a := range agents {
		wb.AddExecutor(newParticipantExecutor(a))
		wb.AddEdge(a.Name(), groupChatOrchestratorID)
	}
	wb.AddFanOut(groupChatOrchestratorID, names)
	if b.store != nil {
		wb.WithCheckpointing(b.store)
	}
	return wb.Build()
}

// roundRobin cycles through the participants by reply count.
func roundRobin(names []string) SelectorFunc {
	return func(state *GroupChatState) (string, error) {
		return names[state.RoundCount%len(names)], nil
	}
}

// newParticipantExecutor wraps an agent as a workflow executor: it answers
// each conversationTurn with one participantReply.
func newParticipantExecutor(a Agent) *workflow.Executor {
	return workflow.NewExecutor(a.Name(), workflow.OnMessage(
		func(ctx context.Context, wc *workflow.Context, turn conversationTurn) error {
			reply, err := a.Respond(ctx, turn.Conversation)
			if err != nil {
				return fmt.Errorf("participant %s: %w", a.Name(), err)
			}
			return wc.SendMessage(participantReply{Message: reply})
		}, workflow.TypeOf[participantReply]()))
}

type groupChatOrchestrator struct {
	participants []string
	selector     SelectorFunc
	manager      Agent
	maxRounds    int
	termination  TerminationFunc
	pauseAll     bool
	pauseBefore  map[string]bool

	mu             sync.Mutex
	conversation   []chat.Message
	roundCount     int
	pendingSpeaker string
}

func (o *groupChatOrchestrator) handleTask(ctx context.Context, wc *workflow.Context, task string) error {
	o.mu.Lock()
	o.conversation = append(o.conversation, chat.User(task))
	o.mu.Unlock()
	return o.advance(ctx, wc)
}

func (o *groupChatOrchestrator) handleConversation(ctx context.Context, wc *workflow.Context, msgs []chat.Message) error {
	o.mu.Lock()
	o.conversation = append(o.conversation, msgs...)
	o.mu.Unlock()
	return o.advance(ctx, wc)
}

func (o *groupChatOrchestrator) handleReply(ctx context.Context, wc *workflow.Context, r participantReply) error {
	o.mu.Lock()
	o.conversation = append(o.conversation, r.Message)
	o.roundCount++
	conversation := o.snapshotLocked()
	o.mu.Unlock()

	if o.termination != nil && o.termination(conversation) {
		author := orchestratorAuthor
		if o.manager != nil {
			author = o.manager.Name()
		}
		return o.finish(wc, chat.Assistant(author, TerminationConditionMetMessage))
	}
	return o.advance(ctx, wc)
}

func (o *groupChatOrchestrator) handleApproval(ctx context.Context, wc *workflow.Context, resp ApprovalResponse) error {
	o.mu.Lock()
	next := o.pendingSpeaker
	o.pendingSpeaker = ""
	o.mu.Unlock()
	if next == "" {
		return errors.New("approval response with no pending dispatch")
	}
	if !resp.Approved {
		reason := resp.Comments
		if reason == "" {
			reason = "dispatch declined"
		}
		return o.finish(wc, chat.Assistant(orchestratorAuthor, reason))
	}
	return wc.SendMessageTo(conversationTurn{Conversation: o.snapshot()}, next)
}

// advance runs one selection step: pick the next speaker, enforce the round
// budget and dispatch (or pause for approval).
func (o *groupChatOrchestrator) advance(ctx context.Context, wc *workflow.Context) error {
	next, terminal, err := o.selectNext(ctx, wc)
	if err != nil || terminal {
		return err
	}
	if !containsName(o.participants, next) {
		return fmt.Errorf("unknown participant %q", next)
	}

	o.mu.Lock()
	rounds := o.roundCount
	o.mu.Unlock()
	if rounds >= o.maxRounds {
		final := fmt.Sprintf("Reached maximum number of rounds (%d).", o.maxRounds)
		return o.finish(wc, chat.Assistant(orchestratorAuthor, final))
	}

	if o.pauseAll || o.pauseBefore[next] {
		o.mu.Lock()
		o.pendingSpeaker = next
		o.mu.Unlock()
		_, err := wc.RequestInfo(
			ApprovalRequest{NextSpeaker: next, Conversation: o.snapshot()},
			workflow.TypeOf[ApprovalResponse]())
		return err
	}
	return wc.SendMessageTo(conversationTurn{Conversation: o.snapshot()}, next)
}

// selectNext returns the chosen speaker, or terminal=true when the manager
// ended the chat.
func (o *groupChatOrchestrator) selectNext(ctx context.Context, wc *workflow.Context) (next string, terminal bool, err error) {
	if o.manager == nil {
		o.mu.Lock()
		state := &GroupChatState{
			Participants: append([]string(nil), o.participants...),
			Conversation: o.snapshotLocked(),
			RoundCount:   o.roundCount,
		}
		o.mu.Unlock()
		next, err = o.selector(state)
		return next, false, err
	}

	prompt := chat.System(fmt.Sprintf(managerDirectivePrompt, strings.Join(o.participants, ", ")))
	history := append([]chat.Message{prompt}, o.snapshot()...)
	reply, err := o.manager.Respond(ctx, history)
	if err != nil {
		return "", false, fmt.Errorf("group chat manager: %w", err)
	}
	var directive GroupChatDirective
	if err := json.Unmarshal([]byte(extractJSON(reply.Text)), &directive); err != nil {
		return "", false, fmt.Errorf("group chat manager returned an unparsable directive: %w", err)
	}
	if directive.Terminate {
		text := directive.FinalMessage
		if text == "" {
			text = TerminationConditionMetMessage
		}
		return "", true, o.finish(wc, chat.Assistant(o.manager.Name(), text))
	}
	return directive.NextSpeaker, false, nil
}

// finish appends the final message, yields the whole conversation and stops.
func (o *groupChatOrchestrator) finish(wc *workflow.Context, final chat.Message) error {
	o.mu.Lock()
	o.conversation = append(o.conversation, final)
	conversation := o.snapshotLocked()
	o.mu.Unlock()
	wc.EmitOrchestratorEvent("group chat finished", final)
	wc.YieldOutput(conversation)
	return nil
}

func (o *groupChatOrchestrator) snapshot() []chat.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *groupChatOrchestrator) snapshotLocked() []chat.Message {
	return append([]chat.Message(nil), o.conversation...)
}

func (o *groupChatOrchestrator) saveState(context.Context) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]any{
		"conversation":    o.snapshotLocked(),
		"round_count":     o.roundCount,
		"pending_speaker": o.pendingSpeaker,
	}, nil
}

func (o *groupChatOrchestrator) restoreState(_ context.Context, state map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := state["conversation"].([]chat.Message); ok {
		o.conversation = c
	}
	if n, ok := state["round_count"].(int); ok {
		o.roundCount = n
	}
	if s, ok := state["pending_speaker"].(string); ok {
		o.pendingSpeaker = s
	}
	return nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
