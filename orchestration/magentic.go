package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smallnest/agentflowgo/chat"
	"github.com/smallnest/agentflowgo/store"
	"github.com/smallnest/agentflowgo/workflow"
)

const magenticOrchestratorID = "magentic_orchestrator"

// BoolAnswer is a reasoned yes/no judgement in a progress ledger.
type BoolAnswer struct {
	Reason string `json:"reason"`
	Answer bool   `json:"answer"`
}

// StringAnswer is a reasoned textual judgement in a progress ledger.
type StringAnswer struct {
	Reason string `json:"reason"`
	Answer string `json:"answer"`
}

// ProgressLedger is the manager's per-iteration judgement of the run: is the
// task done, is the team looping, is it progressing, and what should happen
// next.
type ProgressLedger struct {
	IsRequestSatisfied    BoolAnswer   `json:"is_request_satisfied"`
	IsInLoop              BoolAnswer   `json:"is_in_loop"`
	IsProgressBeingMade   BoolAnswer   `json:"is_progress_being_made"`
	NextSpeaker           StringAnswer `json:"next_speaker"`
	InstructionOrQuestion StringAnswer `json:"instruction_or_question"`
}

// MagenticContext is the mutable planning state the manager works against.
type MagenticContext struct {
	Task         chat.Message
	Participants map[string]string // name -> description
	ChatHistory  []chat.Message
	StallCount   int
	ResetCount   int
	RoundCount   int
}

// Reset clears the chat history and stall counter and counts the reset. The
// task and round count survive so budgets keep their meaning across resets.
func (m *MagenticContext) Reset() {
	m.ChatHistory = nil
	m.StallCount = 0
	m.ResetCount++
}

// Manager drives a Magentic orchestration: it plans, judges progress and
// composes the final answer. StandardMagenticManager derives all four
// capabilities from one chat model; custom managers implement them directly.
type Manager interface {
	Plan(ctx context.Context, mc *MagenticContext) (chat.Message, error)
	Replan(ctx context.Context, mc *MagenticContext) (chat.Message, error)
	CreateProgressLedger(ctx context.Context, mc *MagenticContext) (*ProgressLedger, error)
	PrepareFinalAnswer(ctx context.Context, mc *MagenticContext) (chat.Message, error)
}

// ManagerStateSaver and ManagerStateRestorer are optional interfaces a
// Manager may implement to have its internal state (task ledger, counters)
// carried through checkpoints.
type (
	ManagerStateSaver interface {
		SaveState() (map[string]any, error)
	}
	ManagerStateRestorer interface {
		RestoreState(state map[string]any) error
	}
)

// PlanReviewDecision is the caller's verdict on a proposed plan.
type PlanReviewDecision string

const (
	PlanReviewApprove PlanReviewDecision = "approve"
	PlanReviewRevise  PlanReviewDecision = "revise"
)

// MagenticPlanReviewRequest pauses the run for human review of the plan.
// RoundIndex counts review rounds, starting at 1.
type MagenticPlanReviewRequest struct {
	Plan       chat.Message
	RoundIndex int
}

// MagenticPlanReviewResponse answers a plan review: approve to proceed, or
// revise with comments to trigger a replan and another review.
type MagenticPlanReviewResponse struct {
	Decision PlanReviewDecision
	Comments string
}

// MagenticBuilder assembles a planner-driven orchestration: a manager plans,
// a progress ledger picks the next participant each round, and stall, reset
// and round budgets bound the run.
type MagenticBuilder struct {
	name       string
	manager    Manager
	agents     []Agent
	describes  map[string]string
	maxStall   int
	maxReset   int
	maxRound   int
	planReview bool
	store      store.CheckpointStore
}

// NewMagentic creates a builder with default budgets (3 stalls, 2 resets, 20
// rounds).
func NewMagentic(name string) *MagenticBuilder {
	return &MagenticBuilder{
		name:      name,
		describes: make(map[string]string),
		maxStall:  3,
		maxReset:  2,
		maxRound:  20,
	}
}

// WithManager sets the planning manager. Required.
func (b *MagenticBuilder) WithManager(m Manager) *MagenticBuilder {
	b.manager = m
	return b
}

// AddParticipant registers a participant with a description the manager uses
// when planning.
func (b *MagenticBuilder) AddParticipant(a Agent, description string) *MagenticBuilder {
	b.agents = append(b.agents, a)
	b.describes[a.Name()] = description
	return b
}

// WithMaxStallCount sets how many non-progressing rounds are tolerated
// before a reset.
func (b *MagenticBuilder) WithMaxStallCount(n int) *MagenticBuilder {
	b.maxStall = n
	return b
}

// WithMaxResetCount sets how many resets are allowed before giving up.
func (b *MagenticBuilder) WithMaxResetCount(n int) *MagenticBuilder {
	b.maxReset = n
	return b
}

// WithMaxRoundCount caps the total participant rounds.
func (b *MagenticBuilder) WithMaxRoundCount(n int) *MagenticBuilder {
	b.maxRound = n
	return b
}

// WithPlanReview pauses the run for plan approval before execution starts.
func (b *MagenticBuilder) WithPlanReview() *MagenticBuilder {
	b.planReview = true
	return b
}

// WithCheckpointing persists run state, including the manager's task ledger
// when it implements the state hooks.
func (b *MagenticBuilder) WithCheckpointing(s store.CheckpointStore) *MagenticBuilder {
	b.store = s
	return b
}

// Build assembles and validates the Magentic workflow.
func (b *MagenticBuilder) Build() (*workflow.Workflow, error) {
	if b.manager == nil {
		return nil, errors.New("magentic orchestration requires a manager")
	}
	if len(b.agents) == 0 {
		return nil, errors.New("magentic orchestration has no participants")
	}

	names := make([]string, 0, len(b.agents))
	for _, a := range b.agents {
		names = append(names, a.Name())
	}

	o := &magenticOrchestrator{
		manager:      b.manager,
		participants: names,
		maxStall:     b.maxStall,
		maxReset:     b.maxReset,
		maxRound:     b.maxRound,
		planReview:   b.planReview,
		mctx: MagenticContext{
			Participants: b.describes,
		},
	}

	orchestrator := workflow.NewExecutor(magenticOrchestratorID,
		workflow.OnMessage(o.handleTask, workflow.TypeOf[conversationTurn]()),
		workflow.OnMessage(o.handleTaskMessage, workflow.TypeOf[conversationTurn]()),
		workflow.OnMessage(o.handleReply, workflow.TypeOf[conversationTurn]()),
		workflow.OnMessage(o.handlePlanReview, workflow.TypeOf[conversationTurn]()),
	).WithCheckpointHooks(o.saveState, o.restoreState)

	wb := workflow.NewWorkflowBuilder(b.name).
		AddExecutor(orchestrator).
		WithStart(magenticOrchestratorID)
	for _, a := range b.agents {
		wb.AddExecutor(newParticipantExecutor(a))
		wb.AddEdge(a.Name(), magenticOrchestratorID)
	}
	wb.AddFanOut(magenticOrchestratorID, names)
	if b.store != nil {
		wb.WithCheckpointing(b.store)
	}
	return wb.Build()
}

type magenticOrchestrator struct {
	manager      Manager
	participants []string
	maxStall     int
	maxReset     int
	maxRound     int
	planReview   bool

	mu          sync.Mutex
	mctx        MagenticContext
	reviewRound int
}

func (o *magenticOrchestrator) handleTask(ctx context.Context, wc *workflow.Context, task string) error {
	return o.startWith(ctx, wc, chat.User(task))
}

func (o *magenticOrchestrator) handleTaskMessage(ctx context.Context, wc *workflow.Context, task chat.Message) error {
	return o.startWith(ctx, wc, task)
}

func (o *magenticOrchestrator) startWith(ctx context.Context, wc *workflow.Context, task chat.Message) error {
	o.mu.Lock()
	o.mctx.Task = task
	o.mctx.ChatHistory = []chat.Message{task}
	o.mu.Unlock()
	return o.plan(ctx, wc, false)
}

// plan calls the manager's planner (or replanner), appends the task ledger
// message to the history, and either pauses for plan review or moves on to
// the progress loop.
func (o *magenticOrchestrator) plan(ctx context.Context, wc *workflow.Context, replan bool) error {
	phase := "planning"
	planFn := o.manager.Plan
	if replan {
		phase = "replanning"
		planFn = o.manager.Replan
	}
	wc.EmitOrchestratorEvent(phase, nil)

	o.mu.Lock()
	mctx := o.mctx
	o.mu.Unlock()
	ledgerMsg, err := planFn(ctx, &mctx)
	if err != nil {
		return fmt.Errorf("magentic manager %s: %w", phase, err)
	}

	o.mu.Lock()
	o.mctx = mctx
	o.mctx.ChatHistory = append(o.mctx.ChatHistory, ledgerMsg)
	o.mu.Unlock()

	if o.planReview {
		o.mu.Lock()
		o.reviewRound++
		round := o.reviewRound
		o.mu.Unlock()
		_, err := wc.RequestInfo(
			MagenticPlanReviewRequest{Plan: ledgerMsg, RoundIndex: round},
			workflow.TypeOf[MagenticPlanReviewResponse]())
		return err
	}
	return o.progress(ctx, wc)
}

func (o *magenticOrchestrator) handlePlanReview(ctx context.Context, wc *workflow.Context, resp MagenticPlanReviewResponse) error {
	if resp.Decision == PlanReviewRevise {
		if resp.Comments != "" {
			o.mu.Lock()
			o.mctx.ChatHistory = append(o.mctx.ChatHistory, chat.User(resp.Comments))
			o.mu.Unlock()
		}
		return o.plan(ctx, wc, true)
	}
	return o.progress(ctx, wc)
}

func (o *magenticOrchestrator) handleReply(ctx context.Context, wc *workflow.Context, r participantReply) error {
	o.mu.Lock()
	o.mctx.ChatHistory = append(o.mctx.ChatHistory, r.Message)
	o.mctx.RoundCount++
	o.mu.Unlock()
	return o.progress(ctx, wc)
}

// progress runs one ledger iteration: done, stalled, out of budget, or
// dispatch the next instruction.
func (o *magenticOrchestrator) progress(ctx context.Context, wc *workflow.Context) error {
	o.mu.Lock()
	mctx := o.mctx
	o.mu.Unlock()

	ledger, err := o.manager.CreateProgressLedger(ctx, &mctx)
	if err != nil {
		return fmt.Errorf("magentic manager progress ledger: %w", err)
	}
	wc.EmitOrchestratorEvent("progress ledger", ledger)

	if ledger.IsRequestSatisfied.Answer {
		final, err := o.manager.PrepareFinalAnswer(ctx, &mctx)
		if err != nil {
			return fmt.Errorf("magentic manager final answer: %w", err)
		}
		o.mu.Lock()
		o.mctx.ChatHistory = append(o.mctx.ChatHistory, final)
		o.mu.Unlock()
		wc.EmitOrchestratorEvent("final answer", final)
		wc.YieldOutput(final)
		return nil
	}

	if ledger.IsInLoop.Answer || !ledger.IsProgressBeingMade.Answer {
		o.mu.Lock()
		o.mctx.StallCount++
		stalled := o.mctx.StallCount > o.maxStall
		canReset := o.mctx.ResetCount < o.maxReset
		o.mu.Unlock()
		if stalled {
			if canReset {
				o.mu.Lock()
				task := o.mctx.Task
				o.mctx.Reset()
				o.mctx.ChatHistory = []chat.Message{task}
				o.mu.Unlock()
				wc.EmitOrchestratorEvent("reset", nil)
				return o.plan(ctx, wc, true)
			}
			final := chat.Assistant(orchestratorAuthor,
				fmt.Sprintf("Reached maximum number of resets (%d); stopping.", o.maxReset))
			wc.YieldOutput(final)
			return nil
		}
	} else {
		o.mu.Lock()
		o.mctx.StallCount = 0
		o.mu.Unlock()
	}

	o.mu.Lock()
	rounds := o.mctx.RoundCount
	o.mu.Unlock()
	if rounds >= o.maxRound {
		final := chat.Assistant(orchestratorAuthor,
			fmt.Sprintf("Reached maximum number of rounds (%d).", o.maxRound))
		wc.YieldOutput(final)
		return nil
	}

	speaker := ledger.NextSpeaker.Answer
	if !containsName(o.participants, speaker) {
		return fmt.Errorf("unknown participant %q", speaker)
	}
	instruction := chat.Assistant(orchestratorAuthor, ledger.InstructionOrQuestion.Answer)

	o.mu.Lock()
	o.mctx.ChatHistory = append(o.mctx.ChatHistory, instruction)
	history := append([]chat.Message(nil), o.mctx.ChatHistory...)
	o.mu.Unlock()

	return wc.SendMessageTo(conversationTurn{Conversation: history}, speaker)
}

func (o *magenticOrchestrator) saveState(context.Context) (map[string]any, error) {
	o.mu.Lock()
	state := map[string]any{
		"task":         o.mctx.Task,
		"chat_history": append([]chat.Message(nil), o.mctx.ChatHistory...),
		"stall_count":  o.mctx.StallCount,
		"reset_count":  o.mctx.ResetCount,
		"round_count":  o.mctx.RoundCount,
		"review_round": o.reviewRound,
	}
	o.mu.Unlock()

	if saver, ok := o.manager.(ManagerStateSaver); ok {
		managerState, err := saver.SaveState()
		if err != nil {
			return nil, fmt.Errorf("save magentic manager state: %w", err)
		}
		state["manager"] = managerState
	}
	return state, nil
}

func (o *magenticOrchestrator) restoreState(_ context.Context, state map[string]any) error {
	o.mu.Lock()
	if t, ok := state["task"].(chat.Message); ok {
		o.mctx.Task = t
	}
	if h, ok := state["chat_history"].([]chat.Message); ok {
		o.mctx.ChatHistory = h
	}
	if n, ok := state["stall_count"].(int); ok {
		o.mctx.StallCount = n
	}
	if n, ok := state["reset_count"].(int); ok {
		o.mctx.ResetCount = n
	}
	if n, ok := state["round_count"].(int); ok {
		o.mctx.RoundCount = n
	}
	if n, ok := state["review_round"].(int); ok {
		o.reviewRound = n
	}
	o.mu.Unlock()

	if restorer, ok := o.manager.(ManagerStateRestorer); ok {
		if managerState, ok := state["manager"].(map[string]any); ok {
			if err := restorer.RestoreState(managerState); err != nil {
				return fmt.Errorf("restore magentic manager state: %w", err)
			}
		}
	}
	return nil
}
