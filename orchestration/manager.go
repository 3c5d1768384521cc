package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/agentflowgo/chat"
)

const magenticManagerName = "magentic-manager"

const factsPrompt = `Below is a task to solve.
Before planning, survey what is known. Reply with three short sections:
1. GIVEN FACTS - facts stated directly in the task.
2. FACTS TO LOOK UP - information that must be found, and where.
3. EDUCATED GUESSES - inferences worth making.

Task:
%s`

const planPrompt = `The team below must solve the task. Using the fact survey, write a short
bullet-point plan assigning steps to team members by name. Only involve the
members that are needed.

Team:
%s

Fact survey:
%s`

const updateFactsPrompt = `The previous attempt stalled. Here is the earlier fact survey:

%s

Rewrite it for a fresh attempt: promote anything learned during the attempt
into GIVEN FACTS, and revise the guesses.`

const updatePlanPrompt = `The previous attempt stalled. Write a new bullet-point plan for the team
below, avoiding whatever caused the stall.

Team:
%s

Updated fact survey:
%s`

const progressLedgerPrompt = `You are coordinating the team below on the task below. Review the
conversation and answer with a single JSON object, no other text:

{
  "is_request_satisfied": {"reason": "...", "answer": <bool>},
  "is_in_loop": {"reason": "...", "answer": <bool>},
  "is_progress_being_made": {"reason": "...", "answer": <bool>},
  "next_speaker": {"reason": "...", "answer": "<team member name>"},
  "instruction_or_question": {"reason": "...", "answer": "<what to tell them>"}
}

Team:
%s

Task:
%s`

const finalAnswerPrompt = `The task below has been completed. Review the conversation and write the
final answer for the user. Address the task directly, without mentioning the
team or the process.

Task:
%s`

// StandardMagenticManager derives all four manager capabilities from one
// chat model using fixed prompt templates. The fact survey and plan form the
// task ledger, which survives checkpoints via the state hooks.
type StandardMagenticManager struct {
	model llms.Model
	facts string
	plan  string
}

var (
	_ Manager              = (*StandardMagenticManager)(nil)
	_ ManagerStateSaver    = (*StandardMagenticManager)(nil)
	_ ManagerStateRestorer = (*StandardMagenticManager)(nil)
)

// NewStandardMagenticManager creates a manager backed by model.
func NewStandardMagenticManager(model llms.Model) *StandardMagenticManager {
	return &StandardMagenticManager{model: model}
}

// Plan surveys the facts, drafts the plan and returns the combined task
// ledger message.
func (m *StandardMagenticManager) Plan(ctx context.Context, mc *MagenticContext) (chat.Message, error) {
	facts, err := m.complete(ctx, fmt.Sprintf(factsPrompt, mc.Task.Text))
	if err != nil {
		return chat.Message{}, fmt.Errorf("fact survey: %w", err)
	}
	plan, err := m.complete(ctx, fmt.Sprintf(planPrompt, describeTeam(mc.Participants), facts))
	if err != nil {
		return chat.Message{}, fmt.Errorf("plan: %w", err)
	}
	m.facts, m.plan = facts, plan
	return m.taskLedgerMessage(mc), nil
}

// Replan refreshes the fact survey and plan after a stall or review
// revision.
func (m *StandardMagenticManager) Replan(ctx context.Context, mc *MagenticContext) (chat.Message, error) {
	facts, err := m.complete(ctx, fmt.Sprintf(updateFactsPrompt, m.facts))
	if err != nil {
		return chat.Message{}, fmt.Errorf("update fact survey: %w", err)
	}
	plan, err := m.complete(ctx, fmt.Sprintf(updatePlanPrompt, describeTeam(mc.Participants), facts))
	if err != nil {
		return chat.Message{}, fmt.Errorf("update plan: %w", err)
	}
	m.facts, m.plan = facts, plan
	return m.taskLedgerMessage(mc), nil
}

// CreateProgressLedger asks the model to judge the run and parses the JSON
// verdict.
func (m *StandardMagenticManager) CreateProgressLedger(ctx context.Context, mc *MagenticContext) (*ProgressLedger, error) {
	prompt := fmt.Sprintf(progressLedgerPrompt, describeTeam(mc.Participants), mc.Task.Text)
	msgs := append([]chat.Message{chat.System(prompt)}, mc.ChatHistory...)
	text, err := complete(ctx, m.model, msgs)
	if err != nil {
		return nil, err
	}
	var ledger ProgressLedger
	if err := json.Unmarshal([]byte(extractJSON(text)), &ledger); err != nil {
		return nil, fmt.Errorf("unparsable progress ledger %q: %w", text, err)
	}
	return &ledger, nil
}

// PrepareFinalAnswer composes the user-facing answer from the conversation.
func (m *StandardMagenticManager) PrepareFinalAnswer(ctx context.Context, mc *MagenticContext) (chat.Message, error) {
	prompt := fmt.Sprintf(finalAnswerPrompt, mc.Task.Text)
	msgs := append([]chat.Message{chat.System(prompt)}, mc.ChatHistory...)
	text, err := complete(ctx, m.model, msgs)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Assistant(magenticManagerName, text), nil
}

// SaveState exposes the task ledger for checkpointing.
func (m *StandardMagenticManager) SaveState() (map[string]any, error) {
	return map[string]any{"facts": m.facts, "plan": m.plan}, nil
}

// RestoreState rebuilds the task ledger from a checkpoint.
func (m *StandardMagenticManager) RestoreState(state map[string]any) error {
	if facts, ok := state["facts"].(string); ok {
		m.facts = facts
	}
	if plan, ok := state["plan"].(string); ok {
		m.plan = plan
	}
	return nil
}

func (m *StandardMagenticManager) taskLedgerMessage(mc *MagenticContext) chat.Message {
	text := fmt.Sprintf("Task:\n%s\n\nFact survey:\n%s\n\nPlan:\n%s", mc.Task.Text, m.facts, m.plan)
	return chat.Assistant(magenticManagerName, text)
}

func (m *StandardMagenticManager) complete(ctx context.Context, prompt string) (string, error) {
	return complete(ctx, m.model, []chat.Message{chat.User(prompt)})
}

func describeTeam(participants map[string]string) string {
	var b strings.Builder
	for name, description := range participants {
		fmt.Fprintf(&b, "- %s: %s\n", name, description)
	}
	return b.String()
}

// extractJSON strips markdown code fences and surrounding prose from a model
// reply, keeping the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
