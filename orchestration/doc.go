// Package orchestration builds multi-participant workflows on top of the
// workflow engine.
//
// Two orchestrators are provided. GroupChatBuilder assembles a selector- or
// manager-driven conversation between named agents, with round budgets,
// termination conditions and optional pause-for-approval before dispatching
// to a participant. MagenticBuilder assembles a planner-driven team: a
// Manager surveys the task, plans, and every round judges progress through a
// ProgressLedger that names the next speaker; stall, reset and round budgets
// bound the run, and an optional plan-review pause puts a human in the loop
// before execution starts.
//
// Both orchestrators compile to ordinary workflows, so they checkpoint,
// resume and stream events exactly like hand-built graphs.
package orchestration
