// AgentFlow Go - Durable Agent Workflows in Go
//
// AgentFlow Go is a runtime for composing and executing agent workflows:
// directed graphs of stateful executors (including AI agents) exchanging
// typed messages, with durable checkpointing, streaming output,
// human-in-the-loop request/response interrupts and multi-participant
// orchestration.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/smallnest/agentflowgo
//
// Basic example:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"strings"
//
//		"github.com/smallnest/agentflowgo/workflow"
//	)
//
//	func main() {
//		upper := workflow.NewExecutor("upper", workflow.OnMessage(
//			func(ctx context.Context, wc *workflow.Context, msg string) error {
//				return wc.SendMessage(strings.ToUpper(msg))
//			}, workflow.TypeOf[string]()))
//
//		shout := workflow.NewExecutor("shout", workflow.OnMessage(
//			func(ctx context.Context, wc *workflow.Context, msg string) error {
//				wc.YieldOutput(msg + "!")
//				return nil
//			}))
//
//		wf, err := workflow.NewWorkflowBuilder("example").
//			AddExecutor(upper).
//			AddExecutor(shout).
//			AddEdge("upper", "shout").
//			WithStart("upper").
//			Build()
//		if err != nil {
//			panic(err)
//		}
//
//		outputs, err := wf.Run(context.Background(), "hello")
//		if err != nil {
//			panic(err)
//		}
//		fmt.Println(outputs[0]) // HELLO!
//	}
//
// # Packages
//
//   - workflow: the graph model, superstep scheduler, edge-group delivery,
//     checkpoint/restore and the request/response interrupt model.
//   - store: the checkpoint data model and typed value encoding, with
//     in-memory, file, Redis, PostgreSQL and SQLite backends.
//   - orchestration: group-chat and Magentic (planner/worker) orchestrators
//     built on the workflow engine.
//   - chat: conversation types shared by agents and orchestrators.
//   - log: the pluggable logging facade used across the runtime.
//
// # Checkpointing and Resume
//
// Configure a checkpoint store on the builder and every superstep is
// snapshotted; a run can later be resumed from any checkpoint:
//
//	cpStore := memory.NewMemoryCheckpointStore()
//	wf, _ := workflow.NewWorkflowBuilder("durable").
//		AddExecutor(step).
//		WithStart("step").
//		WithCheckpointing(cpStore).
//		Build()
//
//	events, _ := wf.RunStream(ctx, "input")
//	for range events {
//	}
//	latest, _ := cpStore.Latest(ctx, "durable")
//	resumed, _ := wf.ResumeStream(ctx, latest.CheckpointID)
//
// Resume is guarded by a graph signature: loading a checkpoint written by a
// workflow with a different topology fails rather than silently misrouting
// state.
//
// # Human in the Loop
//
// Handlers may pause the run with Context.RequestInfo. The run stream yields
// a request_info event and then an IDLE_WITH_PENDING_REQUESTS status; the
// caller answers with SendResponsesStream, which resumes the run and routes
// each response back to its requesting executor.
package agentflowgo
