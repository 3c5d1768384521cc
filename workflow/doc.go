// Package workflow implements a runtime for agent workflows: directed graphs
// of stateful executors exchanging typed messages under a Pregel-style
// superstep scheduler.
//
// A workflow is assembled with WorkflowBuilder: register executors, connect
// them with edges, fan-outs, fan-ins or switch-cases, pick a start executor
// and Build. Running the workflow streams events:
//
//	upper := workflow.NewExecutor("upper", workflow.OnMessage(
//		func(ctx context.Context, wc *workflow.Context, msg string) error {
//			wc.YieldOutput(strings.ToUpper(msg))
//			return nil
//		}))
//
//	wf, err := workflow.NewWorkflowBuilder("shout").
//		AddExecutor(upper).
//		WithStart("upper").
//		Build()
//	if err != nil {
//		return err
//	}
//	events, err := wf.RunStream(ctx, "hello")
//
// Each superstep delivers every queued message, runs the receiving executors
// in parallel, collects what they produced for the next round and, when a
// checkpoint store is configured, snapshots the run so it can be resumed
// later with ResumeStream. Handlers may pause the run with
// Context.RequestInfo; the caller answers via SendResponsesStream.
//
// Every delivery attempt is recorded in an OpenTelemetry span named
// edge_group.process carrying the delivery status, with links back to the
// spans that produced the message.
package workflow
