package workflow

// EventKind discriminates the events a run stream yields.
type EventKind string

const (
	// EventOutput carries data an executor yielded to the caller.
	EventOutput EventKind = "output"
	// EventStatus reports the run state at a superstep boundary.
	EventStatus EventKind = "status"
	// EventRequestInfo surfaces a pending external request. The run pauses
	// once the current superstep drains; answer with SendResponsesStream.
	EventRequestInfo EventKind = "request_info"
	// EventExecutorInvoked fires before an executor handles a message.
	EventExecutorInvoked EventKind = "executor_invoked"
	// EventExecutorCompleted fires after an executor handled a message.
	EventExecutorCompleted EventKind = "executor_completed"
	// EventAgentRunUpdate carries streaming fragments from an agent executor.
	EventAgentRunUpdate EventKind = "agent_run_update"
	// EventOrchestrator carries orchestrator progress notifications.
	EventOrchestrator EventKind = "orchestrator"
)

// RunState is the scheduler's view of a run at a superstep boundary.
type RunState string

const (
	RunStateRunning                 RunState = "RUNNING"
	RunStateIdle                    RunState = "IDLE"
	RunStateIdleWithPendingRequests RunState = "IDLE_WITH_PENDING_REQUESTS"
	RunStateFailed                  RunState = "FAILED"
	RunStateCancelled               RunState = "CANCELLED"
)

// Event is the single shape every run stream yields, discriminated by Kind.
// Only the fields relevant to a kind are set.
type Event struct {
	Kind EventKind

	// Data holds the payload for output, request_info, agent_run_update and
	// orchestrator events.
	Data any

	// State is set on status events.
	State RunState

	// ExecutorID identifies the executor for invoked/completed events and
	// the requester for request_info events.
	ExecutorID string

	// RequestID and ResponseType are set on request_info events.
	RequestID    string
	ResponseType string

	// Message is a human-readable note on orchestrator events.
	Message string

	// Err is set on a terminal FAILED status event.
	Err error
}
