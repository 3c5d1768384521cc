// Package store defines the durable checkpoint model for workflow runs and
// the CheckpointStore interface its backends implement.
//
// A checkpoint is everything needed to resume a run at a superstep boundary:
// the messages queued for the next superstep, the partially filled fan-in
// buffers, the shared state snapshot, the pending request-info events and the
// per-executor private state. Checkpoints of one run form a singly-linked
// chain via PreviousCheckpointID.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the checkpoint format version written by this package.
const SchemaVersion = 1

// ErrNotFound is returned when a checkpoint ID cannot be resolved.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointError wraps failures of checkpoint save, load and resume
// operations. Use errors.As to detect it and errors.Is for ErrNotFound.
type CheckpointError struct {
	Message string
	Err     error
}

func (e *CheckpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint: %s: %v", e.Message, e.Err)
	}
	return "checkpoint: " + e.Message
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// Message is the persisted form of a message envelope queued for delivery in
// the next superstep.
type Message struct {
	Payload       *Value   `json:"payload"`
	SourceID      string   `json:"source_id"`
	TargetID      string   `json:"target_id,omitempty"`
	SourceSpanIDs []string `json:"source_span_ids,omitempty"`
}

// PendingRequest is the persisted form of an unanswered request-info event.
type PendingRequest struct {
	RequestID        string `json:"request_id"`
	SourceExecutorID string `json:"source_executor_id"`
	Data             *Value `json:"request_data"`
	ResponseType     string `json:"response_type,omitempty"`
}

// WorkflowCheckpoint is a snapshot of a run at a superstep boundary.
// MessagesByTarget holds the queued messages for the next superstep;
// BufferedMessages holds fan-in contributions still waiting for their group's
// remaining sources, keyed by edge-group ID.
type WorkflowCheckpoint struct {
	CheckpointID         string                       `json:"checkpoint_id"`
	WorkflowName         string                       `json:"workflow_name"`
	GraphSignatureHash   string                       `json:"graph_signature_hash"`
	PreviousCheckpointID string                       `json:"previous_checkpoint_id,omitempty"`
	Timestamp            time.Time                    `json:"timestamp"`
	MessagesByTarget     map[string][]Message         `json:"messages_by_target"`
	BufferedMessages     map[string][]Message         `json:"buffered_messages,omitempty"`
	State                map[string]*Value            `json:"state"`
	PendingRequests      map[string]PendingRequest    `json:"pending_request_info_events"`
	ExecutorStates       map[string]map[string]*Value `json:"executor_states,omitempty"`
	IterationCount       int                          `json:"iteration_count"`
	Metadata             map[string]any               `json:"metadata,omitempty"`
	Version              int                          `json:"version"`
}

// CheckpointStore is the persistence interface for workflow checkpoints.
//
// Save returns the checkpoint ID it stored under (always the checkpoint's own
// CheckpointID). List and ListIDs accept an empty workflow name to mean "all
// workflows"; backends skip entries they cannot decode rather than failing
// the whole listing.
type CheckpointStore interface {
	Save(ctx context.Context, checkpoint *WorkflowCheckpoint) (string, error)
	Load(ctx context.Context, checkpointID string) (*WorkflowCheckpoint, error)
	Delete(ctx context.Context, checkpointID string) (bool, error)
	List(ctx context.Context, workflowName string) ([]*WorkflowCheckpoint, error)
	ListIDs(ctx context.Context, workflowName string) ([]string, error)
	Latest(ctx context.Context, workflowName string) (*WorkflowCheckpoint, error)
}

// LatestOf picks the checkpoint with the highest iteration count, breaking
// ties by timestamp. Backends without a native ordering share this helper.
func LatestOf(checkpoints []*WorkflowCheckpoint) *WorkflowCheckpoint {
	var latest *WorkflowCheckpoint
	for _, cp := range checkpoints {
		if latest == nil ||
			cp.IterationCount > latest.IterationCount ||
			(cp.IterationCount == latest.IterationCount && cp.Timestamp.After(latest.Timestamp)) {
			latest = cp
		}
	}
	return latest
}
