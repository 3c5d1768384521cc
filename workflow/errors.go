package workflow

import (
	"errors"
	"fmt"
)

// ValidationType tags the kind of graph validation failure.
type ValidationType string

const (
	ValidationEdgeDuplication         ValidationType = "EDGE_DUPLICATION"
	ValidationExecutorDuplication     ValidationType = "EXECUTOR_DUPLICATION"
	ValidationTypeCompatibility       ValidationType = "TYPE_COMPATIBILITY"
	ValidationGraphConnectivity       ValidationType = "GRAPH_CONNECTIVITY"
	ValidationInterceptorConflict     ValidationType = "INTERCEPTOR_CONFLICT"
	ValidationHandlerOutputAnnotation ValidationType = "HANDLER_OUTPUT_ANNOTATION"
)

// ValidationError describes a graph validation failure. Build returns it for
// structural defects and no workflow is produced; the HANDLER_OUTPUT_ANNOTATION
// type is only logged as a warning, since the annotation may simply be
// missing.
type ValidationError struct {
	Type    ValidationType
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation (%s): %s", e.Type, e.Message)
}

// ErrGraphChanged is wrapped into the resume error when a checkpoint was
// written by a workflow with a different graph signature.
var ErrGraphChanged = errors.New("workflow graph has changed")

// ErrNoStartExecutor is returned by RunStream when no start executor was set.
var ErrNoStartExecutor = errors.New("workflow has no start executor")

// ErrNoActiveRun is returned by SendResponsesStream when there is no run to
// resume.
var ErrNoActiveRun = errors.New("workflow has no active run")

// NoApplicableHandlerError reports that an executor received a message no
// registered handler accepts.
type NoApplicableHandlerError struct {
	ExecutorID  string
	PayloadType string
}

func (e *NoApplicableHandlerError) Error() string {
	return fmt.Sprintf("executor %q has no handler for message type %s", e.ExecutorID, e.PayloadType)
}

// DeliveryError reports a message that no edge group accepted. It is fatal
// for the run.
type DeliveryError struct {
	SourceID string
	TargetID string
	Reason   string
}

func (e *DeliveryError) Error() string {
	if e.TargetID != "" {
		return fmt.Sprintf("undeliverable message from %q to %q: %s", e.SourceID, e.TargetID, e.Reason)
	}
	return fmt.Sprintf("undeliverable message from %q: %s", e.SourceID, e.Reason)
}

// UnknownRequestIDError is returned by SendResponsesStream for a response that
// matches no pending request. The run stays resumable; the caller may retry
// with corrected IDs.
type UnknownRequestIDError struct {
	RequestID string
}

func (e *UnknownRequestIDError) Error() string {
	return fmt.Sprintf("no pending request with id %q", e.RequestID)
}
