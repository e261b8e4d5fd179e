// Package hub fans execution progress out to subscribers in real time. The
// engine publishes typed events as state transitions commit; subscribers
// (WebSocket connections, Pulse streams, tests) consume them through bounded
// per-subscriber buffers so one slow consumer never stalls the engine or its
// peers.
//
// All event types implement the Event interface and embed Base. Sinks marshal
// events generically through Payload; consumers that need structured access
// type-assert to the concrete types.
package hub

import (
	"encoding/json"

	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/values"
)

// EventType identifies the category of a hub event.
type EventType string

const (
	EventExecutionCreated   EventType = "execution.created"
	EventExecutionStatus    EventType = "execution.status"
	EventNodeStatus         EventType = "node.status"
	EventNodeOutput         EventType = "node.output"
	EventExecutionCompleted EventType = "execution.completed"
)

// maxPreview bounds the serialized size of output previews carried in events.
// Full outputs stay in the store; events carry at most this many bytes.
const maxPreview = 4 << 10

type (
	// Event is one execution progress update. Implementations are immutable
	// after construction and safe to send concurrently.
	Event interface {
		// Type returns the event category.
		Type() EventType
		// ExecutionID returns the execution that produced the event.
		ExecutionID() string
		// Payload returns the event-specific data in JSON-serializable
		// form.
		Payload() any
	}

	// Base provides the Event implementation concrete types embed. Field
	// names are abbreviated since they are set once at construction and
	// read through the interface methods.
	Base struct {
		// T is the event type constant.
		T EventType
		// E is the owning execution id.
		E string
		// P is the JSON-serializable payload.
		P any
	}

	// ExecutionCreated announces a new execution before any node runs.
	ExecutionCreated struct {
		Base
		Data ExecutionCreatedPayload
	}

	// ExecutionCreatedPayload carries the birth record of an execution.
	ExecutionCreatedPayload struct {
		FlowVersionID string           `json:"flow_version_id"`
		TriggerType   flow.TriggerType `json:"trigger_type"`
		InputPreview  any              `json:"input_preview,omitempty"`
		Truncated     bool             `json:"truncated,omitempty"`
	}

	// ExecutionStatus announces an execution status transition.
	ExecutionStatus struct {
		Base
		Data ExecutionStatusPayload
	}

	// ExecutionStatusPayload carries the new status.
	ExecutionStatusPayload struct {
		Status       flow.ExecutionStatus `json:"status"`
		ErrorMessage string               `json:"error_message,omitempty"`
	}

	// NodeStatus announces a node status transition.
	NodeStatus struct {
		Base
		Data NodeStatusPayload
	}

	// NodeStatusPayload carries the node transition.
	NodeStatusPayload struct {
		NodeID       string          `json:"node_id"`
		Status       flow.NodeStatus `json:"status"`
		Attempts     int             `json:"attempts,omitempty"`
		ErrorMessage string          `json:"error_message,omitempty"`
	}

	// NodeOutput carries a bounded preview of a completed node's output.
	NodeOutput struct {
		Base
		Data NodeOutputPayload
	}

	// NodeOutputPayload carries the preview. When the full output exceeds
	// the preview cap, Preview holds a truncated JSON string and Truncated
	// is set.
	NodeOutputPayload struct {
		NodeID    string `json:"node_id"`
		Preview   any    `json:"preview,omitempty"`
		Truncated bool   `json:"truncated,omitempty"`
	}

	// ExecutionCompleted announces the terminal state of an execution.
	ExecutionCompleted struct {
		Base
		Data ExecutionCompletedPayload
	}

	// ExecutionCompletedPayload carries the final outcome.
	ExecutionCompletedPayload struct {
		Status       flow.ExecutionStatus `json:"status"`
		DurationMS   int64                `json:"duration_ms"`
		ErrorMessage string               `json:"error_message,omitempty"`
	}
)

// Type implements Event.
func (b Base) Type() EventType { return b.T }

// ExecutionID implements Event.
func (b Base) ExecutionID() string { return b.E }

// Payload implements Event.
func (b Base) Payload() any { return b.P }

// NewExecutionCreated builds an execution.created event with a bounded input
// preview.
func NewExecutionCreated(executionID, flowVersionID string, trigger flow.TriggerType, input values.Map) *ExecutionCreated {
	preview, truncated := Preview(input)
	data := ExecutionCreatedPayload{
		FlowVersionID: flowVersionID,
		TriggerType:   trigger,
		InputPreview:  preview,
		Truncated:     truncated,
	}
	return &ExecutionCreated{Base: Base{T: EventExecutionCreated, E: executionID, P: data}, Data: data}
}

// NewExecutionStatus builds an execution.status event.
func NewExecutionStatus(executionID string, status flow.ExecutionStatus, errMsg string) *ExecutionStatus {
	data := ExecutionStatusPayload{Status: status, ErrorMessage: errMsg}
	return &ExecutionStatus{Base: Base{T: EventExecutionStatus, E: executionID, P: data}, Data: data}
}

// NewNodeStatus builds a node.status event.
func NewNodeStatus(executionID, nodeID string, status flow.NodeStatus, attempts int, errMsg string) *NodeStatus {
	data := NodeStatusPayload{NodeID: nodeID, Status: status, Attempts: attempts, ErrorMessage: errMsg}
	return &NodeStatus{Base: Base{T: EventNodeStatus, E: executionID, P: data}, Data: data}
}

// NewNodeOutput builds a node.output event with a bounded preview.
func NewNodeOutput(executionID, nodeID string, output values.Map) *NodeOutput {
	preview, truncated := Preview(output)
	data := NodeOutputPayload{NodeID: nodeID, Preview: preview, Truncated: truncated}
	return &NodeOutput{Base: Base{T: EventNodeOutput, E: executionID, P: data}, Data: data}
}

// NewExecutionCompleted builds an execution.completed event.
func NewExecutionCompleted(executionID string, status flow.ExecutionStatus, durationMS int64, errMsg string) *ExecutionCompleted {
	data := ExecutionCompletedPayload{Status: status, DurationMS: durationMS, ErrorMessage: errMsg}
	return &ExecutionCompleted{Base: Base{T: EventExecutionCompleted, E: executionID, P: data}, Data: data}
}

// Preview bounds a map's serialized size for event transport. Maps whose
// JSON fits the cap pass through; larger ones degrade to a truncated JSON
// string with the second return set.
func Preview(m values.Map) (any, bool) {
	if len(m) == 0 {
		return nil, false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	if len(raw) <= maxPreview {
		return m, false
	}
	return string(raw[:maxPreview]), true
}
