package flow

import (
	"time"

	"github.com/n3nlabs/n3n/runtime/values"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// TriggerType identifies what started an execution.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
)

// Execution is the mutable runtime record of one run of a FlowVersion.
// Once the status is terminal, CompletedAt and DurationMS are set and the
// record never changes again.
type Execution struct {
	ID            string          `json:"id"`
	FlowVersionID string          `json:"flow_version_id"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	TriggerType   TriggerType     `json:"trigger_type"`
	TriggeredBy   string          `json:"triggered_by,omitempty"`
	InputData     values.Map      `json:"input_data,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// NodeStatus is the lifecycle state of a NodeExecution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status admits no further transitions.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// Satisfied reports whether a successor may treat this predecessor as done
// for readiness purposes (terminal and non-failing).
func (s NodeStatus) Satisfied() bool {
	return s == NodeCompleted || s == NodeSkipped
}

// NodeExecution is the per-node runtime record. Exactly one exists per
// (ExecutionID, NodeID) pair; retries bump Attempts in place instead of
// creating new records. Loop iterations use composite node ids of the form
// <loopID>:<iteration>:<bodyNodeID>.
type NodeExecution struct {
	ExecutionID  string     `json:"execution_id"`
	NodeID       string     `json:"node_id"`
	Status       NodeStatus `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	InputData    values.Map `json:"input_data,omitempty"`
	OutputData   values.Map `json:"output_data,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
}

// RetryPolicy bounds how a TRANSIENT node failure is retried. The wait before
// attempt n+1 is Base * 2^(n-1), capped at Ceiling.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Ceiling     time.Duration
}

// Backoff returns the wait before re-dispatching after the given attempt
// (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Ceiling {
			return p.Ceiling
		}
	}
	if d > p.Ceiling {
		return p.Ceiling
	}
	return d
}

// Settings accessors. FlowVersion.Settings is a free-form map; these helpers
// give the engine typed views with the documented defaults.

// DefaultRetryPolicy is applied when settings carry no retry block.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Base: time.Second, Ceiling: 30 * time.Second}

// SettingsMaxConcurrency reads the per-execution concurrency cap (default 16).
func SettingsMaxConcurrency(s values.Map) int {
	n := s.IntOr("maxConcurrency", 16)
	if n < 1 {
		return 1
	}
	return n
}

// SettingsRetryPolicy reads retry defaults from version settings, overlaid by
// the node's own config when present.
func SettingsRetryPolicy(s values.Map, node Node) RetryPolicy {
	p := DefaultRetryPolicy
	if r, ok := s.Child("retry"); ok {
		applyRetry(&p, r)
	}
	if r, ok := node.Data.Config.Child("retry"); ok {
		applyRetry(&p, r)
	}
	return p
}

func applyRetry(p *RetryPolicy, r values.Map) {
	if n, ok := r.Int("maxAttempts"); ok && n >= 0 {
		p.MaxAttempts = n
	}
	if ms, ok := r.Int("baseMs"); ok && ms > 0 {
		p.Base = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := r.Int("ceilingMs"); ok && ms > 0 {
		p.Ceiling = time.Duration(ms) * time.Millisecond
	}
}

// SettingsNodeTimeout reads the per-node timeout; zero means the engine
// default applies.
func SettingsNodeTimeout(s values.Map, node Node) time.Duration {
	if ms, ok := node.Data.Config.Int("timeoutMs"); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if ms, ok := s.Int("nodeTimeoutMs"); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// SettingsExecutionTimeout reads the whole-execution timeout; zero means the
// engine default applies.
func SettingsExecutionTimeout(s values.Map) time.Duration {
	if ms, ok := s.Int("executionTimeoutMs"); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// SettingsSchedule reads the cron expression used by the schedule trigger.
func SettingsSchedule(s values.Map) string {
	return s.StringOr("schedule", "")
}
