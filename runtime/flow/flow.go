// Package flow defines the persistent data model of the workflow platform:
// flows, their versioned definitions, and the runtime records produced when a
// definition executes. The engine, parser, hub, and store all speak these
// types; none of them own any behavior beyond small accessors, keeping the
// model serialization-friendly.
package flow

import (
	"time"

	"github.com/n3nlabs/n3n/runtime/values"
)

// VersionStatus is the lifecycle state of a FlowVersion.
type VersionStatus string

const (
	// VersionDraft is the only state in which definition and settings are
	// mutable.
	VersionDraft VersionStatus = "draft"
	// VersionPublished marks the single runnable version of a flow.
	VersionPublished VersionStatus = "published"
	// VersionSuperseded marks a previously published version demoted by a
	// newer publish.
	VersionSuperseded VersionStatus = "superseded"
	// VersionDeprecated marks a version retired without replacement.
	VersionDeprecated VersionStatus = "deprecated"
)

// Flow is the identity and ownership record for a workflow. Versioned
// definitions hang off it as FlowVersions; at most one of them is published
// at any time.
type Flow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Deleted     bool      `json:"deleted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FlowVersion is a semver-labelled snapshot of a flow definition. Once the
// status leaves draft the definition and settings are immutable.
type FlowVersion struct {
	ID         string        `json:"id"`
	FlowID     string        `json:"flow_id"`
	Version    string        `json:"version"`
	Status     VersionStatus `json:"status"`
	Definition Definition    `json:"definition"`
	Settings   values.Map    `json:"settings,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Definition is the structural description of a workflow: nodes linked by
// directed edges, plus a viewport hint for editors.
type Definition struct {
	Nodes    []Node    `json:"nodes"`
	Edges    []Edge    `json:"edges"`
	Viewport *Viewport `json:"viewport,omitempty"`
}

// Viewport is an editor camera hint. The engine ignores it.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Node is one unit of work in a definition. Type must resolve in the handler
// registry; ID is unique within the definition.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Data     NodeData `json:"data"`
	Position Position `json:"position"`
}

// NodeData carries the user-authored payload of a node.
type NodeData struct {
	Label        string     `json:"label,omitempty"`
	Config       values.Map `json:"config,omitempty"`
	CredentialID string     `json:"credentialId,omitempty"`
	NodeType     string     `json:"nodeType,omitempty"`
}

// Position is the editor placement of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge links two nodes. Handles qualify which port of the endpoint the edge
// attaches to; multi-edges between the same endpoints must differ in handles.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Entry node types. A definition is executable when it has exactly one entry
// node, unless an explicit entry is supplied at execution time.
const (
	TypeTrigger         = "trigger"
	TypeScheduleTrigger = "scheduleTrigger"
	TypeWebhook         = "webhook"
	// TypeCondition routes between the ConditionTrue and ConditionFalse
	// handles based on a predicate over its input.
	TypeCondition = "condition"
	// TypeLoop re-executes its body subgraph once per input item.
	TypeLoop = "loop"
)

// Condition and loop handle names.
const (
	ConditionTrue  = "true"
	ConditionFalse = "false"
	LoopBody       = "body"
	LoopAfter      = "after"
)

// IsEntryType reports whether the node type is an entry kind.
func IsEntryType(t string) bool {
	return t == TypeTrigger || t == TypeScheduleTrigger || t == TypeWebhook
}

// OnFailure selects the execution's response to a node failure.
type OnFailure string

const (
	// FailAbort fails the whole execution after in-flight nodes finish.
	FailAbort OnFailure = "abort"
	// FailContinue skips the failed node's exclusive subtree and lets the
	// rest of the execution finish.
	FailContinue OnFailure = "continue"
	// FailIsolate skips only the direct successors but permits independent
	// branches to finish.
	FailIsolate OnFailure = "isolate"
)

// OnFailureOf reads the node's failure policy from its config, falling back
// to abort.
func OnFailureOf(n Node) OnFailure {
	switch OnFailure(n.Data.Config.StringOr("onFailure", "")) {
	case FailContinue:
		return FailContinue
	case FailIsolate:
		return FailIsolate
	default:
		return FailAbort
	}
}

// NodeByID returns the node with the given id, if present.
func (d Definition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
