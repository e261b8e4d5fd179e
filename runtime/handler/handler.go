// Package handler defines the node handler contract and the registry the
// engine dispatches through. A handler owns the semantics of one node type;
// the registry owns lookup, config validation, and panic containment so the
// engine never trusts a handler to be well-behaved.
package handler

import (
	"context"
	"encoding/json"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/telemetry"
	"github.com/n3nlabs/n3n/runtime/values"
)

type (
	// Handler executes one node type. Implementations must be safe for
	// concurrent use; the engine calls Execute from many workers at once.
	Handler interface {
		// Type returns the node type this handler serves.
		Type() string
		// Metadata describes the handler for discovery and editor use.
		Metadata() Metadata
		// Execute runs the node. Cancellation and deadlines ride the
		// context; failures should be fault errors so the engine can
		// classify them.
		Execute(ctx context.Context, hctx *Context) (Result, error)
	}

	// Metadata describes a handler for listing and for config validation.
	Metadata struct {
		// Type is the node type, unique within a registry.
		Type string `json:"type"`
		// Label is the human-facing name.
		Label string `json:"label,omitempty"`
		// Description explains what the handler does.
		Description string `json:"description,omitempty"`
		// Category groups handlers in pickers (e.g. "core", "integration").
		Category string `json:"category,omitempty"`
		// ConfigSchema is an optional JSON Schema applied to node config
		// before every dispatch.
		ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
	}

	// Context carries everything a handler may read during one node run.
	Context struct {
		// ExecutionID identifies the owning execution.
		ExecutionID string
		// NodeID identifies the node within the definition. Loop body runs
		// use composite ids.
		NodeID string
		// Config is the node's user-authored configuration.
		Config values.Map
		// Input is the merged output of the node's satisfied predecessors.
		Input values.Map
		// CredentialID references the credential bound to the node, if any.
		CredentialID string
		// Credentials resolves credential references. May be nil when the
		// deployment has no credential store.
		Credentials CredentialResolver
		// Logger is never nil; the registry substitutes a no-op.
		Logger telemetry.Logger
	}

	// Result is a successful node outcome.
	Result struct {
		// Output becomes input for successor nodes.
		Output values.Map
	}

	// CredentialResolver turns a credential reference into its decrypted
	// material.
	CredentialResolver interface {
		Resolve(ctx context.Context, credentialID string) (values.Map, error)
	}

	// CredentialResolverFunc adapts a function to CredentialResolver.
	CredentialResolverFunc func(ctx context.Context, credentialID string) (values.Map, error)

	// Func adapts a function and its metadata to the Handler interface.
	Func struct {
		meta Metadata
		fn   func(ctx context.Context, hctx *Context) (Result, error)
	}
)

// Resolve implements CredentialResolver.
func (f CredentialResolverFunc) Resolve(ctx context.Context, credentialID string) (values.Map, error) {
	return f(ctx, credentialID)
}

// NewFunc wraps a function as a Handler.
func NewFunc(meta Metadata, fn func(ctx context.Context, hctx *Context) (Result, error)) *Func {
	return &Func{meta: meta, fn: fn}
}

// Type implements Handler.
func (f *Func) Type() string { return f.meta.Type }

// Metadata implements Handler.
func (f *Func) Metadata() Metadata { return f.meta }

// Execute implements Handler.
func (f *Func) Execute(ctx context.Context, hctx *Context) (Result, error) {
	return f.fn(ctx, hctx)
}

// Credential resolves the node's bound credential. It fails with NOT_FOUND
// when the node has no credential reference or no resolver is configured.
func (c *Context) Credential(ctx context.Context) (values.Map, error) {
	if c.CredentialID == "" {
		return nil, fault.New(fault.NotFound, "node has no credential reference")
	}
	if c.Credentials == nil {
		return nil, fault.New(fault.NotFound, "no credential resolver configured")
	}
	return c.Credentials.Resolve(ctx, c.CredentialID)
}
