package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/telemetry"
)

type (
	// Registry maps node types to handlers. Lookups are lock-free reads of
	// a copy-on-write map; registrations serialize on a mutex and are
	// expected at startup, not on the dispatch path.
	Registry struct {
		mu       sync.Mutex
		handlers atomic.Value // map[string]registration
		logger   telemetry.Logger
	}

	registration struct {
		handler Handler
		schema  *jsonschema.Schema
	}
)

// NewRegistry constructs an empty registry. A nil logger means no-op.
func NewRegistry(logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	r := &Registry{logger: logger}
	r.handlers.Store(map[string]registration{})
	return r
}

// Register adds a handler. A duplicate type fails with CONFLICT; use
// RegisterUpdate to replace.
func (r *Registry) Register(h Handler) error {
	return r.register(h, false)
}

// RegisterUpdate adds a handler, replacing any existing registration for the
// same type.
func (r *Registry) RegisterUpdate(h Handler) error {
	return r.register(h, true)
}

func (r *Registry) register(h Handler, replace bool) error {
	meta := h.Metadata()
	if meta.Type == "" {
		return fault.New(fault.Validation, "handler type is required")
	}
	schema, err := compileSchema(meta.Type, meta.ConfigSchema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.handlers.Load().(map[string]registration)
	if _, exists := current[meta.Type]; exists && !replace {
		return fault.Newf(fault.Conflict, "handler %q already registered", meta.Type)
	}
	next := make(map[string]registration, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[meta.Type] = registration{handler: h, schema: schema}
	r.handlers.Store(next)
	return nil
}

// Lookup returns the handler for a node type.
func (r *Registry) Lookup(nodeType string) (Handler, bool) {
	reg, ok := r.handlers.Load().(map[string]registration)[nodeType]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// List returns the metadata of all registered handlers, sorted by type.
func (r *Registry) List() []Metadata {
	current := r.handlers.Load().(map[string]registration)
	metas := make([]Metadata, 0, len(current))
	for _, reg := range current {
		metas = append(metas, reg.handler.Metadata())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Type < metas[j].Type })
	return metas
}

// Dispatch validates the node config against the handler's schema and runs
// the handler with panics trapped. An unknown type fails with
// UNKNOWN_HANDLER, a schema violation with VALIDATION, and a panic with
// HANDLER_ERROR. Errors without a fault kind are wrapped as HANDLER_ERROR so
// the engine always sees a classified failure.
func (r *Registry) Dispatch(ctx context.Context, nodeType string, hctx *Context) (Result, error) {
	reg, ok := r.handlers.Load().(map[string]registration)[nodeType]
	if !ok {
		return Result{}, fault.Newf(fault.UnknownHandler, "no handler registered for node type %q", nodeType)
	}
	if hctx.Logger == nil {
		hctx.Logger = r.logger
	}
	if reg.schema != nil {
		if err := validateConfig(reg.schema, hctx.Config); err != nil {
			return Result{}, fault.Wrap(fault.Validation, "invalid config for "+nodeType, err)
		}
	}

	res, err := r.execute(ctx, nodeType, reg.handler, hctx)
	if err != nil {
		var ferr *fault.Error
		if errors.As(err, &ferr) {
			return Result{}, err
		}
		// KindOf classifies context cancellation and deadline errors;
		// anything else becomes HANDLER_ERROR.
		return Result{}, fault.Wrap(fault.KindOf(err), nodeType+" failed", err)
	}
	return res, nil
}

// execute isolates the recover scope so a panicking handler cannot take the
// worker down with it.
func (r *Registry) execute(ctx context.Context, nodeType string, h Handler, hctx *Context) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "handler panic",
				"node_type", nodeType,
				"node_id", hctx.NodeID,
				"panic", rec,
			)
			err = fault.Newf(fault.HandlerError, "handler %s panicked: %v", nodeType, rec)
		}
	}()
	return h.Execute(ctx, hctx)
}

// compileSchema compiles an optional JSON Schema document. Invalid schemas
// are caught at registration time, not at dispatch.
func compileSchema(nodeType string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.Validation, "unmarshal config schema for "+nodeType, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fault.Wrap(fault.Validation, "add config schema for "+nodeType, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "compile config schema for "+nodeType, err)
	}
	return schema, nil
}

// validateConfig round-trips the config through JSON so the validator only
// sees JSON-native types regardless of how the map was built.
func validateConfig(schema *jsonschema.Schema, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
