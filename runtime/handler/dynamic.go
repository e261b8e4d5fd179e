package handler

import (
	"context"
	"encoding/json"

	"github.com/n3nlabs/n3n/runtime/fault"
)

type (
	// Spec declares an integration handler as a table of resources and
	// operations instead of code. One Spec yields one node type; the node
	// config selects the (resource, operation) pair at runtime.
	Spec struct {
		Type         string
		Label        string
		Description  string
		Category     string
		ConfigSchema json.RawMessage
		Resources    map[string]Resource
	}

	// Resource groups the operations of one integration entity.
	Resource struct {
		Operations map[string]Operation
	}

	// Operation is one callable action of a resource.
	Operation struct {
		// Fields name the config keys the operation requires.
		Fields []Field
		// Run performs the operation.
		Run func(ctx context.Context, hctx *Context) (Result, error)
	}

	// Field declares a config key an operation reads.
	Field struct {
		Name     string
		Required bool
	}

	// Dynamic is a Handler interpreted from a Spec.
	Dynamic struct {
		spec Spec
	}
)

// NewDynamic validates a Spec and returns the handler it describes.
func NewDynamic(spec Spec) (*Dynamic, error) {
	if spec.Type == "" {
		return nil, fault.New(fault.Validation, "spec type is required")
	}
	if len(spec.Resources) == 0 {
		return nil, fault.Newf(fault.Validation, "spec %s declares no resources", spec.Type)
	}
	for rname, res := range spec.Resources {
		if len(res.Operations) == 0 {
			return nil, fault.Newf(fault.Validation, "resource %s.%s declares no operations", spec.Type, rname)
		}
		for oname, op := range res.Operations {
			if op.Run == nil {
				return nil, fault.Newf(fault.Validation, "operation %s.%s.%s has no run function", spec.Type, rname, oname)
			}
		}
	}
	return &Dynamic{spec: spec}, nil
}

// Type implements Handler.
func (d *Dynamic) Type() string { return d.spec.Type }

// Metadata implements Handler.
func (d *Dynamic) Metadata() Metadata {
	return Metadata{
		Type:         d.spec.Type,
		Label:        d.spec.Label,
		Description:  d.spec.Description,
		Category:     d.spec.Category,
		ConfigSchema: d.spec.ConfigSchema,
	}
}

// Execute routes on the resource and operation named in the node config,
// checks the operation's required fields, and runs it.
func (d *Dynamic) Execute(ctx context.Context, hctx *Context) (Result, error) {
	rname := hctx.Config.StringOr("resource", "")
	oname := hctx.Config.StringOr("operation", "")

	res, ok := d.spec.Resources[rname]
	if !ok {
		return Result{}, fault.Newf(fault.HandlerError, "%s has no resource %q", d.spec.Type, rname)
	}
	op, ok := res.Operations[oname]
	if !ok {
		return Result{}, fault.Newf(fault.HandlerError, "%s.%s has no operation %q", d.spec.Type, rname, oname)
	}
	for _, f := range op.Fields {
		if !f.Required {
			continue
		}
		if _, ok := hctx.Config.Get(f.Name); !ok {
			return Result{}, fault.Newf(fault.Validation, "%s.%s.%s requires field %q", d.spec.Type, rname, oname, f.Name)
		}
	}
	return op.Run(ctx, hctx)
}
