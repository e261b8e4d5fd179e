package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/values"
)

func echoHandler(typ string) Handler {
	return NewFunc(Metadata{Type: typ}, func(_ context.Context, hctx *Context) (Result, error) {
		return Result{Output: hctx.Input}, nil
	})
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoHandler("echo")))

	err := r.Register(echoHandler("echo"))
	require.Error(t, err)
	require.Equal(t, fault.Conflict, fault.KindOf(err))

	require.NoError(t, r.RegisterUpdate(echoHandler("echo")))
}

func TestRegisterRejectsEmptyTypeAndBadSchema(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register(NewFunc(Metadata{}, nil))
	require.Equal(t, fault.Validation, fault.KindOf(err))

	err = r.Register(NewFunc(Metadata{Type: "bad", ConfigSchema: []byte(`{"type": 12}`)}, nil))
	require.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestListSortedByType(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoHandler("zebra")))
	require.NoError(t, r.Register(echoHandler("alpha")))

	metas := r.List()
	require.Len(t, metas, 2)
	require.Equal(t, "alpha", metas[0].Type)
	require.Equal(t, "zebra", metas[1].Type)
}

func TestDispatchUnknownHandler(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Dispatch(context.Background(), "ghost", &Context{})
	require.Equal(t, fault.UnknownHandler, fault.KindOf(err))
}

func TestDispatchValidatesConfigSchema(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["url"],
		"properties": {"url": {"type": "string"}}
	}`)
	r := NewRegistry(nil)
	require.NoError(t, r.Register(NewFunc(Metadata{Type: "http", ConfigSchema: schema},
		func(context.Context, *Context) (Result, error) {
			return Result{Output: values.Map{"ok": true}}, nil
		})))

	_, err := r.Dispatch(context.Background(), "http", &Context{Config: values.Map{}})
	require.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = r.Dispatch(context.Background(), "http", &Context{Config: values.Map{"url": 42}})
	require.Equal(t, fault.Validation, fault.KindOf(err))

	res, err := r.Dispatch(context.Background(), "http", &Context{Config: values.Map{"url": "https://example.com"}})
	require.NoError(t, err)
	require.Equal(t, true, res.Output["ok"])
}

func TestDispatchTrapsPanics(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(NewFunc(Metadata{Type: "boom"},
		func(context.Context, *Context) (Result, error) {
			panic("kaboom")
		})))

	_, err := r.Dispatch(context.Background(), "boom", &Context{})
	require.Equal(t, fault.HandlerError, fault.KindOf(err))
	require.Contains(t, err.Error(), "kaboom")
}

func TestDispatchWrapsUnclassifiedErrors(t *testing.T) {
	r := NewRegistry(nil)
	plain := errors.New("socket closed")
	require.NoError(t, r.Register(NewFunc(Metadata{Type: "flaky"},
		func(context.Context, *Context) (Result, error) {
			return Result{}, fault.Wrap(fault.Transient, "upstream hiccup", plain)
		})))
	require.NoError(t, r.Register(NewFunc(Metadata{Type: "plain"},
		func(context.Context, *Context) (Result, error) {
			return Result{}, plain
		})))

	_, err := r.Dispatch(context.Background(), "flaky", &Context{})
	require.Equal(t, fault.Transient, fault.KindOf(err), "classified errors pass through")

	_, err = r.Dispatch(context.Background(), "plain", &Context{})
	require.Equal(t, fault.HandlerError, fault.KindOf(err))
	require.ErrorIs(t, err, plain)
}

func TestContextCredential(t *testing.T) {
	ctx := context.Background()

	c := &Context{}
	_, err := c.Credential(ctx)
	require.Equal(t, fault.NotFound, fault.KindOf(err))

	c = &Context{
		CredentialID: "cred-1",
		Credentials: CredentialResolverFunc(func(_ context.Context, id string) (values.Map, error) {
			require.Equal(t, "cred-1", id)
			return values.Map{"apiKey": "s3cret"}, nil
		}),
	}
	material, err := c.Credential(ctx)
	require.NoError(t, err)
	require.Equal(t, "s3cret", material["apiKey"])
}

func TestDynamicHandlerRouting(t *testing.T) {
	spec := Spec{
		Type: "airtable",
		Resources: map[string]Resource{
			"record": {Operations: map[string]Operation{
				"create": {
					Fields: []Field{{Name: "table", Required: true}},
					Run: func(_ context.Context, hctx *Context) (Result, error) {
						return Result{Output: values.Map{"table": hctx.Config.StringOr("table", "")}}, nil
					},
				},
			}},
		},
	}
	d, err := NewDynamic(spec)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = d.Execute(ctx, &Context{Config: values.Map{"resource": "base", "operation": "create"}})
	require.Equal(t, fault.HandlerError, fault.KindOf(err))

	_, err = d.Execute(ctx, &Context{Config: values.Map{"resource": "record", "operation": "delete"}})
	require.Equal(t, fault.HandlerError, fault.KindOf(err))

	_, err = d.Execute(ctx, &Context{Config: values.Map{"resource": "record", "operation": "create"}})
	require.Equal(t, fault.Validation, fault.KindOf(err), "missing required field")

	res, err := d.Execute(ctx, &Context{Config: values.Map{"resource": "record", "operation": "create", "table": "tasks"}})
	require.NoError(t, err)
	require.Equal(t, "tasks", res.Output["table"])
}

func TestNewDynamicValidatesSpec(t *testing.T) {
	_, err := NewDynamic(Spec{})
	require.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = NewDynamic(Spec{Type: "x", Resources: map[string]Resource{
		"r": {Operations: map[string]Operation{"op": {}}},
	}})
	require.Equal(t, fault.Validation, fault.KindOf(err), "operation without run function")
}
