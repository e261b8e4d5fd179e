package builtin

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/values"
)

var transformSchema = []byte(`{
	"type": "object",
	"required": ["expression"],
	"properties": {"expression": {"type": "string", "minLength": 1}}
}`)

// Transform returns the jq transform handler. The node's expression runs
// against the merged predecessor output; an object result becomes the node
// output directly, any other single value lands under "result", and multiple
// values land under "results".
func Transform() handler.Handler {
	return handler.NewFunc(handler.Metadata{
		Type:         "transform",
		Label:        "Transform",
		Description:  "Reshapes input with a jq program.",
		Category:     "core",
		ConfigSchema: transformSchema,
	}, func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		src := hctx.Config.StringOr("expression", "")
		query, err := gojq.Parse(src)
		if err != nil {
			return handler.Result{}, fault.Wrap(fault.Validation, "parse jq expression", err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return handler.Result{}, fault.Wrap(fault.Validation, "compile jq expression", err)
		}

		input := map[string]any(hctx.Input)
		if input == nil {
			input = map[string]any{}
		}
		var results []any
		iter := code.RunWithContext(ctx, input)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				return handler.Result{}, fault.Wrap(fault.HandlerError, "jq evaluation failed", err)
			}
			results = append(results, v)
		}

		switch len(results) {
		case 0:
			return handler.Result{Output: values.Map{}}, nil
		case 1:
			if obj, ok := results[0].(map[string]any); ok {
				return handler.Result{Output: values.Map(obj)}, nil
			}
			return handler.Result{Output: values.Map{"result": results[0]}}, nil
		default:
			return handler.Result{Output: values.Map{"results": results}}, nil
		}
	})
}
