package builtin

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/values"
)

var conditionSchema = []byte(`{
	"type": "object",
	"required": ["expression"],
	"properties": {"expression": {"type": "string", "minLength": 1}}
}`)

// Condition returns the predicate handler. The expression evaluates over the
// node input as its environment and must yield a boolean; the engine routes
// the true or false handle on output["result"].
func Condition() handler.Handler {
	return handler.NewFunc(handler.Metadata{
		Type:         flow.TypeCondition,
		Label:        "Condition",
		Description:  "Routes the flow on a boolean expression over the input.",
		Category:     "core",
		ConfigSchema: conditionSchema,
	}, func(_ context.Context, hctx *handler.Context) (handler.Result, error) {
		src := hctx.Config.StringOr("expression", "")
		program, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return handler.Result{}, fault.Wrap(fault.Validation, "compile condition expression", err)
		}

		env := map[string]any(hctx.Input)
		if env == nil {
			env = map[string]any{}
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return handler.Result{}, fault.Wrap(fault.HandlerError, "evaluate condition expression", err)
		}
		result, ok := out.(bool)
		if !ok {
			return handler.Result{}, fault.New(fault.HandlerError, "condition expression did not yield a boolean")
		}
		return handler.Result{Output: values.Map{"result": result}}, nil
	})
}
