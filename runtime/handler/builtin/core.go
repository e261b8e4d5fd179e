package builtin

import (
	"context"
	"time"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/handler"
)

// passthrough returns a handler that forwards its input unchanged. Entry
// nodes receive the execution's trigger payload as input, so passthrough
// makes that payload the seed output of the graph.
func passthrough(typ, label, desc string) handler.Handler {
	return handler.NewFunc(handler.Metadata{
		Type:        typ,
		Label:       label,
		Description: desc,
		Category:    "core",
	}, func(_ context.Context, hctx *handler.Context) (handler.Result, error) {
		return handler.Result{Output: hctx.Input}, nil
	})
}

// Trigger is the manual entry node.
func Trigger() handler.Handler {
	return passthrough(flow.TypeTrigger, "Trigger", "Starts the flow with the caller-supplied payload.")
}

// ScheduleTrigger is the cron entry node. The schedule itself lives in the
// version settings; at run time the node is a passthrough.
func ScheduleTrigger() handler.Handler {
	return passthrough(flow.TypeScheduleTrigger, "Schedule", "Starts the flow on a cron schedule.")
}

// WebhookTrigger is the inbound HTTP entry node. The webhook router maps the
// request onto the trigger payload before the execution starts.
func WebhookTrigger() handler.Handler {
	return passthrough(flow.TypeWebhook, "Webhook", "Starts the flow from an inbound HTTP request.")
}

// Output is the terminal passthrough node. Its output is what callers read
// back as the result of a branch.
func Output() handler.Handler {
	return passthrough("output", "Output", "Exposes the branch result.")
}

// Delay pauses the branch for config durationMs, honoring cancellation.
func Delay() handler.Handler {
	schema := []byte(`{
		"type": "object",
		"required": ["durationMs"],
		"properties": {"durationMs": {"type": "integer", "minimum": 1}}
	}`)
	return handler.NewFunc(handler.Metadata{
		Type:         "delay",
		Label:        "Delay",
		Description:  "Waits for a fixed duration before forwarding input.",
		Category:     "core",
		ConfigSchema: schema,
	}, func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		ms, ok := hctx.Config.Int("durationMs")
		if !ok || ms < 1 {
			return handler.Result{}, fault.New(fault.Validation, "durationMs must be a positive integer")
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return handler.Result{}, ctx.Err()
		case <-t.C:
			return handler.Result{Output: hctx.Input}, nil
		}
	})
}
