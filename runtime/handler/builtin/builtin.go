// Package builtin ships the node handlers every deployment gets for free:
// entry passthroughs, HTTP calls, jq transforms, predicate conditions, delays,
// terminal outputs, and secure device sends. Each handler is a plain
// handler.Handler; RegisterAll wires the set into a registry.
package builtin

import (
	"net/http"

	"github.com/n3nlabs/n3n/runtime/handler"
)

// Options configures the built-in handler set.
type Options struct {
	// HTTPClient serves httpRequest nodes. Nil means a default client with
	// a 30 second timeout.
	HTTPClient *http.Client
	// DeviceSender serves deviceSend nodes. Nil leaves the handler
	// unregistered.
	DeviceSender DeviceSender
}

// RegisterAll registers the built-in handlers into the registry.
func RegisterAll(r *handler.Registry, opts Options) error {
	hs := []handler.Handler{
		Trigger(), ScheduleTrigger(), WebhookTrigger(),
		Output(), Delay(),
		NewHTTP(opts.HTTPClient),
		Transform(), Condition(),
	}
	if opts.DeviceSender != nil {
		hs = append(hs, NewDeviceSend(opts.DeviceSender))
	}
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
