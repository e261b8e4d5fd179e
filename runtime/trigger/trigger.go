// Package trigger feeds the engine from the outside world: cron schedules
// registered against published flow versions, and inbound webhook requests
// matched to stored bindings. Manual starts go through the engine API
// directly and need nothing from here.
package trigger

import (
	"context"

	"github.com/n3nlabs/n3n/runtime/engine"
)

// Starter admits executions. *engine.Engine implements it; tests substitute
// recorders.
type Starter interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (string, error)
}
