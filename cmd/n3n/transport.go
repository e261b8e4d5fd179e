package main

import (
	"context"
	"sync"

	"github.com/n3nlabs/n3n/features/stream/ws"
	"github.com/n3nlabs/n3n/runtime/fault"
)

// agentTransport forwards deliveries to the agent WebSocket server once it
// exists. The device service is constructed before the server, so the
// transport starts empty.
type agentTransport struct {
	mu     sync.RWMutex
	server *ws.AgentServer
}

func (t *agentTransport) set(s *ws.AgentServer) {
	t.mu.Lock()
	t.server = s
	t.mu.Unlock()
}

func (t *agentTransport) Deliver(ctx context.Context, deviceID string, envelope string) error {
	t.mu.RLock()
	s := t.server
	t.mu.RUnlock()
	if s == nil {
		return fault.New(fault.NotFound, "agent transport not ready")
	}
	return s.Deliver(ctx, deviceID, envelope)
}
