package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/telemetry"
)

type (
	// AgentServer admits paired agents by device token and keeps their
	// sockets in a registry. It implements devchan's Transport: Deliver
	// pushes a sealed envelope to the connected device. Inbound text
	// frames, which carry sealed envelopes from the device, go to the
	// OnEnvelope callback.
	AgentServer struct {
		resolver   DeviceResolver
		logger     telemetry.Logger
		onEnvelope func(ctx context.Context, userID, deviceID, envelope string)
		timeout    time.Duration
		upgrader   websocket.Upgrader

		mu    sync.Mutex
		conns map[string]*websocket.Conn // device id

		// writeMu serializes Deliver calls; gorilla permits only one
		// concurrent writer per connection.
		writeMu sync.Mutex
	}

	// AgentServerOptions configures an AgentServer.
	AgentServerOptions struct {
		// Resolver authenticates device tokens. Required.
		Resolver DeviceResolver
		// OnEnvelope receives inbound sealed envelopes. Optional.
		OnEnvelope func(ctx context.Context, userID, deviceID, envelope string)
		// Logger is optional; nil means no-op.
		Logger telemetry.Logger
		// WriteTimeout bounds each delivery write (default 10s).
		WriteTimeout time.Duration
		// CheckOrigin overrides the upgrade origin policy. Nil allows all
		// origins.
		CheckOrigin func(r *http.Request) bool
	}
)

// NewAgentServer constructs the agent endpoint.
func NewAgentServer(opts AgentServerOptions) (*AgentServer, error) {
	if opts.Resolver == nil {
		return nil, fault.New(fault.Validation, "resolver is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &AgentServer{
		resolver:   opts.Resolver,
		logger:     opts.Logger,
		onEnvelope: opts.OnEnvelope,
		timeout:    opts.WriteTimeout,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:      map[string]*websocket.Conn{},
	}, nil
}

// ServeHTTP implements http.Handler. Authentication happens before the
// upgrade; a rejected agent receives an HTTP error, never a frame.
func (s *AgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, subprotocol := deviceToken(r)
	if token == "" {
		http.Error(w, "device token is required", http.StatusUnauthorized)
		return
	}
	userID, deviceID, err := s.resolver.ResolveDeviceToken(ctx, token)
	if err != nil {
		if fault.IsKind(err, fault.Revoked) {
			http.Error(w, "device revoked", http.StatusForbidden)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-WebSocket-Protocol": {subprotocol}}
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}

	s.register(deviceID, conn)
	s.logger.Info(ctx, "agent connected", "user_id", userID, "device_id", deviceID)
	defer func() {
		s.unregister(deviceID, conn)
		conn.Close()
		s.logger.Info(ctx, "agent disconnected", "device_id", deviceID)
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage || s.onEnvelope == nil {
			continue
		}
		s.onEnvelope(ctx, userID, deviceID, string(data))
	}
}

// Deliver implements devchan's Transport. A device without a live socket is
// NOT_FOUND; the caller decides whether to queue or drop.
func (s *AgentServer) Deliver(ctx context.Context, deviceID string, envelope string) error {
	s.mu.Lock()
	conn, ok := s.conns[deviceID]
	s.mu.Unlock()
	if !ok {
		return fault.Newf(fault.NotFound, "device %s not connected", deviceID)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(envelope)); err != nil {
		return fault.Wrap(fault.Transient, "deliver to device", err)
	}
	return nil
}

// Connected reports whether the device currently holds a socket.
func (s *AgentServer) Connected(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[deviceID]
	return ok
}

// register stores the socket, closing any previous one for the same device.
// The newest pairing wins.
func (s *AgentServer) register(deviceID string, conn *websocket.Conn) {
	s.mu.Lock()
	prev := s.conns[deviceID]
	s.conns[deviceID] = conn
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (s *AgentServer) unregister(deviceID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[deviceID] == conn {
		delete(s.conns, deviceID)
	}
}
