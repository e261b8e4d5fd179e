// Package ws is the WebSocket egress of the platform. EventServer streams
// execution events to UI subscribers admitted by JWT bearer tokens;
// AgentServer holds the sockets of paired agents admitted by device tokens
// and doubles as the delivery transport for sealed device messages. Both
// servers reject unauthenticated requests before the upgrade, so a rejected
// client never sees a frame.
package ws

import (
	"net/http"
	"path"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/hub"
	"github.com/n3nlabs/n3n/runtime/telemetry"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type (
	// EventServer upgrades subscriber connections and forwards hub events
	// for one execution per socket. Mount it under a path whose last
	// segment is the execution id.
	EventServer struct {
		hub      *hub.Hub
		verifier *JWTVerifier
		logger   telemetry.Logger
		ping     time.Duration
		timeout  time.Duration
		upgrader websocket.Upgrader
	}

	// EventServerOptions configures an EventServer.
	EventServerOptions struct {
		// Hub is the event source. Required.
		Hub *hub.Hub
		// Verifier admits subscribers. Required.
		Verifier *JWTVerifier
		// Logger is optional; nil means no-op.
		Logger telemetry.Logger
		// PingInterval is the keepalive period (default 30s).
		PingInterval time.Duration
		// WriteTimeout bounds each frame write (default 10s).
		WriteTimeout time.Duration
		// CheckOrigin overrides the upgrade origin policy. Nil allows all
		// origins; the deployment's reverse proxy enforces the real policy.
		CheckOrigin func(r *http.Request) bool
	}

	// frame is the wire form of one event on a subscriber socket.
	frame struct {
		Type        string `json:"type"`
		ExecutionID string `json:"executionId"`
		Payload     any    `json:"payload,omitempty"`
	}
)

// NewEventServer constructs the subscriber endpoint.
func NewEventServer(opts EventServerOptions) (*EventServer, error) {
	if opts.Hub == nil {
		return nil, fault.New(fault.Validation, "hub is required")
	}
	if opts.Verifier == nil {
		return nil, fault.New(fault.Validation, "verifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &EventServer{
		hub:      opts.Hub,
		verifier: opts.Verifier,
		logger:   opts.Logger,
		ping:     opts.PingInterval,
		timeout:  opts.WriteTimeout,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}, nil
}

// ServeHTTP implements http.Handler.
func (s *EventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	executionID := path.Base(r.URL.Path)
	if executionID == "" || executionID == "/" || executionID == "." {
		http.Error(w, "execution id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.logger.Info(ctx, "event subscriber connected", "user_id", userID, "execution_id", executionID)

	sub := s.hub.Subscribe(hub.WithExecution(executionID))
	defer s.hub.Unsubscribe(sub)
	defer conn.Close()

	// Reader drains control frames and unblocks the writer when the client
	// goes away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				s.closeWith(conn, sub.Err())
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
			if err := conn.WriteJSON(frame{
				Type:        string(e.Type()),
				ExecutionID: e.ExecutionID(),
				Payload:     e.Payload(),
			}); err != nil {
				s.logger.Warn(ctx, "event write failed", "execution_id", executionID, "error", err.Error())
				return
			}
		}
	}
}

// closeWith translates the subscription end into a close frame: an overflow
// disconnect is a policy violation, everything else a normal closure.
func (s *EventServer) closeWith(conn *websocket.Conn, err error) {
	code := websocket.CloseNormalClosure
	text := ""
	if fault.IsKind(err, hub.KindOverflow) {
		code = websocket.ClosePolicyViolation
		text = err.Error()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
