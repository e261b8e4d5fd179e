package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/hub"
	"github.com/n3nlabs/n3n/runtime/values"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func newEventFixture(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(nil)
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	srv, err := NewEventServer(EventServerOptions{Hub: h, Verifier: verifier})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return h, ts
}

func wsURL(ts *httptest.Server, p string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + p
}

func TestEventSocketStreamsExecutionEvents(t *testing.T) {
	h, ts := newEventFixture(t)

	header := http.Header{"Authorization": {"Bearer " + signToken(t, "u1")}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/executions/exec-1"), header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	h.Publish(hub.NewExecutionCreated("exec-1", "v1", flow.TriggerManual, values.Map{"name": "world"}))
	h.Publish(hub.NewNodeStatus("exec-1", "start", flow.NodeRunning, 1, ""))
	// An event for another execution must not reach this socket.
	h.Publish(hub.NewNodeStatus("exec-9", "other", flow.NodeRunning, 1, ""))
	h.Publish(hub.NewExecutionCompleted("exec-1", flow.ExecutionCompleted, 5, ""))

	read := func() frame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var f frame
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	f := read()
	require.Equal(t, string(hub.EventExecutionCreated), f.Type)
	require.Equal(t, "exec-1", f.ExecutionID)

	f = read()
	require.Equal(t, string(hub.EventNodeStatus), f.Type)
	payload, err := json.Marshal(f.Payload)
	require.NoError(t, err)
	var node hub.NodeStatusPayload
	require.NoError(t, json.Unmarshal(payload, &node))
	require.Equal(t, "start", node.NodeID)

	f = read()
	require.Equal(t, string(hub.EventExecutionCompleted), f.Type)
	require.Equal(t, "exec-1", f.ExecutionID)
}

func TestEventSocketSnapshotForLateSubscriber(t *testing.T) {
	h, ts := newEventFixture(t)

	h.Publish(hub.NewExecutionCreated("exec-2", "v1", flow.TriggerManual, nil))
	h.Publish(hub.NewExecutionStatus("exec-2", flow.ExecutionRunning, ""))

	header := http.Header{"Authorization": {"Bearer " + signToken(t, "u1")}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/executions/exec-2"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, string(hub.EventExecutionCreated), f.Type)
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, string(hub.EventExecutionStatus), f.Type)
}

func TestEventSocketRejectsBadToken(t *testing.T) {
	_, ts := newEventFixture(t)

	header := http.Header{"Authorization": {"Bearer not-a-jwt"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/executions/exec-1"), header)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventSocketRejectsMissingToken(t *testing.T) {
	_, ts := newEventFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/executions/exec-1"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventSocketAcceptsQueryToken(t *testing.T) {
	h, ts := newEventFixture(t)

	url := wsURL(ts, "/ws/executions/exec-3") + "?token=" + signToken(t, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	h.Publish(hub.NewExecutionStatus("exec-3", flow.ExecutionRunning, ""))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, string(hub.EventExecutionStatus), f.Type)
}
