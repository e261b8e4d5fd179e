// Package pulse bridges the execution event hub onto goa.design/pulse
// streams. The sink publishes every hub event into a per-execution Redis
// stream; the subscriber reads such a stream back into hub events. Both sides
// share the JSON envelope format, so UI gateways on other processes can
// follow executions they did not start.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientspulse "github.com/n3nlabs/n3n/features/stream/pulse/clients/pulse"
	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/hub"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "execution/<id>".
		StreamID func(hub.Event) (string, error)
		// Now supplies envelope timestamps (tests override it).
		Now func() time.Time
	}

	// Sink publishes hub events into Pulse streams. It implements hub.Sink;
	// wire it to a hub with hub.NewBridge. Safe for concurrent Send calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(hub.Event) (string, error)
		now      func() time.Time
	}

	// envelope is the wire format of one event on a Pulse stream.
	envelope struct {
		Type        string          `json:"type"`
		ExecutionID string          `json:"execution_id"`
		Timestamp   time.Time       `json:"timestamp"`
		Payload     json.RawMessage `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed hub sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.Validation, "pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		now:      time.Now,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// Send implements hub.Sink.
func (s *Sink) Send(ctx context.Context, e hub.Event) error {
	streamID, err := s.streamID(e)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := marshalEnvelope(e, s.now().UTC())
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(e.Type()), payload); err != nil {
		return err
	}
	return nil
}

// Close implements hub.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func marshalEnvelope(e hub.Event, at time.Time) ([]byte, error) {
	var raw json.RawMessage
	if p := e.Payload(); p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(envelope{
		Type:        string(e.Type()),
		ExecutionID: e.ExecutionID(),
		Timestamp:   at,
		Payload:     raw,
	})
}

// defaultStreamID names the stream after the owning execution.
func defaultStreamID(e hub.Event) (string, error) {
	if e.ExecutionID() == "" {
		return "", fault.New(fault.Validation, "event missing execution id")
	}
	return fmt.Sprintf("execution/%s", e.ExecutionID()), nil
}
