package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/n3nlabs/n3n/features/stream/pulse/clients/pulse"
	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/hub"
)

type (
	// EnvelopeDecoder converts raw stream payloads into hub events.
	EnvelopeDecoder func([]byte) (hub.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client consumes the events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "n3n_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the envelope format
		// the Sink writes.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes a per-execution Pulse stream and re-emits hub
	// events on the reading side of the bridge.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}

	// decodedEvent carries an event read back off a stream. The payload
	// stays raw JSON; consumers that need structure unmarshal it.
	decodedEvent struct {
		t    hub.EventType
		exec string
		b    json.RawMessage
	}
)

func (e decodedEvent) Type() hub.EventType { return e.t }
func (e decodedEvent) ExecutionID() string { return e.exec }
func (e decodedEvent) Payload() any        { return e.b }

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.Validation, "pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "n3n_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the given stream and returns channels
// for events and errors. The cancel function stops consumption and closes
// both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan hub.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan hub.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the Pulse sink, decodes, emits, and acks. The first
// decode or ack failure is reported on errs and ends consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- hub.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the JSON envelope the Sink writes.
func decodeEnvelope(payload []byte) (hub.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return decodedEvent{
		t:    hub.EventType(env.Type),
		exec: env.ExecutionID,
		b:    env.Payload,
	}, nil
}
