// Package pulse implements stream.Transport over Pulse streams backed by
// Redis. Requests are published on a per-thread request stream and events
// are consumed from a per-thread event stream through a consumer group.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"

	clientspulse "goa.design/agentchat/features/transport/pulse/clients/pulse"
	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/telemetry"
)

// DefaultSinkName prefixes consumer group names when Options.SinkName is
// empty.
const DefaultSinkName = "agentchat"

type (
	// Options configures the transport.
	Options struct {
		// Client opens Pulse streams. Required.
		Client clientspulse.Client
		// SinkName prefixes the per-run consumer group names.
		SinkName string
		// RequestStream names the stream requests for a thread are published
		// on. Defaults to "threads/<id>/requests".
		RequestStream func(threadID string) string
		// EventStream names the stream events for a thread are read from.
		// Defaults to "threads/<id>/events".
		EventStream func(threadID string) string
		// Decoder decodes event envelopes. Defaults to stream.DefaultDecoder.
		Decoder *stream.Decoder
		// Logger receives ack failures.
		Logger telemetry.Logger
	}

	// Transport is a Pulse stream.Transport. It also implements
	// stream.Aborter by publishing an abort request.
	Transport struct {
		client   clientspulse.Client
		sinkName string
		requests func(string) string
		events   func(string) string
		decoder  *stream.Decoder
		logger   telemetry.Logger
	}

	receiver struct {
		sink    clientspulse.Sink
		events  <-chan *streaming.Event
		decoder *stream.Decoder
		logger  telemetry.Logger
		closed  chan struct{}
		once    sync.Once
	}
)

// New validates opts and returns a Transport.
func New(opts Options) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkName == "" {
		opts.SinkName = DefaultSinkName
	}
	if opts.RequestStream == nil {
		opts.RequestStream = func(id string) string { return "threads/" + id + "/requests" }
	}
	if opts.EventStream == nil {
		opts.EventStream = func(id string) string { return "threads/" + id + "/events" }
	}
	if opts.Decoder == nil {
		opts.Decoder = stream.DefaultDecoder()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Transport{
		client:   opts.Client,
		sinkName: opts.SinkName,
		requests: opts.RequestStream,
		events:   opts.EventStream,
		decoder:  opts.Decoder,
		logger:   opts.Logger,
	}, nil
}

// Open implements stream.Transport. Every run reads through its own consumer
// group, created before the request is published so no event of the run is
// missed and no event of an earlier run is replayed.
func (t *Transport) Open(ctx context.Context, req stream.Request) (stream.Receiver, error) {
	payload, err := stream.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	threadID := req.Thread()
	evStream, err := t.client.Stream(t.events(threadID))
	if err != nil {
		return nil, chaterrors.Transport("open", err)
	}
	sink, err := evStream.NewSink(ctx, t.sinkName+"-"+uuid.NewString())
	if err != nil {
		return nil, chaterrors.Transport("open", err)
	}
	if err := t.publish(ctx, threadID, string(req.Type()), payload); err != nil {
		sink.Close(context.Background())
		return nil, chaterrors.Transport("open", err)
	}
	return &receiver{
		sink:    sink,
		events:  sink.Subscribe(),
		decoder: t.decoder,
		logger:  t.logger,
		closed:  make(chan struct{}),
	}, nil
}

// Abort implements stream.Aborter.
func (t *Transport) Abort(ctx context.Context, threadID string) error {
	payload, err := json.Marshal(map[string]string{"type": "abort", "thread_id": threadID})
	if err != nil {
		return err
	}
	if err := t.publish(ctx, threadID, "abort", payload); err != nil {
		return chaterrors.Transport("abort", err)
	}
	return nil
}

func (t *Transport) publish(ctx context.Context, threadID, event string, payload []byte) error {
	str, err := t.client.Stream(t.requests(threadID))
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, event, payload)
	return err
}

// Recv implements stream.Receiver. Each event is acked once decoded,
// including events that fail to decode.
func (r *receiver) Recv(ctx context.Context) (stream.Event, error) {
	select {
	case <-r.closed:
		return nil, io.EOF
	default:
	}
	select {
	case ev, ok := <-r.events:
		if !ok {
			return nil, io.EOF
		}
		decoded, err := r.decoder.Decode(ev.Payload)
		if ackErr := r.sink.Ack(ctx, ev); ackErr != nil {
			r.logger.Warn(ctx, "pulse ack failed", "event_id", ev.ID, "err", ackErr)
		}
		return decoded, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, io.EOF
	}
}

// Close implements stream.Receiver.
func (r *receiver) Close() error {
	r.once.Do(func() {
		close(r.closed)
		r.sink.Close(context.Background())
	})
	return nil
}
