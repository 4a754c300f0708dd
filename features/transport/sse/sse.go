// Package sse implements stream.Transport over HTTP server-sent events.
//
// Open POSTs the JSON request envelope to the configured endpoint and reads
// the text/event-stream response. Each frame's data is one event envelope.
// Connection establishment is rate limited and retried for throttling and
// gateway failures; once the stream is open nothing is retried.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"goa.design/agentchat/features/transport/retry"
	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/telemetry"
)

type (
	// Options configures the transport.
	Options struct {
		// Endpoint receives run requests. Required.
		Endpoint string
		// AbortEndpoint, when set, receives out-of-band abort requests.
		AbortEndpoint string
		// Client performs requests. Defaults to a client without timeout, as
		// streams are long lived.
		Client *http.Client
		// Headers are added to every request.
		Headers map[string]string
		// Retry bounds connection attempts. Zero selects retry.DefaultConfig.
		Retry retry.Config
		// RequestsPerSecond limits connection attempts. Zero disables the
		// limit.
		RequestsPerSecond float64
		// Burst is the limiter burst. Defaults to 1.
		Burst int
		// Decoder decodes event envelopes. Defaults to stream.DefaultDecoder.
		Decoder *stream.Decoder
		// Logger receives retry and skip notices.
		Logger telemetry.Logger
	}

	// Transport is an SSE stream.Transport. It also implements stream.Aborter.
	Transport struct {
		endpoint string
		abort    string
		client   *http.Client
		headers  map[string]string
		retry    retry.Config
		limiter  *rate.Limiter
		decoder  *stream.Decoder
		logger   telemetry.Logger
	}

	receiver struct {
		body    io.ReadCloser
		decoder *stream.Decoder
		logger  telemetry.Logger
		frames  chan frame
		closed  chan struct{}
		once    sync.Once
	}

	frame struct {
		data []byte
		err  error
	}
)

// New validates opts and returns a Transport.
func New(opts Options) (*Transport, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if _, err := url.ParseRequestURI(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if opts.AbortEndpoint != "" {
		if _, err := url.ParseRequestURI(opts.AbortEndpoint); err != nil {
			return nil, fmt.Errorf("invalid abort endpoint: %w", err)
		}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Decoder == nil {
		opts.Decoder = stream.DefaultDecoder()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	t := &Transport{
		endpoint: opts.Endpoint,
		abort:    opts.AbortEndpoint,
		client:   opts.Client,
		headers:  opts.Headers,
		retry:    opts.Retry,
		limiter:  rate.NewLimiter(limit, burst),
		decoder:  opts.Decoder,
		logger:   opts.Logger,
	}
	if t.retry.OnRetry == nil {
		logger := t.logger
		t.retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			logger.Warn(context.Background(), "retrying stream open",
				"endpoint", opts.Endpoint, "attempt", attempt, "backoff", backoff.String(), "err", err)
		}
	}
	return t, nil
}

// Open implements stream.Transport.
func (t *Transport) Open(ctx context.Context, req stream.Request) (stream.Receiver, error) {
	body, err := stream.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	var resp *http.Response
	err = retry.Do(ctx, t.retry, func(ctx context.Context) error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := t.post(ctx, t.endpoint, body, "text/event-stream")
		if err != nil {
			return err
		}
		if ct := strings.ToLower(r.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
			raw, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			_ = r.Body.Close()
			return &chaterrors.TransportError{Op: "open", StatusCode: r.StatusCode,
				Message: fmt.Sprintf("unexpected content type %q: %s", r.Header.Get("Content-Type"), strings.TrimSpace(string(raw)))}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, chaterrors.Transport("open", err)
	}
	rc := &receiver{
		body:    resp.Body,
		decoder: t.decoder,
		logger:  t.logger,
		frames:  make(chan frame),
		closed:  make(chan struct{}),
	}
	go rc.read()
	return rc, nil
}

// Abort implements stream.Aborter. It is a no-op without an abort endpoint.
func (t *Transport) Abort(ctx context.Context, threadID string) error {
	if t.abort == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"type": "abort", "thread_id": threadID})
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, t.abort, body, "application/json")
	if err != nil {
		return chaterrors.Transport("abort", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// post sends body and returns the response when the status is 2xx.
func (t *Transport) post(ctx context.Context, endpoint string, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	resp, err := t.client.Do(httpReq) //nolint:gosec // endpoint is validated in New
	if err != nil {
		return nil, &chaterrors.TransportError{Op: "open", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &chaterrors.TransportError{Op: "open", StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Recv implements stream.Receiver. A frame that fails to decode yields a
// protocol violation; the stream stays usable.
func (r *receiver) Recv(ctx context.Context) (stream.Event, error) {
	select {
	case <-r.closed:
		return nil, io.EOF
	default:
	}
	select {
	case f, ok := <-r.frames:
		if !ok {
			return nil, io.EOF
		}
		if f.err != nil {
			if r.isClosed() || errors.Is(f.err, io.EOF) {
				return nil, io.EOF
			}
			return nil, chaterrors.Transport("recv", f.err)
		}
		return r.decoder.Decode(f.data)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, io.EOF
	}
}

// Close implements stream.Receiver.
func (r *receiver) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closed)
		err = r.body.Close()
	})
	return err
}

func (r *receiver) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// read pumps frames from the body until it ends or the receiver closes.
func (r *receiver) read() {
	defer close(r.frames)
	reader := bufio.NewReader(r.body)
	for {
		event, data, err := readSSEEvent(reader)
		if err == nil && !isEventFrame(event) {
			continue
		}
		select {
		case r.frames <- frame{data: data, err: err}:
		case <-r.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// isEventFrame reports whether a frame named event carries an envelope.
// Unnamed frames and frames named after an event type do; keep-alive
// frames do not.
func isEventFrame(event string) bool {
	switch event {
	case "ping", "heartbeat", "keepalive":
		return false
	}
	return true
}

// readSSEEvent reads one event-stream frame. Comment lines are skipped and
// multi-line data is joined with newlines.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (event != "" || len(data) > 0) {
				return event, data, nil
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
		}
	}
}
