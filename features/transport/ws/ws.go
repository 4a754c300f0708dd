// Package ws implements stream.Transport over WebSocket. Each run dials a
// fresh connection, writes the request envelope as one text message and
// reads one event envelope per message until the server closes.
package ws

import (
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

	"github.com/gorilla/websocket"

	"goa.design/agentchat/features/transport/retry"
	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/telemetry"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeGrace              = 500 * time.Millisecond
)

type (
	// Options configures the transport.
	Options struct {
		// URL is the ws:// or wss:// endpoint. Required.
		URL string
		// Header is sent with the handshake.
		Header http.Header
		// HandshakeTimeout bounds the opening handshake.
		HandshakeTimeout time.Duration
		// Retry bounds dial attempts. Zero selects retry.DefaultConfig.
		Retry retry.Config
		// Decoder decodes event envelopes. Defaults to stream.DefaultDecoder.
		Decoder *stream.Decoder
		// Logger receives retry notices.
		Logger telemetry.Logger
	}

	// Transport is a WebSocket stream.Transport. It also implements
	// stream.Aborter by sending an abort envelope on a short-lived
	// connection.
	Transport struct {
		url     string
		header  http.Header
		dialer  websocket.Dialer
		retry   retry.Config
		decoder *stream.Decoder
		logger  telemetry.Logger
	}

	receiver struct {
		conn    *websocket.Conn
		decoder *stream.Decoder
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
	if opts.URL == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid url scheme %q", u.Scheme)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
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
	t := &Transport{
		url:     opts.URL,
		header:  opts.Header,
		dialer:  websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		retry:   opts.Retry,
		decoder: opts.Decoder,
		logger:  opts.Logger,
	}
	if t.retry.OnRetry == nil {
		t.retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			t.logger.Warn(context.Background(), "retrying websocket dial",
				"url", t.url, "attempt", attempt, "backoff", backoff.String(), "err", err)
		}
	}
	return t, nil
}

// Open implements stream.Transport.
func (t *Transport) Open(ctx context.Context, req stream.Request) (stream.Receiver, error) {
	payload, err := stream.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := write(ctx, conn, payload); err != nil {
		_ = conn.Close()
		return nil, chaterrors.Transport("open", err)
	}
	rc := &receiver{
		conn:    conn,
		decoder: t.decoder,
		frames:  make(chan frame),
		closed:  make(chan struct{}),
	}
	go rc.read()
	return rc, nil
}

// Abort implements stream.Aborter.
func (t *Transport) Abort(ctx context.Context, threadID string) error {
	payload, err := json.Marshal(map[string]string{"type": "abort", "thread_id": threadID})
	if err != nil {
		return err
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer closeConn(conn)
	if err := write(ctx, conn, payload); err != nil {
		return chaterrors.Transport("abort", err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
		c, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
		if err != nil {
			return handshakeError(resp, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, chaterrors.Transport("open", err)
	}
	return conn, nil
}

// handshakeError maps a failed handshake onto a TransportError so HTTP
// status codes drive retry decisions.
func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		return &chaterrors.TransportError{Op: "open", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = err.Error()
	}
	return &chaterrors.TransportError{Op: "open", StatusCode: resp.StatusCode, Message: msg, Err: err}
}

func write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	deadline := time.Now().Add(defaultHandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
	_ = conn.Close()
}

// Recv implements stream.Receiver.
func (r *receiver) Recv(ctx context.Context) (stream.Event, error) {
	if r.isClosed() {
		return nil, io.EOF
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
	r.once.Do(func() {
		close(r.closed)
		closeConn(r.conn)
	})
	return nil
}

func (r *receiver) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *receiver) read() {
	defer close(r.frames)
	for {
		kind, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
		} else if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
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
