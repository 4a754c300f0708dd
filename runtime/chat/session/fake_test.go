package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"goa.design/agentchat/runtime/chat/stream"
)

// fakeTransport serves one event channel per Open, in order.
type fakeTransport struct {
	mu       sync.Mutex
	runs     []chan stream.Event
	opened   int
	requests []stream.Request
	openErr  error
	aborted  []string
}

type fakeReceiver struct {
	ch <-chan stream.Event
}

type abortingTransport struct {
	*fakeTransport
}

func newFakeTransport(runs int, buffer int) *fakeTransport {
	ft := &fakeTransport{}
	for i := 0; i < runs; i++ {
		ft.runs = append(ft.runs, make(chan stream.Event, buffer))
	}
	return ft
}

func (f *fakeTransport) Open(_ context.Context, req stream.Request) (stream.Receiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.opened >= len(f.runs) {
		return nil, errors.New("no scripted run left")
	}
	ch := f.runs[f.opened]
	f.opened++
	return &fakeReceiver{ch: ch}, nil
}

func (f *fakeTransport) run(i int) chan stream.Event {
	return f.runs[i]
}

func (f *fakeTransport) sent() []stream.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stream.Request(nil), f.requests...)
}

func (a abortingTransport) Abort(_ context.Context, threadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, threadID)
	return nil
}

func (r *fakeReceiver) Recv(ctx context.Context) (stream.Event, error) {
	select {
	case ev, ok := <-r.ch:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeReceiver) Close() error { return nil }
