// Package script implements stream.Transport by replaying runs recorded in a
// YAML document. It backs demos and end-to-end tests that need a backend
// without a network.
//
// A script lists runs in the order they are opened. Each event is written in
// the JSON wire form, as YAML:
//
//	runs:
//	  - expect: submit
//	    events:
//	      - type: message_delta
//	        final: true
//	        message: {id: a1, role: ai, content: "checking disk"}
//	      - type: done
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/stream"
)

// ErrExhausted is returned by Open once every scripted run was consumed.
var ErrExhausted = errors.New("script: no runs left")

type (
	// Script is the decoded YAML document.
	Script struct {
		Runs []Run `yaml:"runs"`
	}

	// Run is the scripted response to one Open.
	Run struct {
		// Expect, when set, is the request type the run answers.
		Expect stream.RequestType `yaml:"expect,omitempty"`
		// Delay is waited before each event, e.g. "150ms".
		Delay string `yaml:"delay,omitempty"`
		// Events are event envelopes in wire form.
		Events []map[string]any `yaml:"events"`
	}

	// Transport replays a Script. It is safe for concurrent use.
	Transport struct {
		decoder *stream.Decoder
		runs    []compiledRun

		mu       sync.Mutex
		next     int
		requests []stream.Request
		aborted  []string
	}

	compiledRun struct {
		expect stream.RequestType
		delay  time.Duration
		frames [][]byte
	}

	receiver struct {
		decoder *stream.Decoder
		delay   time.Duration
		frames  [][]byte
		mu      sync.Mutex
		pos     int
		closed  bool
	}
)

// Load reads and parses the script at path.
func Load(path string) (*Transport, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML script.
func Parse(data []byte) (*Transport, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return New(s)
}

// New compiles s. Every event must decode.
func New(s Script) (*Transport, error) {
	if len(s.Runs) == 0 {
		return nil, errors.New("script has no runs")
	}
	decoder := stream.DefaultDecoder()
	t := &Transport{decoder: decoder, runs: make([]compiledRun, 0, len(s.Runs))}
	for i, r := range s.Runs {
		cr := compiledRun{expect: r.Expect}
		if r.Delay != "" {
			d, err := time.ParseDuration(r.Delay)
			if err != nil {
				return nil, fmt.Errorf("run %d: invalid delay: %w", i, err)
			}
			cr.delay = d
		}
		for j, ev := range r.Events {
			raw, err := json.Marshal(ev)
			if err != nil {
				return nil, fmt.Errorf("run %d event %d: %w", i, j, err)
			}
			if _, err := decoder.Decode(raw); err != nil {
				return nil, fmt.Errorf("run %d event %d: %w", i, j, err)
			}
			cr.frames = append(cr.frames, raw)
		}
		t.runs = append(t.runs, cr)
	}
	return t, nil
}

// Open implements stream.Transport.
func (t *Transport) Open(_ context.Context, req stream.Request) (stream.Receiver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if t.next >= len(t.runs) {
		return nil, chaterrors.Transport("open", ErrExhausted)
	}
	run := t.runs[t.next]
	if run.expect != "" && run.expect != req.Type() {
		return nil, &chaterrors.TransportError{Op: "open",
			Message: fmt.Sprintf("script run %d expects %s, got %s", t.next, run.expect, req.Type())}
	}
	t.next++
	return &receiver{decoder: t.decoder, delay: run.delay, frames: run.frames}, nil
}

// Abort implements stream.Aborter and records the thread.
func (t *Transport) Abort(_ context.Context, threadID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = append(t.aborted, threadID)
	return nil
}

// Requests returns the requests received so far.
func (t *Transport) Requests() []stream.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]stream.Request(nil), t.requests...)
}

// Aborted returns the threads aborted so far.
func (t *Transport) Aborted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.aborted...)
}

// Remaining returns the number of runs not yet opened.
func (t *Transport) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs) - t.next
}

func (r *receiver) Recv(ctx context.Context) (stream.Event, error) {
	r.mu.Lock()
	if r.closed || r.pos >= len(r.frames) {
		r.mu.Unlock()
		return nil, io.EOF
	}
	raw := r.frames[r.pos]
	r.pos++
	r.mu.Unlock()
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return r.decoder.Decode(raw)
}

func (r *receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
