// Package stream defines the wire contract between the conversation engine
// and an agent backend: the inbound event union, the outbound request union,
// their JSON envelopes, and the Transport abstraction that carries them.
package stream

import (
	"context"

	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
)

// EventType enumerates inbound event envelopes.
type EventType string

const (
	// EventMessageDelta carries a full or partial message.
	EventMessageDelta EventType = "message_delta"
	// EventInterrupt suspends the run pending an operator decision.
	EventInterrupt EventType = "interrupt"
	// EventDone ends the run normally.
	EventDone EventType = "done"
	// EventError ends the run with a backend-reported failure.
	EventError EventType = "error"
)

type (
	// Event is one inbound backend event. The set of implementations is
	// closed: MessageDelta, InterruptEvent, Done and ErrorEvent.
	Event interface {
		Type() EventType
		event()
	}

	// MessageDelta is a full or partial message. Final marks the delta as
	// terminal for its id.
	MessageDelta struct {
		Message message.Message
		Final   bool
	}

	// InterruptEvent declares a suspension.
	InterruptEvent struct {
		Signal interrupt.Signal
	}

	// Done ends the run.
	Done struct{}

	// ErrorEvent ends the run with a failure reported by the backend.
	ErrorEvent struct {
		Message string
	}

	// Transport opens backend runs. Open sends req and returns a Receiver
	// streaming the run's events.
	Transport interface {
		Open(ctx context.Context, req Request) (Receiver, error)
	}

	// Receiver yields the events of one run in arrival order. Recv returns
	// io.EOF once the stream ends without a terminal event. Close releases
	// the underlying connection and may be called more than once.
	Receiver interface {
		Recv(ctx context.Context) (Event, error)
		Close() error
	}

	// Aborter is implemented by transports able to cancel a backend run out
	// of band.
	Aborter interface {
		Abort(ctx context.Context, threadID string) error
	}
)

func (MessageDelta) Type() EventType   { return EventMessageDelta }
func (InterruptEvent) Type() EventType { return EventInterrupt }
func (Done) Type() EventType           { return EventDone }
func (ErrorEvent) Type() EventType     { return EventError }

func (MessageDelta) event()   {}
func (InterruptEvent) event() {}
func (Done) event()           {}
func (ErrorEvent) event()     {}

// IsTerminal reports whether ev ends the run.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Done, *Done, ErrorEvent, *ErrorEvent:
		return true
	}
	return false
}

// Ends reports whether ev closes the current stream: a terminal event or an
// interrupt, after which the backend waits for a resume request.
func Ends(ev Event) bool {
	if IsTerminal(ev) {
		return true
	}
	switch ev.(type) {
	case InterruptEvent, *InterruptEvent:
		return true
	}
	return false
}
