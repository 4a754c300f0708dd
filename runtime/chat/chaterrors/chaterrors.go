// Package chaterrors defines the failure taxonomy of the conversation engine.
//
// Transport and timeout failures terminate an ingestion loop and are surfaced
// to the caller. Protocol violations are logged and the offending event is
// dropped; they never end a session. Operator aborts are normal terminal
// transitions and are represented by the ErrOperatorAbort sentinel.
package chaterrors

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies a protocol violation.
type Reason string

const (
	// ReasonUnknownCallID flags a tool message whose tool call id matches no
	// prior tool invocation in the transcript.
	ReasonUnknownCallID Reason = "unknown_call_id"
	// ReasonMessageBeforeHuman flags an ai or tool message received before any
	// human message.
	ReasonMessageBeforeHuman Reason = "message_before_human"
	// ReasonResumeWithoutInterrupt flags a resume attempted with no live
	// interrupt.
	ReasonResumeWithoutInterrupt Reason = "resume_without_interrupt"
	// ReasonMalformedEvent flags an event that fails schema validation or
	// decoding.
	ReasonMalformedEvent Reason = "malformed_event"
	// ReasonUnknownEvent flags an event whose type is not part of the contract.
	ReasonUnknownEvent Reason = "unknown_event"
	// ReasonInvalidDecision flags an operator decision whose shape does not fit
	// the live interrupt or names calls outside its pending set.
	ReasonInvalidDecision Reason = "invalid_decision"
	// ReasonSealedMessage flags a delta for a message already finalized by a
	// terminal delta.
	ReasonSealedMessage Reason = "sealed_message"
)

// ErrOperatorAbort reports that a run ended because the operator cancelled
// it. It is not a failure.
var ErrOperatorAbort = errors.New("operator abort")

type (
	// TransportError reports a network failure, a non-2xx response, or an
	// error event emitted by the remote agent (Remote set).
	TransportError struct {
		// Op names the operation that failed ("open", "recv", "remote", ...).
		Op string
		// StatusCode is the HTTP status when the failure is a non-2xx reply.
		StatusCode int
		// Remote reports that the backend itself signalled the failure.
		Remote bool
		// Message is the human-readable failure description.
		Message string
		// Err is the underlying error, if any.
		Err error
	}

	// TimeoutError reports that no event arrived within the configured
	// deadline. It is distinct from cancellation.
	TimeoutError struct {
		// After is the deadline that elapsed.
		After time.Duration
	}

	// ProtocolViolation reports an event or call that breaks the engine
	// contract.
	ProtocolViolation struct {
		Reason Reason
		Detail string
	}
)

// Error implements error.
func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Remote:
		return fmt.Sprintf("agent error: %s", msg)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport %s: status %d: %s", e.Op, e.StatusCode, msg)
	default:
		return fmt.Sprintf("transport %s: %s", e.Op, msg)
	}
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no event received within %s", e.After)
}

// Error implements error.
func (e *ProtocolViolation) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation: %s: %s", e.Reason, e.Detail)
}

// Is matches another ProtocolViolation with the same reason, so callers can
// write errors.Is(err, &ProtocolViolation{Reason: ReasonUnknownCallID}).
func (e *ProtocolViolation) Is(target error) bool {
	t, ok := target.(*ProtocolViolation)
	if !ok {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Transport wraps err into a TransportError for operation op. It returns nil
// when err is nil and leaves existing TransportErrors untouched.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Violation builds a ProtocolViolation with a formatted detail.
func Violation(reason Reason, format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsTransport reports whether err is or wraps a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsProtocolViolation reports whether err is or wraps a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

// ReasonOf returns the violation reason carried by err, or "" when err is
// not a ProtocolViolation.
func ReasonOf(err error) Reason {
	var pv *ProtocolViolation
	if errors.As(err, &pv) {
		return pv.Reason
	}
	return ""
}

// IsOperatorAbort reports whether err is or wraps ErrOperatorAbort.
func IsOperatorAbort(err error) bool {
	return errors.Is(err, ErrOperatorAbort)
}
