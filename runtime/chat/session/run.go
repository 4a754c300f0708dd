package session

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/telemetry"
)

// Run outcomes, used as metric tags and log values.
const (
	outcomeDone      = "done"
	outcomeInterrupt = "interrupt"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeAbort     = "abort"
)

// run is one submit or resume round-trip.
type run struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	req    stream.Request
	start  time.Time
	done   chan struct{}
	err    error
}

// startLocked registers a new active run. The caller holds s.mu and starts
// the loop once the lock is released.
func (s *Session) startLocked(ctx context.Context, req stream.Request) *run {
	s.nextRun++
	rctx, cancel := context.WithCancel(ctx)
	r := &run{
		id:     s.nextRun,
		ctx:    rctx,
		cancel: cancel,
		req:    req,
		start:  time.Now(),
		done:   make(chan struct{}),
	}
	s.active = r
	s.last = r
	s.err = nil
	s.stateVersion++
	return r
}

// loop drives one run to completion.
func (s *Session) loop(r *run) {
	ctx, span := s.tel.Tracer.Start(r.ctx, "agentchat.run")
	defer span.End()
	span.AddEvent("request", "type", string(r.req.Type()), "thread_id", s.threadID)

	outcome, err := s.drive(ctx, r, span)
	if err != nil && outcome != outcomeAbort {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, outcome)
	}
	s.end(ctx, r, outcome, err)
}

// drive opens the run and applies its events until the stream ends.
func (s *Session) drive(ctx context.Context, r *run, span telemetry.Span) (string, error) {
	s.tel.Logger.Debug(ctx, "opening run", "thread_id", s.threadID, "run", r.id, "request", string(r.req.Type()))
	recv, err := s.opts.Transport.Open(ctx, r.req)
	if err != nil {
		if r.ctx.Err() != nil {
			return outcomeAbort, chaterrors.ErrOperatorAbort
		}
		return outcomeError, chaterrors.Transport("open", err)
	}
	defer func() {
		if err := recv.Close(); err != nil {
			s.tel.Logger.Debug(ctx, "close receiver", "thread_id", s.threadID, "err", err)
		}
	}()

	for {
		ev, err := s.recv(ctx, recv)
		if err != nil {
			switch {
			case r.ctx.Err() != nil:
				return outcomeAbort, chaterrors.ErrOperatorAbort
			case errors.Is(err, io.EOF):
				s.tel.Logger.Debug(ctx, "stream ended without terminal event", "thread_id", s.threadID, "run", r.id)
				s.saveCheckpoint(ctx)
				return outcomeDone, nil
			case chaterrors.IsProtocolViolation(err):
				s.violation(ctx, err)
				continue
			case chaterrors.IsTimeout(err):
				return outcomeTimeout, err
			default:
				return outcomeError, chaterrors.Transport("recv", err)
			}
		}
		s.tel.Metrics.IncCounter(telemetry.MetricEventsReceived, 1, "event", string(ev.Type()))

		s.applyMu.Lock()
		if r.ctx.Err() != nil {
			s.applyMu.Unlock()
			return outcomeAbort, chaterrors.ErrOperatorAbort
		}
		outcome, stop, err := s.apply(ctx, r, ev, span)
		s.applyMu.Unlock()
		if stop {
			return outcome, err
		}
	}
}

// recv waits for the next event under the per-event deadline.
func (s *Session) recv(ctx context.Context, recv stream.Receiver) (stream.Event, error) {
	if s.opts.EventTimeout < 0 {
		return recv.Recv(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.EventTimeout)
	defer cancel()
	ev, err := recv.Recv(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return nil, &chaterrors.TimeoutError{After: s.opts.EventTimeout}
	}
	return ev, err
}

// apply applies one event. stop reports whether the run ends with it.
func (s *Session) apply(ctx context.Context, r *run, ev stream.Event, span telemetry.Span) (outcome string, stop bool, err error) {
	switch e := ev.(type) {
	case stream.MessageDelta:
		if err := s.ingest(ctx, e); err != nil {
			s.violation(ctx, err)
		}
		return "", false, nil

	case stream.InterruptEvent:
		s.mu.Lock()
		if err := s.ctrl.Raise(e.Signal); err != nil {
			s.mu.Unlock()
			s.violation(ctx, err)
			return "", false, nil
		}
		if s.active == r {
			s.active = nil
		}
		s.stateVersion++
		s.mu.Unlock()
		variant := string(e.Signal.Variant())
		span.AddEvent("interrupt", "variant", variant)
		s.tel.Metrics.IncCounter(telemetry.MetricInterrupts, 1, "variant", variant)
		s.tel.Logger.Info(ctx, "run suspended on interrupt", "thread_id", s.threadID, "run", r.id, "variant", variant)
		s.saveCheckpoint(ctx)
		return outcomeInterrupt, true, nil

	case stream.Done:
		s.saveCheckpoint(ctx)
		return outcomeDone, true, nil

	case stream.ErrorEvent:
		return outcomeError, true, &chaterrors.TransportError{Op: "remote", Remote: true, Message: e.Message}
	}
	s.violation(ctx, chaterrors.Violation(chaterrors.ReasonUnknownEvent, "unsupported event %T", ev))
	return "", false, nil
}

// end records the run outcome. Operator aborts are not errors.
func (s *Session) end(ctx context.Context, r *run, outcome string, err error) {
	if chaterrors.IsOperatorAbort(err) {
		err = nil
	}
	s.mu.Lock()
	if s.active == r {
		s.active = nil
		s.stateVersion++
		s.pendingHuman = ""
	}
	if s.last == r {
		s.err = err
	}
	r.err = err
	s.mu.Unlock()
	r.cancel()
	close(r.done)

	s.tel.Metrics.IncCounter(telemetry.MetricRuns, 1, "outcome", outcome)
	s.tel.Metrics.RecordTimer(telemetry.MetricRunDuration, time.Since(r.start), "outcome", outcome)
	s.tel.Metrics.RecordGauge(telemetry.MetricTranscriptLength, float64(s.store.Len()))
	if err != nil {
		s.tel.Logger.Error(ctx, "run failed", "thread_id", s.threadID, "run", r.id, "outcome", outcome, "err", err)
	} else {
		s.tel.Logger.Info(ctx, "run finished", "thread_id", s.threadID, "run", r.id, "outcome", outcome)
	}
	s.notify()
}

func (s *Session) saveCheckpoint(ctx context.Context) {
	if s.opts.Checkpoints == nil {
		return
	}
	if err := s.opts.Checkpoints.Save(ctx, s.threadID, s.store.All()); err != nil {
		s.tel.Logger.Warn(ctx, "checkpoint save failed", "thread_id", s.threadID, "err", err)
	}
}

func (s *Session) violation(ctx context.Context, err error) {
	reason := chaterrors.ReasonOf(err)
	s.tel.Metrics.IncCounter(telemetry.MetricProtocolViolations, 1, "reason", string(reason))
	s.tel.Logger.Warn(ctx, "protocol violation", "thread_id", s.threadID, "reason", string(reason), "err", err)
}
