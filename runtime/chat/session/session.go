// Package session implements the conversation session: the runtime
// aggregate owning one thread's transcript, its interrupt controller and
// the single ingestion loop that streams backend events into the
// transcript.
//
// At most one run (a submit or a resume round-trip) is in flight per
// session. A second Submit or Resume while a run is in flight fails with
// ErrBusy, and Submit fails with ErrInterruptPending while an interrupt
// awaits an operator decision. Rendering consumers read immutable
// snapshots through View and are told about changes through Subscribe.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentchat/runtime/chat/checkpoint"
	"goa.design/agentchat/runtime/chat/correlate"
	"goa.design/agentchat/runtime/chat/interrupt"
	"goa.design/agentchat/runtime/chat/message"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/telemetry"
	"goa.design/agentchat/runtime/chat/transcript"
	"goa.design/agentchat/runtime/chat/view"
)

// DefaultEventTimeout bounds the wait for each backend event.
const DefaultEventTimeout = 2 * time.Minute

var (
	// ErrBusy indicates a run is already in flight.
	ErrBusy = errors.New("a run is already in flight")
	// ErrInterruptPending indicates an interrupt awaits an operator decision.
	ErrInterruptPending = errors.New("an interrupt awaits an operator decision")
	// ErrClosed indicates the session was closed.
	ErrClosed = errors.New("session closed")
	// ErrEmptyInput indicates a submit without text.
	ErrEmptyInput = errors.New("input is required")
)

type (
	// Options configures a Session.
	Options struct {
		// Transport opens backend runs. Required.
		Transport stream.Transport
		// Telemetry carries the logger, metrics and tracer. Nil hooks are
		// replaced by noops.
		Telemetry telemetry.Telemetry
		// EventTimeout bounds the wait for each event of a run. Zero selects
		// DefaultEventTimeout; a negative value disables the deadline.
		EventTimeout time.Duration
		// View configures rendering.
		View view.Options
		// Checkpoints, when set, receives the transcript each time a run
		// completes or suspends on an interrupt.
		Checkpoints checkpoint.Store
		// ThreadID identifies the conversation. New generates one when empty.
		ThreadID string
		// NewID generates local message ids. Defaults to UUIDv7 strings.
		NewID func() string
	}

	// Session is one conversation thread. It is safe for concurrent use.
	Session struct {
		opts     Options
		tel      telemetry.Telemetry
		threadID string
		store    *transcript.Store
		ctrl     *interrupt.Controller
		builder  *view.Builder
		storeSub transcript.Subscription

		// applyMu serializes event application against Cancel so no event
		// lands after Cancel returns.
		applyMu sync.Mutex

		mu           sync.Mutex
		active       *run
		last         *run
		err          error
		decisions    correlate.Decisions
		pendingHuman string
		stateVersion uint64
		closed       bool
		nextRun      uint64

		subMu sync.RWMutex
		subs  map[*subscription]func()
	}

	// Subscription is an active Session subscription. Close is idempotent.
	Subscription interface {
		Close() error
	}

	subscription struct {
		session *Session
		once    sync.Once
	}
)

// New returns a session over an empty transcript.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.EventTimeout == 0 {
		opts.EventTimeout = DefaultEventTimeout
	}
	if opts.NewID == nil {
		opts.NewID = newID
	}
	if opts.ThreadID == "" {
		opts.ThreadID = opts.NewID()
	}
	s := &Session{
		opts:      opts,
		tel:       opts.Telemetry.WithDefaults(),
		threadID:  opts.ThreadID,
		store:     transcript.NewStore(),
		ctrl:      interrupt.NewController(),
		decisions: make(correlate.Decisions),
		subs:      make(map[*subscription]func()),
	}
	s.builder = view.NewBuilder(opts.View, s.tel.Logger)
	sub, err := s.store.Subscribe(func(uint64) { s.notify() })
	if err != nil {
		return nil, err
	}
	s.storeSub = sub
	return s, nil
}

// Hydrate returns a session for threadID whose transcript is loaded from
// store. Messages that fail validation or repeat an id are logged and
// skipped.
func Hydrate(ctx context.Context, store checkpoint.Store, threadID string, opts Options) (*Session, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	msgs, err := store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	opts.ThreadID = threadID
	if opts.Checkpoints == nil {
		opts.Checkpoints = store
	}
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			s.tel.Logger.Warn(ctx, "skipping invalid checkpointed message", "thread_id", threadID, "message_id", m.ID, "err", err)
			continue
		}
		if err := s.store.Append(m); err != nil {
			s.tel.Logger.Warn(ctx, "skipping checkpointed message", "thread_id", threadID, "message_id", m.ID, "err", err)
		}
	}
	s.tel.Logger.Info(ctx, "session hydrated", "thread_id", threadID, "messages", s.store.Len())
	return s, nil
}

// ThreadID returns the conversation thread id.
func (s *Session) ThreadID() string {
	return s.threadID
}

// Submit appends a human message with text and starts a run for it. It
// returns as soon as the run is started; progress is observed through View
// and Subscribe, and the outcome through Wait. ctx bounds the whole run.
func (s *Session) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	s.mu.Lock()
	if err := s.acceptLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.ctrl.Live() {
		s.mu.Unlock()
		return ErrInterruptPending
	}
	msg := message.Message{ID: s.opts.NewID(), Role: message.RoleHuman, Content: message.Text(text)}
	s.pendingHuman = msg.ID
	r := s.startLocked(ctx, stream.SubmitRequest{ThreadID: s.threadID, Messages: []message.Message{message.Clone(msg)}})
	s.mu.Unlock()

	if err := s.store.Append(msg); err != nil {
		s.end(ctx, r, outcomeError, err)
		return err
	}
	go s.loop(r)
	return nil
}

// Resume answers the live interrupt with d and starts a run carrying the
// encoded resume request. No human message is appended. Resuming with no
// live interrupt fails with a resume_without_interrupt protocol violation
// and a decision that does not fit the live interrupt with invalid_decision;
// neither changes any state.
func (s *Session) Resume(ctx context.Context, d interrupt.Decision) error {
	s.mu.Lock()
	if err := s.acceptLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	res, err := s.ctrl.Resume(d)
	if err != nil {
		s.mu.Unlock()
		s.violation(ctx, err)
		return err
	}
	req, err := stream.ResumeRequest(s.threadID, res.Decision)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.recordDecisions(res)
	s.pendingHuman = ""
	r := s.startLocked(ctx, req)
	s.mu.Unlock()

	s.tel.Metrics.IncCounter(telemetry.MetricResumes, 1, "variant", string(res.Signal.Variant()))
	s.tel.Logger.Info(ctx, "resuming run", "thread_id", s.threadID, "run", r.id, "request", string(req.Type()),
		"approved", len(res.Approved), "rejected", len(res.Rejected), "cleared", res.Cleared)
	go s.loop(r)
	s.notify()
	return nil
}

// ApproveTool answers a live tool approval.
func (s *Session) ApproveTool(ctx context.Context, approved bool) error {
	return s.Resume(ctx, interrupt.ToolDecision{Approved: approved})
}

// ResumeBatch answers a live batch approval. An empty list rejects every
// remaining entry.
func (s *Session) ResumeBatch(ctx context.Context, approvedCallIDs []string) error {
	return s.Resume(ctx, interrupt.BatchDecision{ApprovedCallIDs: approvedCallIDs})
}

// ApproveSOP answers a live SOP approval.
func (s *Session) ApproveSOP(ctx context.Context, approved bool) error {
	return s.Resume(ctx, interrupt.SOPDecision{Approved: approved})
}

// Cancel aborts the in-flight run, if any, and clears the live interrupt.
// Messages already appended stay in the transcript. When no run is in
// flight but an interrupt was live, transports implementing stream.Aborter
// are asked to abort the suspended backend run.
func (s *Session) Cancel() {
	s.applyMu.Lock()
	s.mu.Lock()
	r := s.active
	s.active = nil
	cleared := s.ctrl.Cancel()
	if r != nil || cleared {
		s.stateVersion++
	}
	s.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	s.applyMu.Unlock()

	ctx := context.Background()
	if r != nil {
		s.tel.Logger.Info(ctx, "run cancelled", "thread_id", s.threadID, "run", r.id)
	}
	if r == nil && cleared {
		if ab, ok := s.opts.Transport.(stream.Aborter); ok {
			actx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := ab.Abort(actx, s.threadID); err != nil {
				s.tel.Logger.Warn(ctx, "abort suspended run failed", "thread_id", s.threadID, "err", err)
			}
			cancel()
		}
	}
	if r != nil || cleared {
		s.notify()
	}
}

// Wait blocks until the most recent run ends and returns its terminal
// error: nil when the run completed, suspended on an interrupt or was
// cancelled.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.last
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any in-flight run, waits for it to unwind and releases the
// session. Later calls to Submit and Resume fail with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	s.Cancel()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.last
	s.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.subMu.Lock()
	s.subs = make(map[*subscription]func())
	s.subMu.Unlock()
	return s.storeSub.Close()
}

// View returns the rendering snapshot for the current transcript and
// session state. Snapshots are shared and must not be mutated.
func (s *Session) View() *view.Snapshot {
	s.mu.Lock()
	key := view.Key{Transcript: s.store.Version(), State: s.stateVersion}
	sig := s.ctrl.Signal()
	decisions := make(correlate.Decisions, len(s.decisions))
	for k, v := range s.decisions {
		decisions[k] = v
	}
	loading := s.active != nil
	s.mu.Unlock()
	return s.builder.Build(context.Background(), key, func() view.Input {
		return view.Input{Messages: s.store.All(), Signal: sig, Decisions: decisions, Loading: loading}
	})
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []message.Message {
	return s.store.All()
}

// State returns the interrupt controller state.
func (s *Session) State() interrupt.State {
	return s.ctrl.State()
}

// Interrupt returns a copy of the live interrupt, or nil.
func (s *Session) Interrupt() interrupt.Signal {
	return s.ctrl.Signal()
}

// IsLoading reports whether a run is in flight. A live interrupt is not a
// loading state.
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Err returns the terminal error of the most recent run, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ReplaceMessage swaps the transcript message stored under id. It serves
// transcript compression and never starts a run.
func (s *Session) ReplaceMessage(id string, msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.store.ReplaceByID(id, msg)
}

// Subscribe registers fn to be called after every transcript or state
// change. fn runs synchronously in the goroutine making the change. It may
// call View but must not call Cancel or Close.
func (s *Session) Subscribe(fn func()) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("subscriber is required")
	}
	sub := &subscription{session: s}
	s.subMu.Lock()
	s.subs[sub] = fn
	s.subMu.Unlock()
	return sub, nil
}

// Close removes the subscription.
func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.session.subMu.Lock()
		delete(sub.session.subs, sub)
		sub.session.subMu.Unlock()
	})
	return nil
}

func (s *Session) notify() {
	s.subMu.RLock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) acceptLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.active != nil {
		return ErrBusy
	}
	return nil
}

// recordDecisions remembers the operator's answer per call id so the view
// shows approved or rejected until results arrive. Calls matched
// structurally are resolved against the transcript.
func (s *Session) recordDecisions(res interrupt.Resolution) {
	for _, id := range res.Approved {
		s.decisions[id] = true
	}
	for _, id := range res.Rejected {
		s.decisions[id] = false
	}
	var approved bool
	switch d := res.Decision.(type) {
	case interrupt.ToolDecision:
		approved = d.Approved
	case interrupt.SOPDecision:
		approved = d.Approved
	default:
		return
	}
	corr := correlate.Correlate(s.store.All(), res.Signal, nil)
	for _, id := range correlate.PendingCallIDs(corr) {
		s.decisions[id] = approved
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
