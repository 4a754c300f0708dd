// Package transcript provides the append-only, ordered message log of a
// single conversation thread. The Store is the ground truth every derived
// view (rounds, tool-call records) is computed from.
//
// Mutations are limited to appending, extending a streamed message through
// Merge until it is sealed, and replacing a message by id for the compression
// collaborator. Subscribers are told the new version after every mutation;
// they recompute lazily and never receive the messages themselves.
package transcript

import (
	"errors"
	"sync"

	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/message"
)

var (
	// ErrMessageNotFound indicates no message with the given id exists.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateID indicates a message with the same id is already stored.
	ErrDuplicateID = errors.New("duplicate message id")
)

type (
	// Store is an ordered message log. It is safe for concurrent use but is
	// owned by exactly one conversation session.
	Store struct {
		mu       sync.RWMutex
		messages []message.Message
		index    map[string]int
		sealed   map[string]struct{}
		version  uint64
		// humans counts human messages; calls counts the ai messages
		// requesting each tool call id.
		humans int
		calls  map[string]int

		subMu sync.RWMutex
		subs  map[*subscription]func(version uint64)
	}

	// Delta is a full or partial message streamed by the backend. Final marks
	// the delta as terminal for its id: it replaces the body and seals it.
	Delta struct {
		Message message.Message
		Final   bool
	}

	// MergeResult describes the effect of a Merge.
	MergeResult struct {
		// Appended reports whether the delta opened a new message.
		Appended bool
		// Position is the transcript index of the merged message.
		Position int
		// Message is a copy of the message after the merge.
		Message message.Message
	}

	// Subscription is an active Store subscription. Close is idempotent.
	Subscription interface {
		Close() error
	}

	subscription struct {
		store *Store
		once  sync.Once
	}
)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		index:  make(map[string]int),
		sealed: make(map[string]struct{}),
		calls:  make(map[string]int),
		subs:   make(map[*subscription]func(uint64)),
	}
}

// Append adds msg at the end of the transcript.
func (s *Store) Append(msg message.Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	s.mu.Lock()
	if _, ok := s.index[msg.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicateID
	}
	s.appendLocked(message.Clone(msg))
	v := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v)
	return nil
}

// Merge applies a streamed delta. A delta for an unknown id appends a new
// message. A non-terminal delta for a known id concatenates its content and
// merges tool calls by call id. A terminal delta replaces the body and seals
// the id; later deltas for a sealed id are protocol violations.
func (s *Store) Merge(d Delta) (MergeResult, error) {
	if d.Message.ID == "" {
		return MergeResult{}, chaterrors.Violation(chaterrors.ReasonMalformedEvent, "message delta without id")
	}
	s.mu.Lock()
	pos, exists := s.index[d.Message.ID]
	if !exists {
		s.appendLocked(message.Clone(d.Message))
		pos = len(s.messages) - 1
		if d.Final {
			s.sealed[d.Message.ID] = struct{}{}
		}
		res := MergeResult{Appended: true, Position: pos, Message: message.Clone(s.messages[pos])}
		v := s.bumpLocked()
		s.mu.Unlock()
		s.notify(v)
		return res, nil
	}
	if _, ok := s.sealed[d.Message.ID]; ok {
		s.mu.Unlock()
		return MergeResult{}, chaterrors.Violation(chaterrors.ReasonSealedMessage, "message %q already finalized", d.Message.ID)
	}
	current := s.messages[pos]
	if d.Message.Role != "" && d.Message.Role != current.Role {
		s.mu.Unlock()
		return MergeResult{}, chaterrors.Violation(chaterrors.ReasonMalformedEvent,
			"message %q changed role from %s to %s", d.Message.ID, current.Role, d.Message.Role)
	}
	s.untrackLocked(current)
	if d.Final {
		replaced := message.Clone(d.Message)
		replaced.Role = current.Role
		s.messages[pos] = replaced
		s.sealed[d.Message.ID] = struct{}{}
	} else {
		s.messages[pos] = extend(current, d.Message)
	}
	s.trackLocked(s.messages[pos])
	res := MergeResult{Position: pos, Message: message.Clone(s.messages[pos])}
	v := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v)
	return res, nil
}

// ReplaceByID swaps the message stored under id for msg, keeping its
// position. msg may carry a different id (for example when a locally
// materialized message is confirmed by the backend); the new id must not
// belong to another message.
func (s *Store) ReplaceByID(id string, msg message.Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if other, taken := s.index[msg.ID]; taken && other != pos {
		s.mu.Unlock()
		return ErrDuplicateID
	}
	if msg.ID != id {
		delete(s.index, id)
		if _, sealed := s.sealed[id]; sealed {
			delete(s.sealed, id)
			s.sealed[msg.ID] = struct{}{}
		}
		s.index[msg.ID] = pos
	}
	s.untrackLocked(s.messages[pos])
	s.messages[pos] = message.Clone(msg)
	s.trackLocked(s.messages[pos])
	v := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v)
	return nil
}

// Clear removes every message.
func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.index = make(map[string]int)
	s.sealed = make(map[string]struct{})
	s.humans = 0
	s.calls = make(map[string]int)
	v := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v)
}

// All returns a deep copy of the transcript in order.
func (s *Store) All() []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return message.CloneMessages(s.messages)
}

// Snapshot returns a deep copy of the transcript together with the version
// it was taken at.
func (s *Store) Snapshot() ([]message.Message, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return message.CloneMessages(s.messages), s.version
}

// Get returns a copy of the message stored under id.
func (s *Store) Get(id string) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return message.Message{}, false
	}
	return message.Clone(s.messages[pos]), true
}

// Index returns the transcript position of id, or -1.
func (s *Store) Index(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.index[id]; ok {
		return pos
	}
	return -1
}

// Contains reports whether any stored message satisfies pred. pred sees the
// stored value and must not retain or mutate it.
func (s *Store) Contains(pred func(message.Message) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if pred(m) {
			return true
		}
	}
	return false
}

// HasHuman reports whether the transcript holds at least one human message.
func (s *Store) HasHuman() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.humans > 0
}

// RequestsCall reports whether an ai message in the transcript requests the
// tool call callID.
func (s *Store) RequestsCall(callID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[callID] > 0
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Version returns a counter incremented by every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers fn to be called with the new version after every
// mutation. fn runs synchronously in the mutating goroutine and must not
// mutate the store.
func (s *Store) Subscribe(fn func(version uint64)) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("subscriber is required")
	}
	sub := &subscription{store: s}
	s.subMu.Lock()
	s.subs[sub] = fn
	s.subMu.Unlock()
	return sub, nil
}

// Close removes the subscription from its store.
func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.subMu.Lock()
		delete(sub.store.subs, sub)
		sub.store.subMu.Unlock()
	})
	return nil
}

func (s *Store) appendLocked(msg message.Message) {
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.trackLocked(msg)
}

func (s *Store) trackLocked(msg message.Message) {
	s.countLocked(msg, 1)
}

func (s *Store) untrackLocked(msg message.Message) {
	s.countLocked(msg, -1)
}

func (s *Store) countLocked(msg message.Message, n int) {
	switch msg.Role {
	case message.RoleHuman:
		s.humans += n
	case message.RoleAI:
		for _, tc := range msg.ToolCalls {
			if c := s.calls[tc.CallID] + n; c > 0 {
				s.calls[tc.CallID] = c
			} else {
				delete(s.calls, tc.CallID)
			}
		}
	}
}

func (s *Store) bumpLocked() uint64 {
	s.version++
	return s.version
}

func (s *Store) notify(version uint64) {
	s.subMu.RLock()
	fns := make([]func(uint64), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(version)
	}
}

// extend folds a non-terminal delta into current.
func extend(current, delta message.Message) message.Message {
	out := message.Clone(current)
	out.Content = out.Content.Concat(delta.Content)
	if out.ToolCallID == "" {
		out.ToolCallID = delta.ToolCallID
	}
	for _, tc := range delta.ToolCalls {
		merged := false
		for i := range out.ToolCalls {
			if out.ToolCalls[i].CallID != tc.CallID {
				continue
			}
			if tc.Name != "" {
				out.ToolCalls[i].Name = tc.Name
			}
			if tc.Args != nil {
				out.ToolCalls[i].Args = message.CloneArgs(tc.Args)
			}
			merged = true
			break
		}
		if !merged {
			out.ToolCalls = append(out.ToolCalls, message.CloneToolCall(tc))
		}
	}
	return out
}
