package session

import (
	"context"

	"goa.design/agentchat/runtime/chat/chaterrors"
	"goa.design/agentchat/runtime/chat/message"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/transcript"
)

// ingest applies a message delta to the transcript. The returned error is
// a protocol violation; the delta has not been applied.
func (s *Session) ingest(ctx context.Context, d stream.MessageDelta) error {
	msg := d.Message
	existing, known := s.store.Get(msg.ID)
	if known && existing.Role == message.RoleHuman {
		// Human turns are never streamed: a delta for a known human id is
		// the backend echo of the whole message.
		if msg.Role == "" {
			msg.Role = message.RoleHuman
		}
		if msg.Role != message.RoleHuman {
			return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%s message %q reuses a human message id", msg.Role, msg.ID)
		}
		if err := msg.Validate(); err != nil {
			return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%v", err)
		}
		s.clearPendingHuman(msg.ID)
		return replaceErr(s.store.ReplaceByID(msg.ID, msg))
	}
	if !known {
		if err := msg.Validate(); err != nil {
			return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "%v", err)
		}
		switch msg.Role {
		case message.RoleHuman:
			if local, ok := s.pendingEcho(msg); ok {
				s.tel.Logger.Debug(ctx, "reconciled local human message", "thread_id", s.threadID, "local_id", local, "message_id", msg.ID)
				return replaceErr(s.store.ReplaceByID(local, msg))
			}
		default:
			if !s.store.HasHuman() {
				return chaterrors.Violation(chaterrors.ReasonMessageBeforeHuman, "%s message %q precedes any human message", msg.Role, msg.ID)
			}
			if msg.Role == message.RoleTool && !s.store.RequestsCall(msg.ToolCallID) {
				return chaterrors.Violation(chaterrors.ReasonUnknownCallID, "tool message %q answers unknown call %q", msg.ID, msg.ToolCallID)
			}
		}
	}
	_, err := s.store.Merge(transcript.Delta{Message: msg, Final: d.Final})
	return err
}

// pendingEcho returns the id of the local human message msg confirms. Only
// a human message with the same content as the pending local one is an
// echo; any other human message is appended as a new turn.
func (s *Session) pendingEcho(msg message.Message) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	local := s.pendingHuman
	if local == "" {
		return "", false
	}
	stored, ok := s.store.Get(local)
	if !ok || !stored.Content.Equal(msg.Content) {
		return "", false
	}
	s.pendingHuman = ""
	return local, true
}

func (s *Session) clearPendingHuman(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingHuman == id {
		s.pendingHuman = ""
	}
}

func replaceErr(err error) error {
	if err == nil {
		return nil
	}
	return chaterrors.Violation(chaterrors.ReasonMalformedEvent, "replace message: %v", err)
}
