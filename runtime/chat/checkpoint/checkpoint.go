// Package checkpoint defines persistence of conversation transcripts so a
// session can be hydrated again under the same thread id.
package checkpoint

import (
	"context"
	"errors"

	"goa.design/agentchat/runtime/chat/message"
)

// ErrNotFound indicates no checkpoint exists for the thread.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists transcripts by thread id.
//
// Save replaces any previous checkpoint of the thread. Load returns
// ErrNotFound when the thread has never been saved. Delete is idempotent.
type Store interface {
	Save(ctx context.Context, threadID string, messages []message.Message) error
	Load(ctx context.Context, threadID string) ([]message.Message, error)
	Delete(ctx context.Context, threadID string) error
}

// ValidateThreadID rejects empty thread ids.
func ValidateThreadID(threadID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	return nil
}
