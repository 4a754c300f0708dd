// Package inmem provides an in-memory implementation of checkpoint.Store.
//
// It is intended for tests and local development. Durable deployments use
// features/checkpoint/mongo or features/checkpoint/gormstore.
package inmem

import (
	"context"
	"sync"

	"goa.design/agentchat/runtime/chat/checkpoint"
	"goa.design/agentchat/runtime/chat/message"
)

// Store is an in-memory implementation of checkpoint.Store. It is safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]message.Message
}

// New returns an empty Store.
func New() *Store {
	return &Store{threads: make(map[string][]message.Message)}
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, threadID string, messages []message.Message) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	cp := message.CloneMessages(messages)
	if cp == nil {
		cp = []message.Message{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = cp
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(_ context.Context, threadID string) ([]message.Message, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.threads[threadID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return message.CloneMessages(msgs), nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(_ context.Context, threadID string) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
