package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentchat/features/checkpoint/mongo/clients/mongo"
	"goa.design/agentchat/runtime/chat/checkpoint"
	"goa.design/agentchat/runtime/chat/message"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements checkpoint.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ checkpoint.Store = (*Store)(nil)

// NewStore builds a Mongo-backed checkpoint store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo instantiates the underlying client using the given
// options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, threadID string, messages []message.Message) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	return s.client.SaveThread(ctx, threadID, messages)
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, threadID string) ([]message.Message, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	msgs, err := s.client.LoadThread(ctx, threadID)
	if errors.Is(err, clientsmongo.ErrThreadNotFound) {
		return nil, checkpoint.ErrNotFound
	}
	return msgs, err
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	return s.client.DeleteThread(ctx, threadID)
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
