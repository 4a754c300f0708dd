// Package mongo implements the low-level MongoDB client used by the
// checkpoint store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentchat/runtime/chat/message"
)

const (
	defaultCollection = "chat_checkpoints"
	defaultTimeout    = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

// ErrThreadNotFound is returned by LoadThread for unknown threads.
var ErrThreadNotFound = errors.New("thread not found")

type (
	// Client exposes Mongo-backed operations for thread checkpoints.
	Client interface {
		health.Pinger

		SaveThread(ctx context.Context, threadID string, messages []message.Message) error
		LoadThread(ctx context.Context, threadID string) ([]message.Message, error)
		DeleteThread(ctx context.Context, threadID string) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	threadDocument struct {
		ThreadID  string            `bson:"thread_id"`
		Messages  []messageDocument `bson:"messages"`
		UpdatedAt time.Time         `bson:"updated_at,omitempty"`
	}

	// messageDocument keeps content and tool arguments as JSON text so
	// structured values round-trip with their JSON types.
	messageDocument struct {
		ID         string             `bson:"id"`
		Role       string             `bson:"role"`
		Content    string             `bson:"content"`
		ToolCalls  []toolCallDocument `bson:"tool_calls,omitempty"`
		ToolCallID string             `bson:"tool_call_id,omitempty"`
	}

	toolCallDocument struct {
		CallID string `bson:"call_id"`
		Name   string `bson:"name"`
		Args   string `bson:"args,omitempty"`
	}
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveThread(ctx context.Context, threadID string, messages []message.Message) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	docs, err := toMessageDocuments(messages)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"thread_id": threadID}
	update := bson.M{
		"$set": bson.M{
			"thread_id":  threadID,
			"messages":   docs,
			"updated_at": time.Now().UTC(),
		},
	}
	_, err = c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadThread(ctx context.Context, threadID string) ([]message.Message, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc threadDocument
	if err := c.coll.FindOne(ctx, bson.M{"thread_id": threadID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return fromMessageDocuments(doc.Messages)
}

func (c *client) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.DeleteOne(ctx, bson.M{"thread_id": threadID})
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func toMessageDocuments(msgs []message.Message) ([]messageDocument, error) {
	docs := make([]messageDocument, len(msgs))
	for i, m := range msgs {
		doc := messageDocument{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    string(m.Content.Raw()),
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			tcd := toolCallDocument{CallID: tc.CallID, Name: tc.Name}
			if tc.Args != nil {
				raw, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("encode args of call %q: %w", tc.CallID, err)
				}
				tcd.Args = string(raw)
			}
			doc.ToolCalls = append(doc.ToolCalls, tcd)
		}
		docs[i] = doc
	}
	return docs, nil
}

func fromMessageDocuments(docs []messageDocument) ([]message.Message, error) {
	msgs := make([]message.Message, len(docs))
	for i, doc := range docs {
		m := message.Message{
			ID:         doc.ID,
			Role:       message.Role(doc.Role),
			ToolCallID: doc.ToolCallID,
		}
		if doc.Content != "" {
			m.Content = message.Structured(json.RawMessage(doc.Content))
		}
		for _, tcd := range doc.ToolCalls {
			tc := message.ToolCall{CallID: tcd.CallID, Name: tcd.Name}
			if tcd.Args != "" {
				if err := json.Unmarshal([]byte(tcd.Args), &tc.Args); err != nil {
					return nil, fmt.Errorf("decode args of call %q: %w", tcd.CallID, err)
				}
			}
			m.ToolCalls = append(m.ToolCalls, tc)
		}
		msgs[i] = m
	}
	return msgs, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
