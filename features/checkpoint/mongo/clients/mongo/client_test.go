package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/agentchat/runtime/chat/message"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.True(t, fc.indexCreated)
}

func TestSaveAndLoadThread(t *testing.T) {
	client := mustNewTestClient()
	msgs := []message.Message{
		{ID: "h1", Role: message.RoleHuman, Content: message.Text("disk full on 10.0.0.1")},
		{ID: "a1", Role: message.RoleAI, ToolCalls: []message.ToolCall{
			{CallID: "c1", Name: "check_disk", Args: map[string]any{"ip": "10.0.0.1", "depth": 2.0}},
			{CallID: "c2", Name: "uptime"},
		}},
		{ID: "t1", Role: message.RoleTool, ToolCallID: "c1", Content: message.Structured(json.RawMessage(`{"used":97}`))},
	}
	require.NoError(t, client.SaveThread(context.Background(), "thread-1", msgs))

	got, err := client.LoadThread(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "disk full on 10.0.0.1", got[0].Content.Text())
	require.Equal(t, msgs[1].ToolCalls, got[1].ToolCalls)
	require.True(t, got[2].Content.IsStructured())
	require.JSONEq(t, `{"used":97}`, got[2].Content.String())
	require.Equal(t, "c1", got[2].ToolCallID)
}

func TestSaveReplacesThread(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	require.NoError(t, client.SaveThread(ctx, "t", []message.Message{{ID: "h1", Role: message.RoleHuman, Content: message.Text("a")}}))
	require.NoError(t, client.SaveThread(ctx, "t", []message.Message{{ID: "h2", Role: message.RoleHuman, Content: message.Text("b")}}))
	got, err := client.LoadThread(ctx, "t")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "h2", got[0].ID)
}

func TestLoadMissingAndDelete(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	_, err := client.LoadThread(ctx, "missing")
	require.ErrorIs(t, err, ErrThreadNotFound)

	require.NoError(t, client.SaveThread(ctx, "t", nil))
	got, err := client.LoadThread(ctx, "t")
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, client.DeleteThread(ctx, "t"))
	require.NoError(t, client.DeleteThread(ctx, "t"))
	_, err = client.LoadThread(ctx, "t")
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestRequiresThreadID(t *testing.T) {
	client := mustNewTestClient()
	require.EqualError(t, client.SaveThread(context.Background(), "", nil), "thread id is required")
	_, err := client.LoadThread(context.Background(), "")
	require.EqualError(t, err, "thread id is required")
	require.EqualError(t, client.DeleteThread(context.Background(), ""), "thread id is required")
	require.Error(t, client.Ping(context.Background()))
	require.Equal(t, "checkpoint-mongo", client.Name())
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// fakeCollection mimics the subset of MongoDB behavior exercised by the
// client.
type fakeCollection struct {
	mu           sync.Mutex
	indexCreated bool
	docs         map[string]threadDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]threadDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[threadKey(filter)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	doc.Messages = append([]messageDocument(nil), doc.Messages...)
	return fakeSingleResult{doc: &doc}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any, _ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	up, _ := update.(bson.M)
	set, _ := up["$set"].(bson.M)
	doc := threadDocument{ThreadID: threadKey(filter)}
	if msgs, ok := set["messages"].([]messageDocument); ok {
		doc.Messages = append([]messageDocument(nil), msgs...)
	}
	if ts, ok := set["updated_at"].(time.Time); ok {
		doc.UpdatedAt = ts
	}
	c.docs[doc.ThreadID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := threadKey(filter)
	if _, ok := c.docs[key]; !ok {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(c.docs, key)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.mu.Lock()
	v.parent.indexCreated = true
	v.parent.mu.Unlock()
	return "idx_thread", nil
}

type fakeSingleResult struct {
	doc *threadDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	dest, ok := val.(*threadDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = *r.doc
	return nil
}

func threadKey(filter any) string {
	f, _ := filter.(bson.M)
	id, _ := f["thread_id"].(string)
	return id
}
