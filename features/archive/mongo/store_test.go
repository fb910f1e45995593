package mongo

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/inquestlabs/inquest/runtime/events"
	"github.com/inquestlabs/inquest/runtime/session"
)

// fakeCollection implements the collection seam over a plain map so the
// store logic is exercised without a MongoDB instance.
type fakeCollection struct {
	docs map[string]sessionDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]sessionDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	id, _ := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	scenario, _ := filter.(bson.M)["scenario"].(string)
	var docs []sessionDocument
	for _, doc := range c.docs {
		if scenario == "" || doc.Scenario == scenario {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	id, _ := filter.(bson.M)["session_id"].(string)
	doc := update.(bson.M)["$set"].(sessionDocument)
	_, existed := c.docs[id]
	c.docs[id] = doc
	res := &mongodriver.UpdateResult{MatchedCount: 1}
	if !existed {
		res.MatchedCount = 0
		res.UpsertedCount = 1
	}
	return res, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	id, _ := filter.(bson.M)["session_id"].(string)
	if _, ok := c.docs[id]; !ok {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(c.docs, id)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeSingleResult struct {
	doc sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*sessionDocument) = r.doc
	return nil
}

type fakeCursor struct {
	docs []sessionDocument
	pos  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }
func (c *fakeCursor) Err() error                  { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	*val.(*sessionDocument) = c.docs[c.pos-1]
	return nil
}

func testRecord(id, scenario string, createdAt time.Time) session.Record {
	return session.Record{
		ID:        id,
		Scenario:  scenario,
		Input:     "suspicious logins",
		Status:    session.StatusCompleted,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		TurnCount: 1,
		Events: []events.Event{
			{Index: 0, Type: events.TypeStatusChange, Timestamp: createdAt, Payload: events.StatusChange{Status: "in_progress"}},
			{Index: 1, Type: events.TypeDone, Timestamp: createdAt},
		},
		Thread: []session.Message{
			{Role: session.RoleUser, Text: "suspicious logins", Turn: 1, Timestamp: createdAt},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	coll := newFakeCollection()
	store := newStoreWithCollection(nil, coll, time.Second)
	ctx := context.Background()

	rec := testRecord("s1", "lateral-movement", time.Now().UTC())
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Status, got.Status)
	require.Len(t, got.Events, 2)
	require.Equal(t, events.TypeDone, got.Events[1].Type)
	require.Len(t, got.Thread, 1)
	require.Equal(t, session.RoleUser, got.Thread[0].Role)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newStoreWithCollection(nil, newFakeCollection(), time.Second)
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestPutRequiresID(t *testing.T) {
	store := newStoreWithCollection(nil, newFakeCollection(), time.Second)
	require.Error(t, store.Put(context.Background(), session.Record{}))
}

func TestListFiltersByScenario(t *testing.T) {
	coll := newFakeCollection()
	store := newStoreWithCollection(nil, coll, time.Second)
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, store.Put(ctx, testRecord("old", "exfil", base.Add(-time.Hour))))
	require.NoError(t, store.Put(ctx, testRecord("new", "exfil", base)))
	require.NoError(t, store.Put(ctx, testRecord("other", "lateral-movement", base)))

	recs, err := store.List(ctx, "exfil")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "new", recs[0].ID)
	require.Equal(t, "old", recs[1].ID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDeleteReportsMissing(t *testing.T) {
	coll := newFakeCollection()
	store := newStoreWithCollection(nil, coll, time.Second)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testRecord("s1", "exfil", time.Now().UTC())))

	require.NoError(t, store.Delete(ctx, "s1"))
	require.ErrorIs(t, store.Delete(ctx, "s1"), session.ErrNotFound)
}
