// Package mongo provides the MongoDB-backed session archive.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/inquestlabs/inquest/runtime/events"
	"github.com/inquestlabs/inquest/runtime/session"
)

const (
	defaultCollection = "sessions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "archive-mongo"
)

// Options configures the Mongo archive.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements session.Archive over MongoDB. It is also a health.Pinger
// for the /healthz checker.
type Store struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

var _ session.Archive = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, coll, timeout), nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Get returns the archived session, or session.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (session.Record, error) {
	if id == "" {
		return session.Record{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, bson.M{"session_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, err
	}
	return doc.toRecord(), nil
}

// List returns archived sessions, optionally filtered by scenario, newest
// first.
func (s *Store) List(ctx context.Context, scenario string) ([]session.Record, error) {
	filter := bson.M{}
	if scenario != "" {
		filter["scenario"] = scenario
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.sessions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.Record
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Put inserts or replaces the full session state.
func (s *Store) Put(ctx context.Context, rec session.Record) error {
	if rec.ID == "" {
		return errors.New("session id is required")
	}
	doc := fromRecord(rec)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": rec.ID}
	update := bson.M{"$set": doc}
	_, err := s.sessions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Delete removes the archived session. Returns session.ErrNotFound when the
// id is unknown.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.sessions.DeleteOne(ctx, bson.M{"session_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type (
	sessionDocument struct {
		SessionID       string            `bson:"session_id"`
		Scenario        string            `bson:"scenario"`
		Input           string            `bson:"input_text"`
		Status          string            `bson:"status"`
		CreatedAt       time.Time         `bson:"created_at"`
		UpdatedAt       time.Time         `bson:"updated_at"`
		TurnCount       int               `bson:"turn_count"`
		CancelRequested bool              `bson:"cancel_requested"`
		Events          []eventDocument   `bson:"events,omitempty"`
		Thread          []messageDocument `bson:"thread,omitempty"`
	}

	eventDocument struct {
		Index     int       `bson:"index"`
		Type      string    `bson:"type"`
		Timestamp time.Time `bson:"timestamp"`
		Payload   any       `bson:"payload,omitempty"`
	}

	messageDocument struct {
		Role      string    `bson:"role"`
		Text      string    `bson:"text"`
		Turn      int       `bson:"turn"`
		Timestamp time.Time `bson:"timestamp"`
	}
)

func fromRecord(rec session.Record) sessionDocument {
	doc := sessionDocument{
		SessionID:       rec.ID,
		Scenario:        rec.Scenario,
		Input:           rec.Input,
		Status:          string(rec.Status),
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
		TurnCount:       rec.TurnCount,
		CancelRequested: rec.CancelRequested,
	}
	for _, evt := range rec.Events {
		doc.Events = append(doc.Events, eventDocument{
			Index:     evt.Index,
			Type:      string(evt.Type),
			Timestamp: evt.Timestamp.UTC(),
			Payload:   evt.Payload,
		})
	}
	for _, msg := range rec.Thread {
		doc.Thread = append(doc.Thread, messageDocument{
			Role:      string(msg.Role),
			Text:      msg.Text,
			Turn:      msg.Turn,
			Timestamp: msg.Timestamp.UTC(),
		})
	}
	return doc
}

func (doc sessionDocument) toRecord() session.Record {
	rec := session.Record{
		ID:              doc.SessionID,
		Scenario:        doc.Scenario,
		Input:           doc.Input,
		Status:          session.Status(doc.Status),
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
		TurnCount:       doc.TurnCount,
		CancelRequested: doc.CancelRequested,
	}
	for _, evt := range doc.Events {
		rec.Events = append(rec.Events, events.Event{
			Index:     evt.Index,
			Type:      events.Type(evt.Type),
			Timestamp: evt.Timestamp.UTC(),
			Payload:   evt.Payload,
		})
	}
	for _, msg := range doc.Thread {
		rec.Thread = append(rec.Thread, session.Message{
			Role:      session.Role(msg.Role),
			Text:      msg.Text,
			Turn:      msg.Turn,
			Timestamp: msg.Timestamp.UTC(),
		})
	}
	return rec
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	scenarioIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "scenario", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, scenarioIndex); err != nil {
		return err
	}
	return nil
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:    mongoClient,
		sessions: coll,
		timeout:  timeout,
	}
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
