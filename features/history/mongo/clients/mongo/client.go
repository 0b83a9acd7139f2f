// Package mongo implements the low-level MongoDB client used by the history
// store.
//
// Records live in one collection keyed by session, generation and sequence
// number. A second collection holds one head document per session carrying
// the current generation and the next sequence number. Compaction writes the
// new generation in full, then moves the head to it with a compare-and-swap;
// readers only ever see the generation the head points to.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/goa-transcript/runtime/model"
)

type (
	// Client exposes Mongo-backed session history operations.
	Client interface {
		health.Pinger

		// Append adds records to the current generation of session.
		Append(ctx context.Context, session string, records []model.Record) error
		// Load returns the current generation of session and its records.
		Load(ctx context.Context, session string) (int, []model.Record, error)
		// Compact installs records as the next generation of session.
		Compact(ctx context.Context, session string, records []model.Record) (int, error)
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
		records recordCollection
		heads   headCollection
		timeout time.Duration
	}

	recordDocument struct {
		SessionID  string    `bson:"session_id"`
		Generation int64     `bson:"generation"`
		Seq        int64     `bson:"seq"`
		Speaker    string    `bson:"speaker"`
		Payload    []byte    `bson:"payload"`
		CreatedAt  time.Time `bson:"created_at"`
	}

	headDocument struct {
		SessionID  string `bson:"_id"`
		Generation int64  `bson:"generation"`
		NextSeq    int64  `bson:"next_seq"`
	}

	recordCollection interface {
		insert(ctx context.Context, docs []recordDocument) error
		find(ctx context.Context, session string, generation int64) ([]recordDocument, error)
		deleteGeneration(ctx context.Context, session string, generation int64) error
		deleteBefore(ctx context.Context, session string, generation int64) error
	}

	headCollection interface {
		get(ctx context.Context, session string) (headDocument, error)
		reserve(ctx context.Context, session string, n int64) (headDocument, error)
		advance(ctx context.Context, session string, from int64) (bool, error)
	}
)

const (
	defaultCollection = "history"
	headsSuffix       = "_heads"
	defaultTimeout    = 5 * time.Second
	clientName        = "history-mongo"
)

// ErrConflict is returned by Compact when another writer moved the session
// to a new generation first.
var ErrConflict = errors.New("history mongo: generation conflict")

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
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
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	records := mongoRecords{coll: db.Collection(name)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := records.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure history indexes: %w", err)
	}
	return newClient(opts.Client, records, mongoHeads{coll: db.Collection(name + headsSuffix)}, timeout), nil
}

func newClient(m *mongodriver.Client, records recordCollection, heads headCollection, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: m, records: records, heads: heads, timeout: timeout}
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, session string, records []model.Record) error {
	if session == "" {
		return errors.New("session id is required")
	}
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	head, err := c.heads.reserve(ctx, session, int64(len(records)))
	if err != nil {
		return fmt.Errorf("reserve sequence: %w", err)
	}
	docs, err := encode(session, head.Generation, head.NextSeq-int64(len(records)), records)
	if err != nil {
		return err
	}
	return c.records.insert(ctx, docs)
}

func (c *client) Load(ctx context.Context, session string) (int, []model.Record, error) {
	if session == "" {
		return 0, nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	head, err := c.heads.get(ctx, session)
	if err != nil {
		return 0, nil, fmt.Errorf("load head: %w", err)
	}
	docs, err := c.records.find(ctx, session, head.Generation)
	if err != nil {
		return 0, nil, fmt.Errorf("load records: %w", err)
	}
	out := make([]model.Record, 0, len(docs))
	for _, d := range docs {
		var r model.Record
		if err := json.Unmarshal(d.Payload, &r); err != nil {
			return 0, nil, fmt.Errorf("decode record %d: %w", d.Seq, err)
		}
		out = append(out, r)
	}
	return int(head.Generation), out, nil
}

func (c *client) Compact(ctx context.Context, session string, records []model.Record) (int, error) {
	if session == "" {
		return 0, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	head, err := c.heads.reserve(ctx, session, int64(len(records)))
	if err != nil {
		return 0, fmt.Errorf("reserve sequence: %w", err)
	}
	next := head.Generation + 1
	docs, err := encode(session, next, head.NextSeq-int64(len(records)), records)
	if err != nil {
		return 0, err
	}
	if err := c.records.insert(ctx, docs); err != nil {
		return 0, err
	}
	ok, err := c.heads.advance(ctx, session, head.Generation)
	if err != nil || !ok {
		_ = c.records.deleteGeneration(ctx, session, next)
		if err != nil {
			return 0, fmt.Errorf("advance generation: %w", err)
		}
		return 0, ErrConflict
	}
	// Older generations are unreachable once the head moved.
	_ = c.records.deleteBefore(ctx, session, next)
	return int(next), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func encode(session string, generation, first int64, records []model.Record) ([]recordDocument, error) {
	now := time.Now().UTC()
	docs := make([]recordDocument, len(records))
	for i, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		docs[i] = recordDocument{
			SessionID:  session,
			Generation: generation,
			Seq:        first + int64(i),
			Speaker:    string(r.Speaker),
			Payload:    b,
			CreatedAt:  now,
		}
	}
	return docs, nil
}

type mongoRecords struct {
	coll *mongodriver.Collection
}

func (r mongoRecords) ensureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "generation", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r mongoRecords) insert(ctx context.Context, docs []recordDocument) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := r.coll.InsertMany(ctx, docs)
	return err
}

func (r mongoRecords) find(ctx context.Context, session string, generation int64) (docs []recordDocument, err error) {
	cur, err := r.coll.Find(ctx,
		bson.M{"session_id": session, "generation": generation},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (r mongoRecords) deleteGeneration(ctx context.Context, session string, generation int64) error {
	_, err := r.coll.DeleteMany(ctx, bson.M{"session_id": session, "generation": generation})
	return err
}

func (r mongoRecords) deleteBefore(ctx context.Context, session string, generation int64) error {
	_, err := r.coll.DeleteMany(ctx, bson.M{"session_id": session, "generation": bson.M{"$lt": generation}})
	return err
}

type mongoHeads struct {
	coll *mongodriver.Collection
}

func (h mongoHeads) get(ctx context.Context, session string) (headDocument, error) {
	var head headDocument
	err := h.coll.FindOne(ctx, bson.M{"_id": session}).Decode(&head)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return headDocument{SessionID: session}, nil
	}
	return head, err
}

func (h mongoHeads) reserve(ctx context.Context, session string, n int64) (headDocument, error) {
	var head headDocument
	err := h.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": session},
		bson.M{
			"$inc":         bson.M{"next_seq": n},
			"$setOnInsert": bson.M{"generation": int64(0)},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&head)
	return head, err
}

func (h mongoHeads) advance(ctx context.Context, session string, from int64) (bool, error) {
	res, err := h.coll.UpdateOne(ctx,
		bson.M{"_id": session, "generation": from},
		bson.M{"$set": bson.M{"generation": from + 1}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}
