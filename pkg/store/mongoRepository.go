package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

const dbSystemMongo = "mongodb"

var _ Store = (*MongoRepository)(nil)

// MongoRepository keeps each table as a collection. Transitions run in a
// multi-document transaction, so the server must be a replica set.
type MongoRepository struct {
	client *mongo.Client
	now    func() time.Time

	states      *mongo.Collection
	outbox      *mongo.Collection
	idempotency *mongo.Collection
	audit       *mongo.Collection
	locks       *mongo.Collection
	slots       *mongo.Collection
}

func NewMongoRepository(client *mongo.Client, db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		client:      client,
		now:         time.Now,
		states:      db.Collection("fsm_states"),
		outbox:      db.Collection("outbox_entries"),
		idempotency: db.Collection("idempotency_records"),
		audit:       db.Collection("audit_events"),
		locks:       db.Collection("stage_locks"),
		slots:       db.Collection("concurrency_slots"),
	}
}

func (m *MongoRepository) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}

// Migrate creates the indexes. Expired idempotency records are also removed
// by a TTL index.
func (m *MongoRepository) Migrate(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{m.outbox, mongo.IndexModel{Keys: bson.D{{Key: "processed_at", Value: 1}, {Key: "created_at", Value: 1}}}},
		{m.audit, mongo.IndexModel{Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "created_at", Value: -1}}}},
		{m.locks, mongo.IndexModel{Keys: bson.D{{Key: "expires_at", Value: 1}}}},
		{m.idempotency, mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("create index on %s: %w", ix.coll.Name(), err)
		}
	}
	return nil
}

func (m *MongoRepository) ApplyTransition(ctx context.Context, t *Transition) (out *TransitionOutcome, err error) {
	ctx, span := startSpan(ctx, dbSystemMongo, "ApplyTransition")
	defer func() { endSpan(span, err) }()

	sess, err := m.client.StartSession()
	if err != nil {
		return nil, classifyMongo("ApplyTransition", err)
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var current *FSMState
		var st FSMState
		switch err := m.states.FindOne(sc, bson.M{"_id": t.EntityID}).Decode(&st); {
		case err == nil:
			current = &st
		case !errors.Is(err, mongo.ErrNoDocuments):
			return nil, err
		}

		var rec IdempotencyRecord
		err := m.idempotency.FindOne(sc, bson.M{"_id": t.IdempotencyKey, "expires_at": bson.M{"$gt": t.Now}}).Decode(&rec)
		if err == nil {
			result, err := DecodeResult(rec.Result)
			if err != nil {
				return nil, err
			}
			return &TransitionOutcome{Result: result, Replayed: true}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		next, result, err := planTransition(t, current)
		if err != nil {
			return nil, err
		}

		if current == nil {
			if _, err := m.states.InsertOne(sc, next); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, transient("ApplyTransition", err)
				}
				return nil, err
			}
		} else {
			ur, err := m.states.ReplaceOne(sc, bson.M{"_id": t.EntityID, "version": current.Version}, next)
			if err != nil {
				return nil, err
			}
			if ur.MatchedCount == 0 {
				return nil, transient("ApplyTransition", fmt.Errorf("entity %s changed concurrently", t.EntityID))
			}
		}

		if len(t.Entries) > 0 {
			docs := make([]interface{}, 0, len(t.Entries))
			for _, e := range t.Entries {
				entry := e
				entry.CreatedAt = t.Now
				entry.AvailableAt = t.Now.Add(e.Options.Delay)
				docs = append(docs, entry)
			}
			if _, err := m.outbox.InsertMany(sc, docs); err != nil {
				return nil, err
			}
		}

		event := t.Event
		event.CreatedAt = t.Now
		if _, err := m.audit.InsertOne(sc, event); err != nil {
			return nil, err
		}

		idem, err := idempotencyRecordFor(t, result)
		if err != nil {
			return nil, err
		}
		if _, err := m.idempotency.ReplaceOne(sc, bson.M{"_id": idem.Key}, idem, options.Replace().SetUpsert(true)); err != nil {
			return nil, err
		}
		return &TransitionOutcome{Result: result}, nil
	})
	if err != nil {
		return nil, classifyMongo("ApplyTransition", err)
	}
	return res.(*TransitionOutcome), nil
}

func (m *MongoRepository) GetState(ctx context.Context, entityID string) (*FSMState, error) {
	var st FSMState
	if err := m.findOne(ctx, "GetState", m.states, bson.M{"_id": entityID}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *MongoRepository) RequestCancel(ctx context.Context, entityID string) error {
	res, err := m.states.UpdateOne(ctx, bson.M{"_id": entityID},
		bson.M{"$set": bson.M{"cancel_requested": true, "updated_at": m.clock()}})
	if err != nil {
		return classifyMongo("RequestCancel", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FetchPending claims entries one at a time with FindOneAndUpdate, which
// keeps each claim atomic across pollers.
func (m *MongoRepository) FetchPending(ctx context.Context, batchSize int, lease time.Duration) ([]OutboxEntry, error) {
	ctx, span := startSpan(ctx, dbSystemMongo, "FetchPending")
	defer span.End()
	start := time.Now()

	now := m.clock()
	until := now.Add(lease)
	filter := bson.M{
		"processed_at":     nil,
		"dead_lettered_at": nil,
		"available_at":     bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"locked_until": nil},
			bson.M{"locked_until": bson.M{"$lt": now}},
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var events []OutboxEntry
	for len(events) < batchSize {
		var e OutboxEntry
		err := m.outbox.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"locked_until": until}}, opts).Decode(&e)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return events, classifyMongo("FetchPending", err)
		}
		events = append(events, e)
	}
	addDBStatsToSpan(span, "FetchPending", len(events), time.Since(start))
	return events, nil
}

func (m *MongoRepository) MarkProcessed(ctx context.Context, entryID string) (bool, error) {
	res, err := m.outbox.UpdateOne(ctx, bson.M{"_id": entryID, "processed_at": nil},
		bson.M{"$set": bson.M{"processed_at": m.clock()}, "$unset": bson.M{"locked_until": ""}})
	if err != nil {
		return false, classifyMongo("MarkProcessed", err)
	}
	return res.ModifiedCount == 1, nil
}

func (m *MongoRepository) RecordFailure(ctx context.Context, entryID string, errMsg string, retryAt time.Time, deadLetter bool) error {
	now := m.clock()
	set := bson.M{"last_error": errMsg, "last_attempt_at": now, "available_at": retryAt}
	if deadLetter {
		set["dead_lettered_at"] = now
	}
	res, err := m.outbox.UpdateOne(ctx, bson.M{"_id": entryID}, bson.M{
		"$inc":   bson.M{"attempts": 1},
		"$set":   set,
		"$unset": bson.M{"locked_until": ""},
	})
	if err != nil {
		return classifyMongo("RecordFailure", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoRepository) GetEntry(ctx context.Context, entryID string) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := m.findOne(ctx, "GetEntry", m.outbox, bson.M{"_id": entryID}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (m *MongoRepository) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.outbox.DeleteMany(ctx, bson.M{"processed_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, classifyMongo("PurgeProcessed", err)
	}
	return res.DeletedCount, nil
}

func (m *MongoRepository) GetIdempotency(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	filter := bson.M{"_id": key, "expires_at": bson.M{"$gt": now}}
	if err := m.findOne(ctx, "GetIdempotency", m.idempotency, filter, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *MongoRepository) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := m.idempotency.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, classifyMongo("PurgeExpiredIdempotency", err)
	}
	return res.DeletedCount, nil
}

func (m *MongoRepository) LatestEvent(ctx context.Context, entityID string) (*AuditEvent, error) {
	var ev AuditEvent
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if err := m.audit.FindOne(ctx, bson.M{"entity_id": entityID}, opts).Decode(&ev); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, classifyMongo("LatestEvent", err)
	}
	return &ev, nil
}

func (m *MongoRepository) ListEvents(ctx context.Context, entityID string, limit int) ([]AuditEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.audit.Find(ctx, bson.M{"entity_id": entityID}, opts)
	if err != nil {
		return nil, classifyMongo("ListEvents", err)
	}
	var events []AuditEvent
	if err := cur.All(ctx, &events); err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

type mongoLock struct {
	ID   string `bson:"_id"`
	Lock `bson:",inline"`
}

func mongoLockID(entityID string, stage fsm.State) string {
	return entityID + "/" + string(stage)
}

// AcquireLock relies on the unique _id: a live lease makes the insert fail
// with a duplicate key error, which is reported as contention.
func (m *MongoRepository) AcquireLock(ctx context.Context, l *Lock, now time.Time) (bool, error) {
	id := mongoLockID(l.EntityID, l.Stage)
	if _, err := m.locks.DeleteOne(ctx, bson.M{"_id": id, "expires_at": bson.M{"$lt": now}}); err != nil {
		return false, classifyMongo("AcquireLock", err)
	}
	_, err := m.locks.InsertOne(ctx, mongoLock{ID: id, Lock: *l})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, classifyMongo("AcquireLock", err)
	}
	return true, nil
}

func (m *MongoRepository) ReleaseLock(ctx context.Context, entityID string, stage fsm.State, holderID string, force bool) (bool, error) {
	filter := bson.M{"_id": mongoLockID(entityID, stage)}
	if !force {
		filter["holder_id"] = holderID
	}
	res, err := m.locks.DeleteOne(ctx, filter)
	if err != nil {
		return false, classifyMongo("ReleaseLock", err)
	}
	return res.DeletedCount == 1, nil
}

func (m *MongoRepository) ExtendLock(ctx context.Context, entityID string, stage fsm.State, holderID string, expiresAt, now time.Time) (bool, error) {
	res, err := m.locks.UpdateOne(ctx,
		bson.M{"_id": mongoLockID(entityID, stage), "holder_id": holderID, "expires_at": bson.M{"$gte": now}},
		bson.M{"$set": bson.M{"expires_at": expiresAt, "heartbeat_at": now}})
	if err != nil {
		return false, classifyMongo("ExtendLock", err)
	}
	return res.MatchedCount == 1, nil
}

func (m *MongoRepository) GetLock(ctx context.Context, entityID string, stage fsm.State) (*Lock, error) {
	var doc mongoLock
	if err := m.findOne(ctx, "GetLock", m.locks, bson.M{"_id": mongoLockID(entityID, stage)}, &doc); err != nil {
		return nil, err
	}
	return &doc.Lock, nil
}

func (m *MongoRepository) ReclaimLocks(ctx context.Context, now, staleBefore time.Time, limit int) ([]Lock, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$lt": now}},
		bson.M{"heartbeat_at": bson.M{"$lt": staleBefore}},
	}}
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "expires_at", Value: 1}})

	var locks []Lock
	for limit <= 0 || len(locks) < limit {
		var doc mongoLock
		err := m.locks.FindOneAndDelete(ctx, filter, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return locks, classifyMongo("ReclaimLocks", err)
		}
		locks = append(locks, doc.Lock)
	}
	return locks, nil
}

type mongoSlot struct {
	Key       string    `bson:"_id"`
	Count     int       `bson:"count"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// AcquireSlots increments every counter inside one transaction. A counter at
// its limit fails the filter, the upsert then collides on _id, and the whole
// admission is rolled back.
func (m *MongoRepository) AcquireSlots(ctx context.Context, slots []SlotLimit, ttl time.Duration, now time.Time) (bool, error) {
	for _, s := range slots {
		if s.Limit <= 0 {
			return false, nil
		}
	}

	sess, err := m.client.StartSession()
	if err != nil {
		return false, classifyMongo("AcquireSlots", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, s := range slots {
			var doc mongoSlot
			err := m.slots.FindOneAndUpdate(sc,
				bson.M{"_id": s.Key, "$or": bson.A{
					bson.M{"expires_at": bson.M{"$lte": now}},
					bson.M{"count": bson.M{"$lt": s.Limit}},
				}},
				slotIncrement(now, ttl),
				options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
			).Decode(&doc)
			if mongo.IsDuplicateKeyError(err) {
				return nil, errSlotsFull
			}
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if errors.Is(err, errSlotsFull) {
		return false, nil
	}
	if err != nil {
		return false, classifyMongo("AcquireSlots", err)
	}
	return true, nil
}

// slotIncrement restarts a lapsed counter at one and otherwise adds one.
func slotIncrement(now time.Time, ttl time.Duration) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$lte", Value: bson.A{"$expires_at", now}}},
				1,
				bson.D{{Key: "$add", Value: bson.A{"$count", 1}}},
			}}}},
			{Key: "expires_at", Value: now.Add(ttl)},
		}}},
	}
}

func (m *MongoRepository) ReleaseSlots(ctx context.Context, keys []string, now time.Time) error {
	for _, k := range keys {
		if _, err := m.slots.UpdateOne(ctx,
			bson.M{"_id": k, "expires_at": bson.M{"$gt": now}, "count": bson.M{"$gt": 0}},
			bson.M{"$inc": bson.M{"count": -1}}); err != nil {
			return classifyMongo("ReleaseSlots", err)
		}
	}
	return nil
}

func (m *MongoRepository) SlotCount(ctx context.Context, key string, now time.Time) (int, error) {
	var doc mongoSlot
	err := m.findOne(ctx, "SlotCount", m.slots, bson.M{"_id": key, "expires_at": bson.M{"$gt": now}}, &doc)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Count, nil
}

func (m *MongoRepository) findOne(ctx context.Context, op string, coll *mongo.Collection, filter bson.M, out interface{}) error {
	ctx, span := startSpan(ctx, dbSystemMongo, op)
	defer span.End()

	err := coll.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return classifyMongo(op, err)
	}
	return nil
}

// classifyMongo marks network errors, timeouts and transaction conflicts as transient.
func classifyMongo(op string, err error) error {
	if IsTransient(err) {
		return err
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(112)) {
		return transient(op, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return transient(op, err)
	}
	return err
}
