package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/zoff-tech/go-stageflow/pkg/fsm"
)

func newMockMongo(mt *mtest.T) *MongoRepository {
	repo := NewMongoRepository(mt.Client, mt.DB)
	repo.now = func() time.Time { return testNow }
	return repo
}

func TestMongoRepository_Locks(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	lock := &Lock{
		EntityID: "e1", Stage: fsm.StateStage1Init, HolderID: "w1",
		AcquiredAt: testNow, ExpiresAt: testNow.Add(time.Minute), HeartbeatAt: testNow,
	}

	mt.Run("acquire free key", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		ok, err := repo.AcquireLock(context.Background(), lock, testNow)
		assert.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("live lease is contention", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}),
		)

		ok, err := repo.AcquireLock(context.Background(), lock, testNow)
		assert.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("release by non-holder", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		ok, err := repo.ReleaseLock(context.Background(), "e1", fsm.StateStage1Init, "w2", false)
		assert.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("reclaim returns leased job", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		doc := bson.D{
			{Key: "_id", Value: "e1/stage2_init"},
			{Key: "entity_id", Value: "e1"},
			{Key: "stage", Value: "stage2_init"},
			{Key: "holder_id", Value: "w1"},
			{Key: "acquired_at", Value: testNow.Add(-time.Hour)},
			{Key: "expires_at", Value: testNow.Add(-time.Minute)},
			{Key: "heartbeat_at", Value: testNow.Add(-time.Hour)},
			{Key: "job", Value: bson.D{
				{Key: "outbox_id", Value: "o9"},
				{Key: "queue", Value: "stage2"},
				{Key: "attempt", Value: 1},
				{Key: "version", Value: int64(3)},
				{Key: "stage", Value: "stage2_init"},
			}},
		}
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: doc}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
		)

		locks, err := repo.ReclaimLocks(context.Background(), testNow, testNow.Add(-time.Minute), 10)
		require.NoError(mt, err)
		require.Len(mt, locks, 1)
		assert.Equal(mt, fsm.StateStage2Init, locks[0].Stage)
		require.NotNil(mt, locks[0].Job)
		assert.Equal(mt, "o9", locks[0].Job.OutboxID)
		assert.Equal(mt, int64(3), locks[0].Job.Version)
	})
}

func TestMongoRepository_Outbox(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("mark processed once", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
		)

		marked, err := repo.MarkProcessed(context.Background(), "o1")
		assert.NoError(mt, err)
		assert.True(mt, marked)

		marked, err = repo.MarkProcessed(context.Background(), "o1")
		assert.NoError(mt, err)
		assert.False(mt, marked)
	})

	mt.Run("record failure on unknown entry", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))

		err := repo.RecordFailure(context.Background(), "missing", "boom", testNow, false)
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("fetch pending claims until empty", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		entry := bson.D{
			{Key: "_id", Value: "o1"},
			{Key: "entity_id", Value: "e1"},
			{Key: "queue_name", Value: "stage1"},
			{Key: "job_payload", Value: []byte("p")},
			{Key: "attempts", Value: 0},
			{Key: "created_at", Value: testNow},
			{Key: "available_at", Value: testNow},
		}
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: entry}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
		)

		events, err := repo.FetchPending(context.Background(), 5, time.Minute)
		require.NoError(mt, err)
		require.Len(mt, events, 1)
		assert.Equal(mt, "o1", events[0].ID)
		assert.Equal(mt, []byte("p"), events[0].Payload)
	})
}

func TestMongoRepository_SlotCount(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("live counter", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.concurrency_slots", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "global"},
			{Key: "count", Value: 3},
			{Key: "expires_at", Value: testNow.Add(time.Hour)},
		}))

		n, err := repo.SlotCount(context.Background(), "global", testNow)
		assert.NoError(mt, err)
		assert.Equal(mt, 3, n)
	})

	mt.Run("missing counter is zero", func(mt *mtest.T) {
		repo := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.concurrency_slots", mtest.FirstBatch))

		n, err := repo.SlotCount(context.Background(), "principal:p1", testNow)
		assert.NoError(mt, err)
		assert.Equal(mt, 0, n)
	})
}
