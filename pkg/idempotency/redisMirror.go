package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/go-stageflow/pkg/store"
)

var _ Mirror = (*RedisMirror)(nil)

const defaultKeyPrefix = "stageflow:idem:"

// RedisMirror keeps idempotency records as JSON strings with a Redis TTL.
// The caller owns the client lifecycle.
type RedisMirror struct {
	client redis.Cmdable
	prefix string
}

func NewRedisMirror(client redis.Cmdable, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) Get(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	b, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var rec store.IdempotencyRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *RedisMirror) Set(ctx context.Context, rec *store.IdempotencyRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.prefix+rec.Key, b, ttl).Err()
}
