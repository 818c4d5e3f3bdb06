package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errStale = errors.New("quota: stale bucket")

// RedisStore keeps buckets in redis hashes so several API processes share
// one budget per identity. Swaps use WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a store over client. Buckets expire after ttl without
// writes; zero keeps them forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Get returns the bucket at key.
func (s *RedisStore) Get(ctx context.Context, key string) (Bucket, bool, error) {
	return readBucket(ctx, s.client, key)
}

// CompareAndSwap stores next if key still holds old.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old Bucket, found bool, next Bucket) (bool, error) {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := readBucket(ctx, tx, key)
		if err != nil {
			return err
		}
		if ok != found || (ok && !sameBucket(cur, old)) {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"tokens", strconv.FormatFloat(next.Tokens, 'g', -1, 64),
				"last", strconv.FormatInt(next.LastRefill.UnixNano(), 10),
			)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("redis swap: %w", err)
	}
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readBucket(ctx context.Context, c hashReader, key string) (Bucket, bool, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("redis get: %w", err)
	}
	if len(vals) == 0 {
		return Bucket{}, false, nil
	}
	tokens, err := strconv.ParseFloat(vals["tokens"], 64)
	if err != nil {
		return Bucket{}, false, fmt.Errorf("parse tokens: %w", err)
	}
	last, err := strconv.ParseInt(vals["last"], 10, 64)
	if err != nil {
		return Bucket{}, false, fmt.Errorf("parse last: %w", err)
	}
	return Bucket{Tokens: tokens, LastRefill: time.Unix(0, last)}, true, nil
}

func sameBucket(a, b Bucket) bool {
	return a.Tokens == b.Tokens && a.LastRefill.UnixNano() == b.LastRefill.UnixNano()
}
