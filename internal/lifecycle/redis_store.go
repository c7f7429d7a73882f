package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records in Redis so they survive a restart: a hash maps
// path to the JSON record and a sorted set indexes paths by expiry time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store using keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "hls-transcoder"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordsKey() string { return s.prefix + ":artifacts" }
func (s *RedisStore) expiryKey() string  { return s.prefix + ":artifacts:expiry" }

// Put implements Store.Put.
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.recordsKey(), rec.Path, payload)
	pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
		Score:  float64(rec.ExpiresAt().UnixMilli()),
		Member: rec.Path,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", rec.Path, err)
	}
	return nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, path string) (Record, bool, error) {
	raw, err := s.client.HGet(ctx, s.recordsKey(), path).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %s: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", path, err)
	}
	return rec, true, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.recordsKey(), path)
	pipe.ZRem(ctx, s.expiryKey(), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", path, err)
	}
	return nil
}

// Expired implements Store.Expired. Index entries whose record vanished are
// pruned along the way.
func (s *RedisStore) Expired(ctx context.Context, now time.Time) ([]Record, error) {
	paths, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis expired: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.recordsKey(), paths...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis expired records: %w", err)
	}

	records := make([]Record, 0, len(paths))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, paths[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			stale = append(stale, paths[i])
			continue
		}
		records = append(records, rec)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.expiryKey(), stale...)
	}
	return records, nil
}

// Len implements Store.Len.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.recordsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return int(n), nil
}
