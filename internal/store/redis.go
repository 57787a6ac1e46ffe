package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"edge-sync/internal/entity"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisPutScript writes a record only when its sequence is newer.
// KEYS[1] = records hash, KEYS[2] = sequence hash
// ARGV[1] = field (entity ref), ARGV[2] = record JSON, ARGV[3] = padded seq
var redisPutScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[2], ARGV[1])
if current and current >= ARGV[3] then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// redisPurgeScript removes a tombstone unless it was overwritten meanwhile.
// ARGV[1] = field, ARGV[2] = padded seq observed by the caller
var redisPurgeScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) == ARGV[2] then
    redis.call("HDEL", KEYS[1], ARGV[1])
    redis.call("HDEL", KEYS[2], ARGV[1])
    return 1
end
return 0
`)

// RedisStore keeps entity state in two Redis hashes under a key prefix.
// The generation key is set once the first full sync completes; a store
// opened without it is new.
type RedisStore struct {
	client     *redis.Client
	records    string
	seqs       string
	generation string
	isNew      bool
}

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// OpenRedis reads the generation marker and returns the store.
func OpenRedis(ctx context.Context, client *redis.Client, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "edge-sync"
	}
	exists, err := client.Exists(ctx, prefix+":generation").Result()
	if err != nil {
		return nil, fmt.Errorf("read redis generation: %w", err)
	}
	return &RedisStore{
		client:     client,
		records:    prefix + ":entities",
		seqs:       prefix + ":seq",
		generation: prefix + ":generation",
		isNew:      exists == 0,
	}, nil
}

// MarkSynced claims the generation key unless one exists already.
func (s *RedisStore) MarkSynced(ctx context.Context) error {
	if err := s.client.SetNX(ctx, s.generation, uuid.NewString(), 0).Err(); err != nil {
		return fmt.Errorf("write redis generation: %w", err)
	}
	return nil
}

// seqField pads sequences so the scripts can compare them as strings.
func seqField(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

func (s *RedisStore) Get(ctx context.Context, ref entity.Ref) (Record, bool, error) {
	data, err := s.client.HGet(ctx, s.records, ref.String()).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s: %w", ref, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record) (bool, error) {
	if rec.Seq < 0 {
		return false, fmt.Errorf("put %s: negative sequence %d", rec.Ref, rec.Seq)
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	written, err := redisPutScript.Run(ctx, s.client,
		[]string{s.records, s.seqs},
		rec.Ref.String(), string(data), seqField(rec.Seq),
	).Int()
	if err != nil {
		return false, fmt.Errorf("put %s: %w", rec.Ref, err)
	}
	return written == 1, nil
}

func (s *RedisStore) all(ctx context.Context) ([]Record, error) {
	values, err := s.client.HGetAll(ctx, s.records).Result()
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	out := make([]Record, 0, len(values))
	for _, v := range values {
		rec, err := decodeRecord([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	live := recs[:0]
	for _, rec := range recs {
		if rec.Live() {
			live = append(live, rec)
		}
	}
	sortRecords(live)
	return live, nil
}

func (s *RedisStore) IsNew(ctx context.Context) (bool, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, fmt.Errorf("ping redis: %w", err)
	}
	return s.isNew, nil
}

func (s *RedisStore) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if !rec.Purgeable(before) {
			continue
		}
		n, err := redisPurgeScript.Run(ctx, s.client,
			[]string{s.records, s.seqs},
			rec.Ref.String(), seqField(rec.Seq),
		).Int()
		if err != nil {
			return removed, fmt.Errorf("purge %s: %w", rec.Ref, err)
		}
		removed += n
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
