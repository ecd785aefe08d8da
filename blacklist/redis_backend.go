package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores the blacklist snapshot as a single hash, keyed by IP,
// with each value a JSON-encoded Entry. One round trip per sync instead of
// one key per banned IP, since the whole point of this backend is a cheap
// periodic snapshot rather than a lookup path (lookups always go through
// the in-memory authoritative map).
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend wraps client, storing all entries under a single hash key.
func NewRedisBackend(client *redis.Client, hashKey string) *RedisBackend {
	if hashKey == "" {
		hashKey = "volatile:blacklist"
	}
	return &RedisBackend{client: client, key: hashKey}
}

func (b *RedisBackend) SaveAll(ctx context.Context, entries map[string]Entry) error {
	if len(entries) == 0 {
		return b.client.Del(ctx, b.key).Err()
	}
	fields := make(map[string]interface{}, len(entries))
	for ip, e := range entries {
		raw, err := json.Marshal(wireEntry{Until: e.Until.UnixMilli(), Reason: e.Reason})
		if err != nil {
			return fmt.Errorf("blacklist: marshal entry for %s: %w", ip, err)
		}
		fields[ip] = raw
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key)
	pipe.HSet(ctx, b.key, fields)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) LoadAll(ctx context.Context) (map[string]Entry, error) {
	raw, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[string]Entry, len(raw))
	for ip, s := range raw {
		var w wireEntry
		if err := json.Unmarshal([]byte(s), &w); err != nil {
			continue // skip a corrupt entry rather than fail the whole load
		}
		out[ip] = Entry{Until: time.UnixMilli(w.Until), Reason: w.Reason}
	}
	return out, nil
}

type wireEntry struct {
	Until  int64  `json:"until"`
	Reason string `json:"reason"`
}
