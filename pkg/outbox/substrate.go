package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSubstrate exports events to Redis streams, one stream per policy tag.
// The returned proof is the substrate stream key plus the entry id Redis
// assigned, which is enough to locate the exported record later.
type RedisSubstrate struct {
	client *redis.Client
	prefix string
}

// NewRedisSubstrate connects a substrate client.
func NewRedisSubstrate(addr, prefix string) *RedisSubstrate {
	return &RedisSubstrate{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Publish appends the event to the policy tag's stream. The values carry the
// source coordinates so the write is idempotent from the consumer's point of
// view: re-delivered (stream, seq) pairs can be deduplicated downstream.
func (s *RedisSubstrate) Publish(ctx context.Context, entry Entry, payload json.RawMessage, payloadHash string) (string, error) {
	key := s.prefix + entry.PolicyTag
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"source_stream": entry.StreamID,
			"source_seq":    entry.SourceSeq,
			"payload":       string(payload),
			"payload_hash":  payloadHash,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("substrate publish %s: %w", key, err)
	}
	return key + "/" + id, nil
}

// Ping verifies substrate reachability. The /health endpoint does not call it.
func (s *RedisSubstrate) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisSubstrate) Close() error {
	return s.client.Close()
}
