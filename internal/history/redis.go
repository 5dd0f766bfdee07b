package history

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// RedisSink stores the transcript in a list appended with RPUSH and the
// ledger in a list prepended with LPUSH and trimmed to capacity, so the
// oldest images fall off the tail.
type RedisSink struct {
	redisClient *redis.Client
	prefix      string
	capacity    int
}

func NewRedisSink(redisClient *redis.Client, prefix string, capacity int) *RedisSink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisSink{
		redisClient: redisClient,
		prefix:      prefix,
		capacity:    capacity,
	}
}

func (s *RedisSink) transcriptKey() string { return s.prefix + ":transcript" }

func (s *RedisSink) imagesKey() string { return s.prefix + ":images" }

func (s *RedisSink) AppendTurn(ctx context.Context, turn Turn) error {
	item, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	return s.redisClient.RPush(ctx, s.transcriptKey(), item).Err()
}

func (s *RedisSink) AppendImage(ctx context.Context, entry Entry) error {
	item, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := s.redisClient.TxPipeline()
	pipe.LPush(ctx, s.imagesKey(), item)
	pipe.LTrim(ctx, s.imagesKey(), 0, int64(s.capacity-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Transcript(ctx context.Context) ([]Turn, error) {
	data, err := s.redisClient.LRange(ctx, s.transcriptKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeAll[Turn](data)
}

func (s *RedisSink) Images(ctx context.Context) ([]Entry, error) {
	data, err := s.redisClient.LRange(ctx, s.imagesKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries, err := decodeAll[Entry](data)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

func decodeAll[T any](data []string) ([]T, error) {
	out := make([]T, 0, len(data))
	for _, item := range data {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("corrupt history item: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
