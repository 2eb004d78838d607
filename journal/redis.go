package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKey = "imageguard/journal"
	replayPageSize  = 500
)

// Redis keeps the journal in Redis lists, oldest record first. Deny records
// live in their own list (key + ":deny") that MaxLen never trims, since
// denials do not expire. Replay yields the main list, then the denials.
type Redis struct {
	rdb     redis.UniversalClient
	key     string
	denyKey string
	maxLen  int64
	logger  *slog.Logger
}

// RedisOptions configures a Redis journal.
type RedisOptions struct {
	Key    string // default DefaultRedisKey
	MaxLen int64  // keep only the newest MaxLen cache/unlearn records; <= 0 keeps all
	Logger *slog.Logger
}

// NewRedis connects to redisURL and checks the connection.
func NewRedis(ctx context.Context, redisURL string, opts RedisOptions) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(rdb, opts), nil
}

// NewRedisWithClient wraps an existing client. Close closes it.
func NewRedisWithClient(rdb redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{rdb: rdb, key: opts.Key, denyKey: opts.Key + ":deny", maxLen: opts.MaxLen, logger: opts.Logger}
}

func (j *Redis) Append(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if r.Kind == KindDeny {
		if err := j.rdb.RPush(ctx, j.denyKey, data).Err(); err != nil {
			return fmt.Errorf("append journal: %w", err)
		}
		return nil
	}
	_, err = j.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, j.key, data)
		if j.maxLen > 0 {
			p.LTrim(ctx, j.key, -j.maxLen, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *Redis) Replay(ctx context.Context, fn func(Record) error) error {
	if err := j.replayList(ctx, j.key, fn); err != nil {
		return err
	}
	return j.replayList(ctx, j.denyKey, fn)
}

func (j *Redis) replayList(ctx context.Context, key string, fn func(Record) error) error {
	for start := int64(0); ; start += replayPageSize {
		page, err := j.rdb.LRange(ctx, key, start, start+replayPageSize-1).Result()
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		for i, raw := range page {
			var r Record
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				j.logger.Warn("imageguard: skipping malformed journal record", "key", key, "index", start+int64(i), "error", err)
				continue
			}
			if err := r.Validate(); err != nil {
				j.logger.Warn("imageguard: skipping invalid journal record", "key", key, "index", start+int64(i), "error", err)
				continue
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page) < replayPageSize {
			return nil
		}
	}
}

func (j *Redis) Close() error {
	return j.rdb.Close()
}
