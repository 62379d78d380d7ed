package continuation

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultRedisKey is the list continuations are pushed onto.
const DefaultRedisKey = "taxis:continue"

// listClient is the part of *redis.Client the queue uses.
type listClient interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// RedisSink pushes job ids onto a Redis list consumed by RedisConsumer.
type RedisSink struct {
	rdb listClient
	key string
}

// NewRedisSink connects to addr and verifies the connection.
func NewRedisSink(addr, key string) (*RedisSink, error) {
	rdb, err := dial(addr)
	if err != nil {
		return nil, err
	}
	return &RedisSink{rdb: rdb, key: listKey(key)}, nil
}

// Continue pushes jobID.
func (s *RedisSink) Continue(ctx context.Context, jobID string) error {
	err := s.rdb.LPush(ctx, s.key, jobID).Err()
	observe("redis", err)
	if err != nil {
		return eris.Wrapf(err, "continuation: push job %s", jobID)
	}
	return nil
}

// Close closes the connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

// RedisConsumer pops job ids and hands them to a handler.
type RedisConsumer struct {
	rdb        listClient
	key        string
	block      time.Duration
	retryPause time.Duration
}

// NewRedisConsumer connects to addr and verifies the connection.
func NewRedisConsumer(addr, key string) (*RedisConsumer, error) {
	rdb, err := dial(addr)
	if err != nil {
		return nil, err
	}
	return &RedisConsumer{rdb: rdb, key: listKey(key), block: 5 * time.Second, retryPause: time.Second}, nil
}

// Run blocks popping job ids until ctx is cancelled. handle runs inline, so
// one consumer processes one job at a time. Pop errors are logged and retried
// after a pause.
func (c *RedisConsumer) Run(ctx context.Context, handle func(ctx context.Context, jobID string)) {
	log := zap.L().With(zap.String("component", "continuation.redis"), zap.String("key", c.key))
	log.Info("continuation consumer started")
	defer log.Info("continuation consumer stopped")

	for ctx.Err() == nil {
		res, err := c.rdb.BRPop(ctx, c.block, c.key).Result()
		if eris.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("continuation: pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryPause):
			}
			continue
		}
		// BRPOP replies [key, value].
		if len(res) != 2 || strings.TrimSpace(res[1]) == "" {
			log.Warn("continuation: unexpected pop reply", zap.Strings("reply", res))
			continue
		}
		handle(ctx, res[1])
	}
}

// Close closes the connection.
func (c *RedisConsumer) Close() error {
	return c.rdb.Close()
}

func dial(addr string) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, eris.New("continuation: redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "continuation: redis ping")
	}
	return rdb, nil
}

func listKey(key string) string {
	if strings.TrimSpace(key) == "" {
		return DefaultRedisKey
	}
	return key
}
