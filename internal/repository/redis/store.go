package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"auth-core/internal/client"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// slidingWindowScript prunes entries at or before now-window, counts the rest
// and admits one more when there is room. Members are unique so entries
// recorded in the same millisecond are all kept.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	count = count + 1
	allowed = 1
end

local oldest = -1
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #first > 0 then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// incrScript sets the expiry only on the increment that creates the key.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Store is the model.Store backed by Redis. Each call is bounded by the
// client's default timeout.
type Store struct {
	client *client.RedisClient
}

func NewStore(c *client.RedisClient) *Store {
	return &Store{client: c}
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	return s.client.Client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	val, err := s.client.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.Client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	n, err := s.client.Client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return n, nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	n, err := incrScript.Run(ctx, s.client.Client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()
	return s.client.ScanPrefix(ctx, prefix, 200)
}

func (s *Store) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := s.client.Client.TxPipeline()
	pipe.SAdd(ctx, key, args...)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.Client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to remove from set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	members, err := s.client.Client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *Store) SlidingWindow(ctx context.Context, req model.WindowRequest) (*model.WindowState, error) {
	ctx, cancel := s.client.WithTimeout(ctx)
	defer cancel()

	if !req.Record {
		return s.peekWindow(ctx, req)
	}

	nowMs := req.Now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	raw, err := slidingWindowScript.Run(ctx, s.client.Client, []string{req.Key},
		nowMs, req.Window.Milliseconds(), req.Limit, member).Slice()
	if err != nil {
		util.Error("Sliding window script failed", zap.String("key", req.Key), zap.Error(err))
		return nil, fmt.Errorf("failed to run sliding window: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("unexpected sliding window reply of length %d", len(raw))
	}

	allowed, _ := raw[0].(int64)
	count, _ := raw[1].(int64)
	oldest, _ := raw[2].(int64)

	state := &model.WindowState{Allowed: allowed == 1, Count: int(count)}
	if oldest >= 0 {
		state.Oldest = time.UnixMilli(oldest)
	}
	return state, nil
}

// peekWindow counts live entries without touching the key.
func (s *Store) peekWindow(ctx context.Context, req model.WindowRequest) (*model.WindowState, error) {
	cutoff := "(" + strconv.FormatInt(req.Now.UnixMilli()-req.Window.Milliseconds(), 10)

	pipe := s.client.Client.Pipeline()
	countCmd := pipe.ZCount(ctx, req.Key, cutoff, "+inf")
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, req.Key, &redis.ZRangeBy{
		Min: cutoff, Max: "+inf", Offset: 0, Count: 1,
	})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read sliding window: %w", err)
	}

	count := int(countCmd.Val())
	state := &model.WindowState{Allowed: count < req.Limit, Count: count}
	if z := oldestCmd.Val(); len(z) > 0 {
		state.Oldest = time.UnixMilli(int64(z[0].Score))
	}
	return state, nil
}
