// Package infra provides the concrete Redis adapter behind store.Client.
//
// It wraps go-redis v9. If Redis is not reachable at startup the caller
// (cmd/server) falls back to the in-memory store.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmplay/backend/internal/store"
)

const (
	dialTimeout   = 3 * time.Second
	opTimeout     = 5 * time.Second
	maxRetries    = 10
	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 5 * time.Second
	defaultPoolSz = 20
)

// GoRedisAdapter implements store.Client on top of go-redis v9. Transient
// failures (READONLY on failover, dropped connections) are retried by the
// driver with exponential backoff capped at maxRetryDelay.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to the store at the given URL
// (redis://[:pass@]host:port/db) and verifies connectivity with a ping.
func NewGoRedisAdapter(url string) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout
	opts.MaxRetries = maxRetries
	opts.MinRetryBackoff = minRetryDelay
	opts.MaxRetryBackoff = maxRetryDelay
	if opts.PoolSize == 0 {
		opts.PoolSize = defaultPoolSz
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &GoRedisAdapter{rdb: rdb}, nil
}

func (a *GoRedisAdapter) Close() error { return a.rdb.Close() }

// translateNil maps redis.Nil onto the store's sentinel so consumers never
// see driver types.
func translateNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	return err
}

// --- strings ---

func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.rdb.Get(ctx, key).Result()
	return v, translateNil(err)
}

func (a *GoRedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

// Keys scans for keys matching the pattern. SCAN, not KEYS, so a large
// keyspace doesn't block the server.
func (a *GoRedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := a.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// --- hashes ---

func (a *GoRedisAdapter) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := a.rdb.HGet(ctx, key, field).Result()
	return v, translateNil(err)
}

func (a *GoRedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.rdb.HGetAll(ctx, key).Result()
}

func (a *GoRedisAdapter) HSet(ctx context.Context, key string, fields map[string]string) error {
	flat := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return a.rdb.HSet(ctx, key, flat...).Err()
}

func (a *GoRedisAdapter) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return a.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// --- ordered sets ---

func (a *GoRedisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return a.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (a *GoRedisAdapter) ZRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.ZRem(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := a.rdb.ZScore(ctx, key, member).Result()
	return v, translateNil(err)
}

func toZMembers(zs []redis.Z) []store.ZMember {
	out := make([]store.ZMember, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = store.ZMember{Member: member, Score: z.Score}
	}
	return out
}

func (a *GoRedisAdapter) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.ZMember, error) {
	zs, err := a.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toZMembers(zs), nil
}

func (a *GoRedisAdapter) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.ZMember, error) {
	zs, err := a.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toZMembers(zs), nil
}

// --- sets ---

func (a *GoRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

// --- streams ---

func (a *GoRedisAdapter) XAdd(ctx context.Context, stream string, values map[string]string) (string, error) {
	ifaceVals := make(map[string]interface{}, len(values))
	for k, v := range values {
		ifaceVals[k] = v
	}
	return a.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: ifaceVals}).Result()
}

// --- pub/sub ---

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return a.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe registers a handler for messages on a channel. Messages are
// delivered on a dedicated goroutine until the returned unsubscribe
// function is called.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// --- scripts ---

func (a *GoRedisAdapter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return a.rdb.Eval(ctx, script, keys, args...).Result()
}

func (a *GoRedisAdapter) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error) {
	return a.rdb.EvalSha(ctx, sha, keys, args...).Result()
}

var _ store.Client = (*GoRedisAdapter)(nil)
