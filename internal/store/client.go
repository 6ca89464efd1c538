// Package store defines the minimal key-value store interface the rest of
// the server programs against, plus the atomic Lua scripts that run on it.
//
// The concrete Redis adapter lives in internal/infra. Consumers never import
// a driver directly; they hold a store.Client and main injects the
// implementation (Redis in production, the in-memory store when Redis is
// not configured).
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get/HGet/ZScore when the key or member does
// not exist. Callers that treat absence as a normal state must check for it
// with errors.Is.
var ErrNotFound = errors.New("store: key not found")

// ZMember is one entry of an ordered-set range, member plus score.
type ZMember struct {
	Member string
	Score  float64
}

// Client is the store surface the server depends on: strings with NX/TTL,
// hashes, ordered sets, plain sets, stream append, pub/sub and atomic
// script evaluation. Implementations must be safe for concurrent use.
type Client interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if it does not exist and reports whether the
	// write happened. It is the linearisation point for uniqueness claims.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns the keys matching a glob pattern. Implementations use a
	// cursor scan; the result is a point-in-time approximation.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Hashes
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	// Ordered sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Streams
	XAdd(ctx context.Context, stream string, values map[string]string) (string, error)

	// Pub/Sub
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for messages on a channel and returns
	// an unsubscribe function. The handler runs on the subscription's own
	// goroutine; it must not block for long.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	// Scripts
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error)

	Close() error
}

// IsRetryable reports whether an error is a transient store failure that an
// idempotent read may retry: failover READONLY replies and dropped or
// refused connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "READONLY") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

// IsNoScript reports whether an EVALSHA failed because the script is not
// loaded on the server, in which case callers fall back to EVAL.
func IsNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}
