// Package ratelimit provides per-user action throttling with
// fixed-window-with-reset semantics: a counter is opened on the first action
// and expires after the window, so no more than Limit actions are admitted in
// any single window. Deny decisions carry a retry hint.
//
// Two implementations are provided: a Redis-backed limiter using INCR +
// EXPIRE for deployments with shared counters, and an in-memory limiter for
// single-node setups and tests.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the counter key prefix, maximum number
// of actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // counter key prefix (e.g., "rl:msg:", "rl:room:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard policies. Limits are overridable from configuration.
var (
	// RuleMessage bounds message sends per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 30, Window: time.Minute}

	// RuleRoomCreate bounds room creation per user.
	RuleRoomCreate = Rule{Key: "rl:room:", Limit: 5, Window: 15 * time.Minute}
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time until the window resets, set on deny
}

// Limiter admits or denies an action for an identifier under a rule.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (Decision, error)
}

// RedisLimiter performs rate limiting checks against Redis.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a RedisLimiter backed by the given client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the identifier's counter and checks it against the rule.
// The expiry set on first increment defines the window boundary. On Redis
// errors the limiter fails open so an outage does not block legitimate
// traffic.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true}, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL. Best effort: delete it so it
			// doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return Decision{Allowed: true}, err
		}
	}

	if int(count) > rule.Limit {
		retryAfter := rule.Window
		if ttl, err := l.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return Decision{Allowed: true}, nil
}
