// Package ratelimit provides a fixed-window limiter shared across server
// instances through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Rule is a per-scope budget.
type Rule struct {
	Limit  int
	Window time.Duration
}

type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, scope, subject string, rule Rule) (Decision, error)
}

type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "decenterai:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: p}
}

// Allow counts one hit for subject within scope. A nil limiter, an empty
// subject or a zero rule always allows.
func (r *RedisLimiter) Allow(ctx context.Context, scope, subject string, rule Rule) (Decision, error) {
	if r == nil || r.client == nil || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.ToLower(strings.TrimSpace(subject))
	if scope == "" || subject == "" {
		return Decision{Allowed: true}, nil
	}

	windowMs := rule.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{r.key(scope, subject)}, windowMs).Result()
	if err != nil {
		return Decision{}, err
	}
	count, ttlMs, err := parseResult(raw)
	if err != nil {
		return Decision{}, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retry := time.Duration(math.Ceil(float64(ttlMs)/1000.0)) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: count <= int64(rule.Limit), Count: int(count), RetryAfter: retry}, nil
}

func (r *RedisLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

func parseResult(raw interface{}) (count, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok = values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Ping(ctx).Err()
}

// Dial connects to a Redis URL such as redis://localhost:6379/0.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
