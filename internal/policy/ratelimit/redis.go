package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared across API replicas.
type Redis struct {
	client redis.Scripter
	prefix string
}

// NewRedis builds a limiter that stores counters under prefix.
func NewRedis(client redis.Scripter, prefix string) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Redis{client: client, prefix: prefix}, nil
}

// Allow increments the window counter for key and reports the decision.
func (r *Redis) Allow(ctx context.Context, rule Rule, key string) (Decision, error) {
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}
	redisKey := r.prefix + "ratelimit:" + rule.Name + ":" + key
	res, err := windowScript.Run(ctx, r.client, []string{redisKey}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if res[1] < 0 {
		ttl = rule.Window
	}
	return decide(rule, int(res[0]), ttl), nil
}

var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)
