// Package ratelimit bounds how often one owner may start an AI generation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter limits generation requests per owner in a fixed time
// window, backed by Redis so multiple processes share the budget.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	client *redis.Client
	prefix string
}

// NewFixedWindowLimiter creates a Redis-backed limiter.
func NewFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "diaryai:genlimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
	}, nil
}

// Allow returns true when the owner is within quota. On Redis failures it
// fails closed and returns false.
func (l *FixedWindowLimiter) Allow(ownerID string) bool {
	if l == nil {
		// A nil limiter means limiting is disabled.
		return true
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return false
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	slot := time.Now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%d", l.prefix, ownerID, slot)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{key}, windowMs).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}
