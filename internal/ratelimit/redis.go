package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window counter shared by every gateway replica. The
// window starts at a client's first request and resets on expiry.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	requests int
	window   time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, requests int, window time.Duration) *Redis {
	return &Redis{
		client:   client,
		prefix:   prefix,
		requests: requests,
		window:   window,
	}
}

func (r *Redis) Check(ctx context.Context, clientID string) (Decision, error) {
	key := r.prefix + clientID

	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		pttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %s: %w", clientID, err)
	}

	count := incr.Val()
	ttl := pttl.Val()
	// First hit in the window, or a key left without expiry.
	if count == 1 || ttl < 0 {
		if err := r.client.PExpire(ctx, key, r.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire for %s: %w", clientID, err)
		}
		ttl = r.window
	}

	if count > int64(r.requests) {
		return Decision{Reset: ttl}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: r.requests - int(count),
		Reset:     ttl,
	}, nil
}
