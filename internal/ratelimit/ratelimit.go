// Package ratelimit throttles execution requests per client.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Decision is the outcome of a rate limit check. When Allowed is false,
// Reset is how long the client must wait before its next request can pass.
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Duration
}

// ResetMillis is Reset in whole milliseconds, rounded up so a denied
// decision never reports zero.
func (d Decision) ResetMillis() int64 {
	ms := d.Reset.Milliseconds()
	if d.Reset%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// Limiter checks whether a client may submit another request. Implementations
// are safe for concurrent calls on the same client id.
type Limiter interface {
	Check(ctx context.Context, clientID string) (Decision, error)
}

// Local is an in-process token bucket per client: the bucket holds `requests`
// tokens and refills at requests/window.
type Local struct {
	limit  rate.Limit
	burst  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocal(requests int, window time.Duration) *Local {
	return &Local{
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
		window:   window,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (l *Local) Check(_ context.Context, clientID string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[clientID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[clientID] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	if v.limiter.AllowN(now, 1) {
		return Decision{
			Allowed:   true,
			Remaining: int(math.Max(0, math.Floor(v.limiter.TokensAt(now)))),
		}, nil
	}

	// Reserve to learn when the next token arrives, then hand it back.
	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Reset: l.window}, nil
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{Reset: delay}, nil
}

// Sweep drops clients idle for longer than maxIdle. A dropped client starts
// again with a full bucket, so maxIdle should be at least the window.
func (l *Local) Sweep(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
			n++
		}
	}
	return n
}

// Run sweeps idle clients every interval until ctx is cancelled.
func (l *Local) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(3 * l.window); n > 0 {
				log.Debug().Int("removed", n).Msg("swept idle rate limit entries")
			}
		}
	}
}

// Len returns the number of tracked clients.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
