package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

const (
	// rotatePause is the breather between a rate-limited attempt and the
	// next proxy.
	rotatePause = 500 * time.Millisecond
	minAttempts = 10
)

// Func is one proxied marketplace call. The retrier supplies the proxy URL
// for the attempt and owns the bookkeeping for its outcome.
type Func func(ctx context.Context, proxyURL string) error

// Retrier runs calls through rotating proxies. A rate-limited attempt
// quarantines its proxy and moves on to the next one; any other failure is
// surfaced to the caller immediately.
type Retrier struct {
	pool           *Manager
	attempts       int
	pause          time.Duration
	acquireTimeout time.Duration
	log            *slog.Logger
}

// NewRetrier constructs a Retrier. Attempt budgets below the minimum are
// raised to it. acquireTimeout bounds each proxy acquisition on top of the
// caller's context; zero leaves the caller's deadline in charge.
func NewRetrier(pool *Manager, attempts int, acquireTimeout time.Duration, log *slog.Logger) *Retrier {
	if pool == nil {
		return nil
	}
	if attempts < minAttempts {
		attempts = minAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{
		pool:           pool,
		attempts:       attempts,
		pause:          rotatePause,
		acquireTimeout: acquireTimeout,
		log:            log,
	}
}

// Do acquires a proxy, runs f with it and reports the outcome to the pool.
// Every exit path releases the held proxy.
func (r *Retrier) Do(ctx context.Context, minDelay time.Duration, f Func) error {
	var last error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		lease, err := r.acquire(ctx, minDelay)
		if err != nil {
			return err
		}
		err = f(ctx, lease.Proxy.URL)
		if err == nil {
			lease.Success(ctx)
			return nil
		}
		if ctx.Err() != nil {
			// The caller's deadline expired mid-call; the proxy did not
			// necessarily misbehave but the attempt still counts against it.
			lease.Fail(ctx, err)
			return fmt.Errorf("op=proxypool.retry: %w", ctx.Err())
		}
		if isRateLimit(err) {
			lease.RateLimited(ctx, err)
			last = err
			r.log.Debug("rate limited, rotating proxy",
				slog.Int64("proxy_id", lease.Proxy.ID),
				slog.Int("attempt", attempt))
			if err := sleepCtx(ctx, r.pause); err != nil {
				return fmt.Errorf("op=proxypool.retry: %w", err)
			}
			continue
		}
		lease.Fail(ctx, err)
		return err
	}
	return fmt.Errorf("op=proxypool.retry: %w: %v", domain.ErrProxyExhausted, last)
}

func (r *Retrier) acquire(ctx context.Context, minDelay time.Duration) (*Lease, error) {
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}
	return r.pool.Acquire(ctx, minDelay)
}

func isRateLimit(err error) bool {
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	return looksRateLimited(err.Error())
}

func looksRateLimited(s string) bool {
	return strings.Contains(s, "429") || strings.Contains(strings.ToLower(s), "too many requests")
}
