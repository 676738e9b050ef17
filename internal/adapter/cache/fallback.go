package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// Fallback serves from the primary store and degrades to the local
// Memory tier when the primary errors. Degraded operations succeed
// against local state so scraping keeps running with per-replica
// pacing; once the primary recovers it takes over again and the local
// entries simply expire.
type Fallback struct {
	primary domain.Cache
	local   *Memory
	log     *slog.Logger
}

// NewFallback builds the combined store. A nil primary (Redis disabled)
// means every operation runs on the local tier.
func NewFallback(primary domain.Cache, log *slog.Logger) *Fallback {
	if log == nil {
		log = slog.Default()
	}
	return &Fallback{primary: primary, local: NewMemory(), log: log}
}

func (f *Fallback) degraded(op string, err error) {
	observability.CacheDegradedTotal.Inc()
	f.log.Warn("cache degraded, serving from in-process store",
		slog.String("op", op), slog.Any("error", err))
}

func (f *Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	if f.primary != nil {
		v, ok, err := f.primary.Get(ctx, key)
		if err == nil {
			return v, ok, nil
		}
		f.degraded("get", err)
	}
	return f.local.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.primary != nil {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		f.degraded("set", err)
	}
	return f.local.Set(ctx, key, value, ttl)
}

func (f *Fallback) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.primary != nil {
		ok, err := f.primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			return ok, nil
		}
		f.degraded("setnx", err)
	}
	return f.local.SetNX(ctx, key, value, ttl)
}

func (f *Fallback) Del(ctx context.Context, keys ...string) error {
	var primaryErr error
	if f.primary != nil {
		primaryErr = f.primary.Del(ctx, keys...)
		if primaryErr != nil {
			f.degraded("del", primaryErr)
		}
	}
	// Always clear local copies so a recovered primary does not leave
	// stale shadows behind.
	return f.local.Del(ctx, keys...)
}

func (f *Fallback) Keys(ctx context.Context, pattern string) ([]string, error) {
	if f.primary != nil {
		keys, err := f.primary.Keys(ctx, pattern)
		if err == nil {
			return keys, nil
		}
		f.degraded("keys", err)
	}
	return f.local.Keys(ctx, pattern)
}
