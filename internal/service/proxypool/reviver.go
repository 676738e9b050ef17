package proxypool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// probeGroup caps how many proxies a revival cycle checks at the same time.
const probeGroup = 20

// Prober checks whether a proxy can still reach the marketplace.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) error
}

// Reviver periodically probes quarantined proxies and returns the responsive
// ones to rotation. A "last smart check" key in the shared cache spaces the
// cycles out across replicas.
type Reviver struct {
	pool         *Manager
	cache        domain.Cache
	probe        Prober
	interval     time.Duration
	fastInterval time.Duration
	probeTimeout time.Duration
	log          *slog.Logger

	now func() time.Time
}

// NewReviver constructs a Reviver. The fast interval takes over while more
// than half of the active pool is quarantined.
func NewReviver(pool *Manager, cache domain.Cache, probe Prober, interval, fastInterval, probeTimeout time.Duration, log *slog.Logger) *Reviver {
	if pool == nil || cache == nil || probe == nil {
		return nil
	}
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if fastInterval <= 0 {
		fastInterval = 60 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 8 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reviver{
		pool:         pool,
		cache:        cache,
		probe:        probe,
		interval:     interval,
		fastInterval: fastInterval,
		probeTimeout: probeTimeout,
		log:          log,
		now:          time.Now,
	}
}

// Run ticks at the fast interval and lets the shared-cache debounce decide
// whether a cycle is due. It returns when ctx is cancelled.
func (rv *Reviver) Run(ctx context.Context) {
	if rv == nil {
		return
	}
	ticker := time.NewTicker(rv.fastInterval)
	defer ticker.Stop()

	rv.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			rv.log.Info("proxy reviver stopping")
			return
		case <-ticker.C:
			rv.cycle(ctx)
		}
	}
}

func (rv *Reviver) cycle(ctx context.Context) {
	tracer := otel.Tracer("proxypool")
	ctx, span := tracer.Start(ctx, "Reviver.cycle")
	defer span.End()

	blocked, err := rv.pool.Quarantined(ctx)
	if err != nil {
		span.RecordError(err)
		rv.log.Error("revival cycle failed to list quarantined proxies", slog.Any("error", err))
		return
	}
	if len(blocked) == 0 {
		return
	}

	interval := rv.interval
	if active, err := rv.pool.ActiveCount(ctx); err == nil && active > 0 && len(blocked)*2 > active {
		interval = rv.fastInterval
	}
	if !rv.due(ctx, interval) {
		return
	}

	span.SetAttributes(attribute.Int("pool.blocked", len(blocked)))

	var revived int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, probeGroup)
	for _, p := range blocked {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(p domain.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			pctx, cancel := context.WithTimeout(ctx, rv.probeTimeout)
			defer cancel()
			if err := rv.probe.Probe(pctx, p.URL); err != nil {
				rv.log.Debug("revival probe failed",
					slog.Int64("proxy_id", p.ID), slog.Any("error", err))
				return
			}
			if err := rv.pool.ClearQuarantine(ctx, p.ID); err != nil {
				rv.log.Warn("revival could not clear quarantine",
					slog.Int64("proxy_id", p.ID), slog.Any("error", err))
				return
			}
			observability.ProxyRevivalsTotal.Inc()
			mu.Lock()
			revived++
			mu.Unlock()
			rv.log.Info("proxy revived", slog.Int64("proxy_id", p.ID))
		}(p)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int64("pool.revived", revived))
	rv.log.Info("revival cycle done",
		slog.Int("blocked", len(blocked)),
		slog.Int64("revived", revived))
}

// due reports whether enough time has passed since the last cycle anywhere in
// the fleet, and records this cycle when it has.
func (rv *Reviver) due(ctx context.Context, interval time.Duration) bool {
	now := rv.now()
	val, ok, err := rv.cache.Get(ctx, lastCheckKey)
	if err == nil && ok {
		if last, perr := time.Parse(time.RFC3339, val); perr == nil && now.Sub(last) < interval {
			return false
		}
	}
	if err := rv.cache.Set(ctx, lastCheckKey, now.UTC().Format(time.RFC3339), 2*rv.interval); err != nil {
		rv.log.Warn("revival debounce write failed", slog.Any("error", err))
	}
	return true
}
