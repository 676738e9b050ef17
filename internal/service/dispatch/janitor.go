package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// Janitor clears leftover running markers. A marker is normally deleted
// right after the worker's ack, but a cache flap can strand one, and a
// stranded marker blocks re-dispatch of its task until the TTL runs out.
// The janitor shortens that window by dropping markers whose recorded
// timestamp has aged past maxAge and markers whose value does not parse.
type Janitor struct {
	cache    domain.Cache
	stream   *Stream
	interval time.Duration
	maxAge   time.Duration
	log      *slog.Logger

	now func() time.Time
}

// NewJanitor constructs a Janitor. interval defaults to ten minutes and
// maxAge to the two-hour marker TTL. stream may be nil; when set, each cycle
// also reports the current stream depth.
func NewJanitor(cache domain.Cache, stream *Stream, interval, maxAge time.Duration, log *slog.Logger) *Janitor {
	if cache == nil {
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		cache:    cache,
		stream:   stream,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
		now:      time.Now,
	}
}

// Run cycles once immediately and then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			j.log.Info("dispatch janitor stopping")
			return
		case <-ticker.C:
			j.cycle(ctx)
		}
	}
}

func (j *Janitor) cycle(ctx context.Context) {
	tracer := otel.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "Janitor.cycle")
	defer span.End()

	keys, err := j.cache.Keys(ctx, RunningKeyPrefix+"*")
	if err != nil {
		span.RecordError(err)
		j.log.Warn("running marker scan failed", slog.Any("error", err))
		return
	}

	now := j.now()
	cleared := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		val, ok, err := j.cache.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		setAt, perr := time.Parse(time.RFC3339, val)
		if perr == nil && now.Sub(setAt) <= j.maxAge {
			continue
		}
		if err := j.cache.Del(ctx, key); err != nil {
			j.log.Warn("stale marker delete failed",
				slog.String("key", key), slog.Any("error", err))
			continue
		}
		cleared++
		j.log.Info("cleared stale running marker", slog.String("key", key))
	}
	span.SetAttributes(
		attribute.Int("markers.scanned", len(keys)),
		attribute.Int("markers.cleared", cleared),
	)

	if j.stream != nil {
		if depth, err := j.stream.Depth(ctx); err == nil {
			observability.StreamDepth.Set(float64(depth))
			span.SetAttributes(attribute.Int64("stream.depth", depth))
			j.log.Debug("work stream depth", slog.Int64("depth", depth))
		}
	}
}
