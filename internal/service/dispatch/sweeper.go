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

// sweepBatch caps how many due tasks a single sweep publishes.
const sweepBatch = 100

// Sweeper publishes due tasks to the work stream. Every interval it lists
// active tasks whose next check time has passed and enqueues a descriptor
// for each, guarded by a running marker so concurrent sweepers on other
// replicas do not double-dispatch.
type Sweeper struct {
	tasks      domain.TaskRepository
	cache      domain.Cache
	queue      domain.TaskQueue
	interval   time.Duration
	runningTTL time.Duration
	batch      int
	log        *slog.Logger

	now func() time.Time
}

// NewSweeper constructs a Sweeper. interval defaults to one second and
// runningTTL to two hours.
func NewSweeper(tasks domain.TaskRepository, cache domain.Cache, queue domain.TaskQueue, interval, runningTTL time.Duration, log *slog.Logger) *Sweeper {
	if tasks == nil || cache == nil || queue == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	if runningTTL <= 0 {
		runningTTL = 2 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		tasks:      tasks,
		cache:      cache,
		queue:      queue,
		interval:   interval,
		runningTTL: runningTTL,
		batch:      sweepBatch,
		log:        log,
		now:        time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("task sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()

	now := s.now()
	due, err := s.tasks.ListDue(ctx, now, s.batch)
	if err != nil {
		span.RecordError(err)
		s.log.Error("sweep failed to list due tasks", slog.Any("error", err))
		return
	}
	if len(due) == 0 {
		return
	}

	enqueued := 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		if s.dispatch(ctx, t, now) {
			enqueued++
		}
	}
	span.SetAttributes(
		attribute.Int("tasks.due", len(due)),
		attribute.Int("tasks.enqueued", enqueued),
	)
	if enqueued > 0 {
		s.log.Info("dispatched due tasks",
			slog.Int("due", len(due)), slog.Int("enqueued", enqueued))
	}
}

// dispatch marks one task as running and publishes its descriptor. The
// marker goes in before the publish; a marker left without a stream entry
// expires via its TTL or the janitor.
func (s *Sweeper) dispatch(ctx context.Context, t domain.MonitoringTask, now time.Time) bool {
	marked, err := s.cache.SetNX(ctx, RunningKey(t.ID), now.UTC().Format(time.RFC3339), s.runningTTL)
	if err != nil {
		// Degraded cache demotes dedupe to best effort; dispatch continues.
		s.log.Warn("running marker write failed",
			slog.Int64("task_id", t.ID), slog.Any("error", err))
	} else if !marked {
		return false
	}

	id, err := s.queue.Enqueue(ctx, domain.TaskDescriptor{TaskID: t.ID, EnqueuedAt: now.UTC()})
	if err != nil {
		s.log.Error("task enqueue failed", slog.Int64("task_id", t.ID), slog.Any("error", err))
		if marked {
			// An unpublished task must not stay marked for the full TTL.
			_ = s.cache.Del(ctx, RunningKey(t.ID))
		}
		return false
	}
	observability.TasksEnqueuedTotal.Inc()
	s.log.Debug("task dispatched",
		slog.Int64("task_id", t.ID), slog.String("stream_id", id))
	return true
}
