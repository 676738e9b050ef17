package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// Handler runs one task check. The consumer acknowledges the stream entry
// after the handler returns, success or terminal failure alike.
type Handler func(ctx context.Context, d domain.TaskDescriptor) error

// Consumer reads task descriptors for one replica. A channel semaphore caps
// in-flight checks; while the cap is reached no new entries are fetched, so
// backlog stays in the stream where other replicas can take it.
type Consumer struct {
	stream       *Stream
	cache        domain.Cache
	handler      Handler
	name         string
	block        time.Duration
	taskDeadline time.Duration
	// runningTTL mirrors the marker TTL the sweeper stamps at dispatch. A
	// check that runs past a third of it refreshes the marker so it cannot
	// lapse or look stale while the check is still in flight.
	runningTTL time.Duration
	// idlePause spaces out reads after an empty poll; a wake ping cuts it
	// short. claimIdle is how long a pending entry must sit untouched
	// before this replica may steal it from a dead consumer.
	idlePause time.Duration
	claimIdle time.Duration
	log       *slog.Logger

	sem  chan struct{}
	wake chan struct{}
}

// NewConsumer constructs a Consumer. An empty consumerName derives one from
// the hostname and pid so replicas stay distinguishable within the group.
func NewConsumer(stream *Stream, cache domain.Cache, handler Handler, consumerName string, maxInFlight int, block, taskDeadline, runningTTL time.Duration, log *slog.Logger) *Consumer {
	if stream == nil || cache == nil || handler == nil {
		return nil
	}
	if consumerName == "" {
		consumerName = defaultConsumerName()
	}
	if maxInFlight <= 0 {
		maxInFlight = 10
	}
	if block <= 0 {
		block = time.Second
	}
	if taskDeadline <= 0 {
		taskDeadline = 2 * time.Hour
	}
	if runningTTL <= 0 {
		runningTTL = 2 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		stream:       stream,
		cache:        cache,
		handler:      handler,
		name:         consumerName,
		block:        block,
		taskDeadline: taskDeadline,
		runningTTL:   runningTTL,
		idlePause:    2 * time.Second,
		claimIdle:    15 * time.Minute,
		log:          log,
		sem:          make(chan struct{}, maxInFlight),
		wake:         make(chan struct{}, 1),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight checks to
// finish before returning.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.stream.EnsureGroup(ctx); err != nil {
		return err
	}
	go c.wakeLoop(ctx)

	c.log.Info("task consumer started",
		slog.String("consumer", c.name),
		slog.Int("max_in_flight", cap(c.sem)))

	// Failed reads retry on an exponential schedule, capped at 30s and never
	// giving up; any clean round trip resets it.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var wg sync.WaitGroup
	for {
		// Holding a slot before the read keeps a saturated replica from
		// fetching entries it cannot start.
		select {
		case <-ctx.Done():
			wg.Wait()
			c.log.Info("task consumer stopping")
			return ctx.Err()
		case c.sem <- struct{}{}:
		}

		m, ok, err := c.next(ctx)
		if err != nil {
			<-c.sem
			if ctx.Err() == nil {
				c.pause(ctx, bo.NextBackOff())
			}
			continue
		}
		bo.Reset()
		if !ok {
			<-c.sem
			if ctx.Err() == nil {
				c.rest(ctx)
			}
			continue
		}

		wg.Add(1)
		go func(m Message) {
			defer wg.Done()
			defer func() { <-c.sem }()
			c.handle(ctx, m)
		}(m)
	}
}

// next returns one stream entry, preferring fresh deliveries and falling
// back to entries abandoned by a dead consumer. A non-nil error means the
// broker could not be read at all, as opposed to an empty poll.
func (c *Consumer) next(ctx context.Context) (Message, bool, error) {
	msgs, err := c.stream.Fetch(ctx, c.name, 1, c.block)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("stream read failed", slog.Any("error", err))
		}
		return Message{}, false, err
	}
	if len(msgs) > 0 {
		return msgs[0], true, nil
	}

	claimed, err := c.stream.Claim(ctx, c.name, c.claimIdle, 1)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("pending claim failed", slog.Any("error", err))
		}
		return Message{}, false, err
	}
	if len(claimed) > 0 {
		c.log.Info("claimed abandoned task entry",
			slog.String("stream_id", claimed[0].ID),
			slog.Int64("task_id", claimed[0].Descriptor.TaskID))
		return claimed[0], true, nil
	}
	return Message{}, false, nil
}

func (c *Consumer) handle(ctx context.Context, m Message) {
	tracer := otel.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "Consumer.handle")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", m.Descriptor.TaskID),
		attribute.String("stream.id", m.ID),
	)

	observability.StartCheck()
	tctx, cancel := context.WithTimeout(ctx, c.taskDeadline)
	stopRefresh := c.keepMarkerAlive(tctx, m.Descriptor.TaskID)
	err := c.handler(tctx, m.Descriptor)
	stopRefresh()
	cancel()

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the check. The entry stays pending so another
		// replica claims and retries it; the running marker stays so the
		// sweeper does not double-dispatch in the meantime.
		observability.FailCheck()
		span.RecordError(err)
		c.log.Warn("task check interrupted",
			slog.Int64("task_id", m.Descriptor.TaskID), slog.Any("error", err))
		return
	}
	if err != nil {
		observability.FailCheck()
		span.RecordError(err)
		c.log.Error("task check failed",
			slog.Int64("task_id", m.Descriptor.TaskID), slog.Any("error", err))
	} else {
		observability.CompleteCheck()
	}

	// Ack runs on a detached context so a shutdown right here still records
	// the finished check instead of stranding it as pending.
	done := context.WithoutCancel(ctx)
	if err := c.stream.Ack(done, m.ID); err != nil {
		c.log.Error("stream ack failed",
			slog.String("stream_id", m.ID), slog.Any("error", err))
		return
	}
	if err := c.cache.Del(done, RunningKey(m.Descriptor.TaskID)); err != nil {
		c.log.Warn("running marker delete failed",
			slog.Int64("task_id", m.Descriptor.TaskID), slog.Any("error", err))
	}
}

// keepMarkerAlive rewrites the running marker while a check is in flight.
// The sweeper stamps the marker once with a fixed TTL; a check outliving it
// would be swept as stale and dispatched a second time. The rewrite also
// renews the recorded timestamp the janitor ages markers by. The returned
// stop waits for the loop to exit, so no refresh races the post-ack delete.
func (c *Consumer) keepMarkerAlive(ctx context.Context, taskID int64) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.runningTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				val := time.Now().UTC().Format(time.RFC3339)
				if err := c.cache.Set(ctx, RunningKey(taskID), val, c.runningTTL); err != nil {
					c.log.Warn("running marker refresh failed",
						slog.Int64("task_id", taskID), slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// rest pauses after an empty read. A wake ping from a sweeper cuts the pause
// short; the stream itself remains the source of truth.
func (c *Consumer) rest(ctx context.Context) {
	t := time.NewTimer(c.idlePause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-t.C:
	}
}

// pause sleeps for d or until ctx ends. Wake pings do not cut it short; it
// paces reads against a failing broker, not an idle one.
func (c *Consumer) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) wakeLoop(ctx context.Context) {
	sub := c.stream.Wake(ctx)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
