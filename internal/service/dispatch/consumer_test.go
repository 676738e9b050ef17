package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/cache"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

type handlerRecorder struct {
	mu      sync.Mutex
	handled []int64
	err     error
}

func (h *handlerRecorder) handle(_ context.Context, d domain.TaskDescriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, d.TaskID)
	return h.err
}

func (h *handlerRecorder) ids() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.handled...)
}

func newConsumerFixture(t *testing.T, handler Handler, maxInFlight int) (*Consumer, *Stream, *redis.Client, *cache.Memory) {
	t.Helper()
	st, rdb, _ := newStreamFixture(t)
	mem := cache.NewMemory()
	c := NewConsumer(st, mem, handler, "c-test", maxInFlight, time.Second, time.Minute, time.Hour, nil)
	require.NotNil(t, c)
	// miniredis reads are polled without blocking.
	c.block = 0
	c.idlePause = 5 * time.Millisecond
	return c, st, rdb, mem
}

func startConsumer(t *testing.T, c *Consumer) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitStopped(t *testing.T, cancel context.CancelFunc, errCh chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNewConsumer_Defaults(t *testing.T) {
	st, _, _ := newStreamFixture(t)
	mem := cache.NewMemory()
	h := func(context.Context, domain.TaskDescriptor) error { return nil }

	assert.Nil(t, NewConsumer(nil, mem, h, "", 0, 0, 0, 0, nil))
	assert.Nil(t, NewConsumer(st, nil, h, "", 0, 0, 0, 0, nil))
	assert.Nil(t, NewConsumer(st, mem, nil, "", 0, 0, 0, 0, nil))

	c := NewConsumer(st, mem, h, "", 0, 0, 0, 0, nil)
	require.NotNil(t, c)
	assert.NotEmpty(t, c.name, "consumer name must be derived when empty")
	assert.Equal(t, 10, cap(c.sem))
	assert.Equal(t, time.Second, c.block)
	assert.Equal(t, 2*time.Hour, c.taskDeadline)
	assert.Equal(t, 2*time.Hour, c.runningTTL)
}

func TestConsumer_ProcessesAcksAndClearsMarker(t *testing.T) {
	ctx := context.Background()
	rec := &handlerRecorder{}
	c, st, rdb, mem := newConsumerFixture(t, rec.handle, 2)

	require.NoError(t, st.EnsureGroup(ctx))
	require.NoError(t, mem.Set(ctx, RunningKey(42), testEpoch.Format(time.RFC3339), 0))
	_, err := st.Enqueue(ctx, domain.TaskDescriptor{TaskID: 42, EnqueuedAt: testEpoch})
	require.NoError(t, err)

	cancel, errCh := startConsumer(t, c)
	require.Eventually(t, func() bool {
		if len(rec.ids()) != 1 {
			return false
		}
		if pendingCount(rdb) != 0 {
			return false
		}
		_, ok, _ := mem.Get(ctx, RunningKey(42))
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "entry must be handled, acked and unmarked")

	assert.Equal(t, []int64{42}, rec.ids())
	waitStopped(t, cancel, errCh)
}

func TestConsumer_AcksTerminalFailure(t *testing.T) {
	ctx := context.Background()
	rec := &handlerRecorder{err: errors.New("render page returned garbage")}
	c, st, rdb, mem := newConsumerFixture(t, rec.handle, 2)

	require.NoError(t, st.EnsureGroup(ctx))
	require.NoError(t, mem.Set(ctx, RunningKey(8), testEpoch.Format(time.RFC3339), 0))
	_, err := st.Enqueue(ctx, domain.TaskDescriptor{TaskID: 8, EnqueuedAt: testEpoch})
	require.NoError(t, err)

	cancel, errCh := startConsumer(t, c)
	require.Eventually(t, func() bool {
		if pendingCount(rdb) != 0 {
			return false
		}
		_, ok, _ := mem.Get(ctx, RunningKey(8))
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "a terminal failure still acks the entry")

	assert.Equal(t, []int64{8}, rec.ids())
	waitStopped(t, cancel, errCh)
}

func TestConsumer_ShutdownLeavesEntryPending(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	handler := func(hctx context.Context, _ domain.TaskDescriptor) error {
		close(started)
		<-hctx.Done()
		return hctx.Err()
	}
	c, st, rdb, mem := newConsumerFixture(t, handler, 2)

	require.NoError(t, st.EnsureGroup(ctx))
	require.NoError(t, mem.Set(ctx, RunningKey(7), testEpoch.Format(time.RFC3339), 0))
	_, err := st.Enqueue(ctx, domain.TaskDescriptor{TaskID: 7, EnqueuedAt: testEpoch})
	require.NoError(t, err)

	cancel, errCh := startConsumer(t, c)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	waitStopped(t, cancel, errCh)

	assert.EqualValues(t, 1, pendingCount(rdb),
		"an interrupted check stays pending for another replica")
	_, ok, err := mem.Get(ctx, RunningKey(7))
	require.NoError(t, err)
	assert.True(t, ok, "running marker stays while the entry is pending")
}

func TestConsumer_RefreshesMarkerDuringLongCheck(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	handler := func(context.Context, domain.TaskDescriptor) error {
		<-release
		return nil
	}
	c, st, rdb, mem := newConsumerFixture(t, handler, 1)
	c.runningTTL = 90 * time.Millisecond

	require.NoError(t, st.EnsureGroup(ctx))
	stale := testEpoch.Format(time.RFC3339)
	require.NoError(t, mem.Set(ctx, RunningKey(11), stale, 0))
	_, err := st.Enqueue(ctx, domain.TaskDescriptor{TaskID: 11, EnqueuedAt: testEpoch})
	require.NoError(t, err)

	cancel, errCh := startConsumer(t, c)
	require.Eventually(t, func() bool {
		val, ok, _ := mem.Get(ctx, RunningKey(11))
		return ok && val != stale
	}, 2*time.Second, 5*time.Millisecond, "marker must be rewritten while the check runs")

	close(release)
	require.Eventually(t, func() bool {
		if pendingCount(rdb) != 0 {
			return false
		}
		_, ok, _ := mem.Get(ctx, RunningKey(11))
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "the refreshed marker is still deleted on ack")
	waitStopped(t, cancel, errCh)
}

func TestConsumer_CapsInFlightChecks(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	cur, maxSeen, done := 0, 0, 0
	gate := make(chan struct{})
	handler := func(context.Context, domain.TaskDescriptor) error {
		mu.Lock()
		cur++
		if cur > maxSeen {
			maxSeen = cur
		}
		mu.Unlock()
		<-gate
		mu.Lock()
		cur--
		done++
		mu.Unlock()
		return nil
	}
	c, st, rdb, _ := newConsumerFixture(t, handler, 2)

	require.NoError(t, st.EnsureGroup(ctx))
	for id := int64(1); id <= 5; id++ {
		_, err := st.Enqueue(ctx, domain.TaskDescriptor{TaskID: id, EnqueuedAt: testEpoch})
		require.NoError(t, err)
	}

	cancel, errCh := startConsumer(t, c)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cur == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Give the loop room to overshoot if the cap were broken.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, maxSeen, "no more than two checks may run at once")
	mu.Unlock()

	close(gate)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 5 && pendingCount(rdb) == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, maxSeen)
	mu.Unlock()
	waitStopped(t, cancel, errCh)
}

func TestConsumer_ClaimsAbandonedEntry(t *testing.T) {
	ctx := context.Background()
	rec := &handlerRecorder{}
	c, st, rdb, _ := newConsumerFixture(t, rec.handle, 2)
	c.claimIdle = 0

	require.NoError(t, st.EnsureGroup(ctx))
	_, err := st.Enqueue(ctx, domain.TaskDescriptor{TaskID: 9, EnqueuedAt: testEpoch})
	require.NoError(t, err)
	dead, err := st.Fetch(ctx, "dead-replica", 1, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	cancel, errCh := startConsumer(t, c)
	require.Eventually(t, func() bool {
		return len(rec.ids()) == 1 && pendingCount(rdb) == 0
	}, 2*time.Second, 5*time.Millisecond, "abandoned entry must be claimed and finished")

	assert.Equal(t, []int64{9}, rec.ids())
	waitStopped(t, cancel, errCh)
}

func TestConsumer_RecoversAfterBrokerOutage(t *testing.T) {
	ctx := context.Background()
	rec := &handlerRecorder{}
	st, rdb, mr := newStreamFixture(t)
	mem := cache.NewMemory()
	c := NewConsumer(st, mem, rec.handle, "c-outage", 1, time.Second, time.Minute, time.Hour, nil)
	require.NotNil(t, c)
	c.block = 0
	c.idlePause = 5 * time.Millisecond

	require.NoError(t, st.EnsureGroup(ctx))
	_, err := st.Enqueue(ctx, domain.TaskDescriptor{TaskID: 1, EnqueuedAt: testEpoch})
	require.NoError(t, err)

	cancel, errCh := startConsumer(t, c)
	require.Eventually(t, func() bool {
		return len(rec.ids()) == 1 && pendingCount(rdb) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Every command fails while the error is set.
	mr.SetError("LOADING Redis is loading the dataset in memory")
	time.Sleep(30 * time.Millisecond)
	mr.SetError("")

	_, err = st.Enqueue(ctx, domain.TaskDescriptor{TaskID: 2, EnqueuedAt: testEpoch})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(rec.ids()) == 2 && pendingCount(rdb) == 0
	}, 5*time.Second, 10*time.Millisecond, "reads must resume once the broker answers again")

	assert.Equal(t, []int64{1, 2}, rec.ids())
	waitStopped(t, cancel, errCh)
}

func TestConsumer_WakePingCutsRest(t *testing.T) {
	rec := &handlerRecorder{}
	c, _, _, _ := newConsumerFixture(t, rec.handle, 1)
	c.idlePause = 5 * time.Second
	c.wake <- struct{}{}

	start := time.Now()
	c.rest(context.Background())
	assert.Less(t, time.Since(start), time.Second, "a buffered wake ping must end the pause")
}

func TestConsumer_PauseIgnoresWakePing(t *testing.T) {
	rec := &handlerRecorder{}
	c, _, _, _ := newConsumerFixture(t, rec.handle, 1)
	c.wake <- struct{}{}

	start := time.Now()
	c.pause(context.Background(), 30*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"retry pacing must not be cut short by wake pings")
}
