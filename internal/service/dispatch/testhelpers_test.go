package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/cache"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newStreamFixture(t *testing.T) (*Stream, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	st := NewStream(rdb, "parsers", 1000, nil)
	require.NotNil(t, st)
	return st, rdb, mr
}

func testDescriptor(id int64) domain.TaskDescriptor {
	return domain.TaskDescriptor{TaskID: id, EnqueuedAt: testEpoch}
}

func testTask(id int64, next time.Time) domain.MonitoringTask {
	return domain.MonitoringTask{
		ID:             id,
		Name:           fmt.Sprintf("watch-%d", id),
		MarketHashName: "AK-47 | Redline (Field-Tested)",
		AppID:          730,
		Currency:       "USD",
		Active:         true,
		CheckInterval:  time.Minute,
		NextCheck:      next,
	}
}

type taskRepoStub struct {
	mu      sync.Mutex
	rows    map[int64]*domain.MonitoringTask
	listErr error
}

func newTaskRepoStub(tasks ...domain.MonitoringTask) *taskRepoStub {
	rows := make(map[int64]*domain.MonitoringTask, len(tasks))
	for _, t := range tasks {
		cp := t
		rows[t.ID] = &cp
	}
	return &taskRepoStub{rows: rows}
}

func (s *taskRepoStub) Create(_ domain.Context, t domain.MonitoringTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = int64(len(s.rows) + 1)
	cp := t
	s.rows[t.ID] = &cp
	return t.ID, nil
}

func (s *taskRepoStub) Get(_ domain.Context, id int64) (domain.MonitoringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return domain.MonitoringTask{}, domain.ErrNotFound
	}
	return *t, nil
}

func (s *taskRepoStub) List(_ domain.Context) ([]domain.MonitoringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MonitoringTask
	for _, t := range s.rows {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *taskRepoStub) ListDue(_ domain.Context, now time.Time, limit int) ([]domain.MonitoringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.MonitoringTask
	for _, t := range s.rows {
		if t.Due(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextCheck.Before(out[j].NextCheck) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *taskRepoStub) Update(_ domain.Context, t domain.MonitoringTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[t.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := t
	s.rows[t.ID] = &cp
	return nil
}

func (s *taskRepoStub) Delete(_ domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *taskRepoStub) SetActive(_ domain.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.rows[id]; ok {
		t.Active = active
	}
	return nil
}

func (s *taskRepoStub) ResetNextCheck(_ domain.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.rows[id]; ok {
		t.NextCheck = at
	}
	return nil
}

func (s *taskRepoStub) CompleteCheck(_ domain.Context, id int64, lastCheck, nextCheck time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.rows[id]; ok {
		t.LastCheck = lastCheck
		t.NextCheck = nextCheck
		t.TotalChecks++
	}
	return nil
}

type queueStub struct {
	mu   sync.Mutex
	desc []domain.TaskDescriptor
	err  error
}

func (q *queueStub) Enqueue(_ domain.Context, d domain.TaskDescriptor) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.desc = append(q.desc, d)
	return fmt.Sprintf("0-%d", len(q.desc)), nil
}

func (q *queueStub) taskIDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.desc))
	for _, d := range q.desc {
		out = append(out, d.TaskID)
	}
	return out
}

// cacheStub delegates to an in-process cache with injectable failures.
type cacheStub struct {
	mem      *cache.Memory
	setnxErr error
	keysErr  error
}

func newCacheStub() *cacheStub {
	return &cacheStub{mem: cache.NewMemory()}
}

func (c *cacheStub) Get(ctx domain.Context, key string) (string, bool, error) {
	return c.mem.Get(ctx, key)
}

func (c *cacheStub) Set(ctx domain.Context, key, value string, ttl time.Duration) error {
	return c.mem.Set(ctx, key, value, ttl)
}

func (c *cacheStub) SetNX(ctx domain.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.setnxErr != nil {
		return false, c.setnxErr
	}
	return c.mem.SetNX(ctx, key, value, ttl)
}

func (c *cacheStub) Del(ctx domain.Context, keys ...string) error {
	return c.mem.Del(ctx, keys...)
}

func (c *cacheStub) Keys(ctx domain.Context, pattern string) ([]string, error) {
	if c.keysErr != nil {
		return nil, c.keysErr
	}
	return c.mem.Keys(ctx, pattern)
}
