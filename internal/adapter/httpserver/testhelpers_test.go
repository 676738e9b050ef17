package httpserver_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/cache"
	httpserver "github.com/fairyhunter13/steam-market-monitor/internal/adapter/httpserver"
	"github.com/fairyhunter13/steam-market-monitor/internal/config"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/usecase"
)

type stubTaskRepo struct {
	mu     sync.Mutex
	rows   map[int64]domain.MonitoringTask
	nextID int64
}

func newStubTaskRepo(tasks ...domain.MonitoringTask) *stubTaskRepo {
	s := &stubTaskRepo{rows: make(map[int64]domain.MonitoringTask)}
	for _, t := range tasks {
		s.rows[t.ID] = t
		if t.ID > s.nextID {
			s.nextID = t.ID
		}
	}
	return s
}

func (s *stubTaskRepo) Create(_ domain.Context, t domain.MonitoringTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t.ID = s.nextID
	now := time.Now().UTC()
	if t.NextCheck.IsZero() {
		t.NextCheck = now
	}
	t.CreatedAt, t.UpdatedAt = now, now
	s.rows[t.ID] = t
	return t.ID, nil
}

func (s *stubTaskRepo) Get(_ domain.Context, id int64) (domain.MonitoringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return domain.MonitoringTask{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *stubTaskRepo) List(_ domain.Context) ([]domain.MonitoringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MonitoringTask, 0, len(s.rows))
	for _, t := range s.rows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubTaskRepo) ListDue(_ domain.Context, _ time.Time, _ int) ([]domain.MonitoringTask, error) {
	return nil, nil
}

func (s *stubTaskRepo) Update(_ domain.Context, t domain.MonitoringTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[t.ID]; !ok {
		return domain.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	s.rows[t.ID] = t
	return nil
}

func (s *stubTaskRepo) Delete(_ domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *stubTaskRepo) SetActive(_ domain.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Active = active
	s.rows[id] = t
	return nil
}

func (s *stubTaskRepo) ResetNextCheck(_ domain.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.NextCheck = at
	s.rows[id] = t
	return nil
}

func (s *stubTaskRepo) CompleteCheck(_ domain.Context, id int64, lastCheck, nextCheck time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.LastCheck, t.NextCheck = lastCheck, nextCheck
	t.TotalChecks++
	s.rows[id] = t
	return nil
}

type stubProxyRepo struct {
	mu     sync.Mutex
	rows   map[int64]domain.Proxy
	nextID int64
}

func newStubProxyRepo(proxies ...domain.Proxy) *stubProxyRepo {
	s := &stubProxyRepo{rows: make(map[int64]domain.Proxy)}
	for _, p := range proxies {
		s.rows[p.ID] = p
		if p.ID > s.nextID {
			s.nextID = p.ID
		}
	}
	return s
}

func (s *stubProxyRepo) Create(_ domain.Context, p domain.Proxy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.URL == p.URL {
			return row.ID, nil
		}
	}
	s.nextID++
	p.ID = s.nextID
	p.CreatedAt = time.Now().UTC()
	s.rows[p.ID] = p
	return p.ID, nil
}

func (s *stubProxyRepo) Get(_ domain.Context, id int64) (domain.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.Proxy{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubProxyRepo) List(_ domain.Context, activeOnly bool) ([]domain.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Proxy, 0, len(s.rows))
	for _, p := range s.rows {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubProxyRepo) ListQuarantined(_ domain.Context, _ time.Time) ([]domain.Proxy, error) {
	return nil, nil
}

func (s *stubProxyRepo) MarkSuccess(_ domain.Context, _ int64, _ time.Time) error { return nil }

func (s *stubProxyRepo) MarkFailure(_ domain.Context, _ int64, _ time.Time, _ string) error {
	return nil
}

func (s *stubProxyRepo) Quarantine(_ domain.Context, id int64, blockedAt, until time.Time, streak int, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.BlockedAt, p.BlockedUntil = blockedAt, until
	p.RateLimitStreak = streak
	p.LastError = errText
	s.rows[id] = p
	return nil
}

func (s *stubProxyRepo) ClearQuarantine(_ domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.BlockedAt, p.BlockedUntil = time.Time{}, time.Time{}
	p.RateLimitStreak = 0
	s.rows[id] = p
	return nil
}

func (s *stubProxyRepo) SetActive(_ domain.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Active = active
	s.rows[id] = p
	return nil
}

func (s *stubProxyRepo) Delete(_ domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

type stubItemRepo struct {
	mu   sync.Mutex
	rows []domain.FoundItem
}

func (s *stubItemRepo) RecordMatch(_ domain.Context, item domain.FoundItem) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = int64(len(s.rows) + 1)
	s.rows = append(s.rows, item)
	return item.ID, nil
}

func (s *stubItemRepo) Exists(_ domain.Context, _ int64, _ string) (bool, error) {
	return false, nil
}

func (s *stubItemRepo) ListByTask(_ domain.Context, taskID int64, limit int) ([]domain.FoundItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FoundItem, 0, limit)
	for _, it := range s.rows {
		if it.TaskID != taskID {
			continue
		}
		out = append(out, it)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubItemRepo) List(_ domain.Context, limit int) ([]domain.FoundItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.rows) {
		limit = len(s.rows)
	}
	return s.rows[:limit], nil
}

func (s *stubItemRepo) MarkNotified(_ domain.Context, _ int64) error { return nil }

func (s *stubItemRepo) PurgeAll(_ domain.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.rows))
	s.rows = nil
	return n, nil
}

type stubRates struct{ codes map[string]bool }

func (s stubRates) Convert(_ domain.Context, usd float64) map[string]float64 {
	return map[string]float64{"THB": usd * 36}
}

func (s stubRates) HasRate(_ domain.Context, code string) bool { return s.codes[code] }

// probeStub answers bulk-check probes per proxy URL; missing entries succeed.
type probeStub struct {
	mu      sync.Mutex
	answers map[string]error
}

func (p *probeStub) Probe(_ context.Context, proxyURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers[proxyURL]
}

// fixture bundles the server with its stub stores so tests can seed and
// inspect them.
type fixture struct {
	srv     *httpserver.Server
	tasks   *stubTaskRepo
	proxies *stubProxyRepo
	items   *stubItemRepo
	cache   *cache.Memory
	probe   *probeStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tasks:   newStubTaskRepo(),
		proxies: newStubProxyRepo(),
		items:   &stubItemRepo{},
		cache:   cache.NewMemory(),
		probe:   &probeStub{answers: map[string]error{}},
	}
	cfg := config.Config{AppEnv: "test", AdminAPIToken: ""}
	rates := stubRates{codes: map[string]bool{"THB": true, "CNY": true}}
	f.srv = httpserver.NewServer(cfg,
		usecase.NewTasksService(f.tasks, rates, f.cache),
		usecase.NewProxiesService(f.proxies, f.probe),
		usecase.NewItemsService(f.items),
		nil, nil)
	return f
}

func (f *fixture) seedTask(tk domain.MonitoringTask) {
	f.tasks.mu.Lock()
	defer f.tasks.mu.Unlock()
	f.tasks.rows[tk.ID] = tk
	if tk.ID > f.tasks.nextID {
		f.tasks.nextID = tk.ID
	}
}

func (f *fixture) seedProxy(p domain.Proxy) {
	f.proxies.mu.Lock()
	defer f.proxies.mu.Unlock()
	f.proxies.rows[p.ID] = p
	if p.ID > f.proxies.nextID {
		f.proxies.nextID = p.ID
	}
}

func (f *fixture) seedItem(it domain.FoundItem) {
	f.items.mu.Lock()
	defer f.items.mu.Unlock()
	it.ID = int64(len(f.items.rows) + 1)
	f.items.rows = append(f.items.rows, it)
}
