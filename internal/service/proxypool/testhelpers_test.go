package proxypool

import (
	"sort"
	"sync"
	"time"

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

type quarantineCall struct {
	id     int64
	streak int
	window time.Duration
}

type failureCall struct {
	id  int64
	err string
}

type repoStub struct {
	mu          sync.Mutex
	rows        map[int64]*domain.Proxy
	listErr     error
	markErr     error
	successes   []int64
	failures    []failureCall
	quarantines []quarantineCall
	cleared     []int64
	deactivated []int64
}

func newRepoStub(proxies ...domain.Proxy) *repoStub {
	rows := make(map[int64]*domain.Proxy, len(proxies))
	for _, p := range proxies {
		cp := p
		rows[p.ID] = &cp
	}
	return &repoStub{rows: rows}
}

func (s *repoStub) row(id int64) (domain.Proxy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.Proxy{}, false
	}
	return *p, true
}

func (s *repoStub) Create(_ domain.Context, p domain.Proxy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.URL == p.URL {
			return row.ID, nil
		}
	}
	p.ID = int64(len(s.rows) + 1)
	cp := p
	s.rows[p.ID] = &cp
	return p.ID, nil
}

func (s *repoStub) Get(_ domain.Context, id int64) (domain.Proxy, error) {
	p, ok := s.row(id)
	if !ok {
		return domain.Proxy{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *repoStub) List(_ domain.Context, activeOnly bool) ([]domain.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Proxy
	for _, p := range s.rows {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *repoStub) ListQuarantined(_ domain.Context, now time.Time) ([]domain.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Proxy
	for _, p := range s.rows {
		if p.Active && p.BlockedUntil.After(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedUntil.Before(out[j].BlockedUntil) })
	return out, nil
}

func (s *repoStub) MarkSuccess(_ domain.Context, id int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	if p, ok := s.rows[id]; ok {
		p.SuccessCount++
		p.LastUsed = usedAt
		p.BlockedUntil = time.Time{}
		p.BlockedAt = time.Time{}
		p.RateLimitStreak = 0
		p.LastError = ""
	}
	s.successes = append(s.successes, id)
	return nil
}

func (s *repoStub) MarkFailure(_ domain.Context, id int64, usedAt time.Time, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	if p, ok := s.rows[id]; ok {
		p.FailCount++
		p.LastUsed = usedAt
		p.LastError = errText
	}
	s.failures = append(s.failures, failureCall{id: id, err: errText})
	return nil
}

func (s *repoStub) Quarantine(_ domain.Context, id int64, blockedAt, until time.Time, streak int, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	if p, ok := s.rows[id]; ok {
		p.FailCount++
		p.LastUsed = blockedAt
		p.BlockedAt = blockedAt
		p.BlockedUntil = until
		p.RateLimitStreak = streak
		p.LastError = errText
	}
	s.quarantines = append(s.quarantines, quarantineCall{id: id, streak: streak, window: until.Sub(blockedAt)})
	return nil
}

func (s *repoStub) ClearQuarantine(_ domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.rows[id]; ok {
		p.BlockedUntil = time.Time{}
		p.BlockedAt = time.Time{}
		p.RateLimitStreak = 0
	}
	s.cleared = append(s.cleared, id)
	return nil
}

func (s *repoStub) SetActive(_ domain.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.rows[id]; ok {
		p.Active = active
	}
	if !active {
		s.deactivated = append(s.deactivated, id)
	}
	return nil
}

func (s *repoStub) Delete(_ domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

type notifierStub struct {
	mu      sync.Mutex
	outages []domain.ProxyOutage
	matches []domain.MatchEvent
}

func (n *notifierStub) NotifyMatch(_ domain.Context, ev domain.MatchEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matches = append(n.matches, ev)
	return nil
}

func (n *notifierStub) NotifyProxyOutage(_ domain.Context, o domain.ProxyOutage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outages = append(n.outages, o)
	return nil
}

func (n *notifierStub) outageCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.outages)
}

func testProxy(id int64, rawURL string) domain.Proxy {
	return domain.Proxy{ID: id, URL: rawURL, Active: true}
}
