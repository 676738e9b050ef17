// Package proxypool coordinates shared access to upstream exit points. A
// rotation cursor in the shared cache spreads load across replicas, a SetNX
// reservation key gives each proxy a single holder at a time, and pacing,
// quarantine and revival keep rate-limited endpoints out of rotation until
// they are usable again.
package proxypool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

const (
	cursorKey    = "proxy:rotation_cursor"
	outageKey    = "proxy:outage_alerted"
	lastCheckKey = "proxy:last_smart_check"

	// reserveTTL caps how long a crashed holder can keep a proxy reserved.
	reserveTTL = 5 * time.Minute

	// QuarantineShort is the first-incident block window. The admin bulk
	// probe applies it too, so policy lives in one place.
	QuarantineShort = 600 * time.Second
	quarantineLong  = 3600 * time.Second
	// escalateAt is the consecutive rate-limit incident count that switches
	// the block window from short to long.
	escalateAt = 3
	// earlyRelease lets a caller take a quarantined proxy once the block is
	// old enough that the upstream limit has likely lapsed.
	earlyRelease = 300 * time.Second

	outageCooldown = 30 * time.Minute

	// deactivateFailFloor guards against retiring a proxy on sparse data.
	deactivateFailFloor = 20

	snapshotTTL = 5 * time.Second
	// parkFloor bounds how tight the acquire loop can spin when every
	// candidate is reserved elsewhere.
	parkFloor = 100 * time.Millisecond
)

func reserveKey(id int64) string { return fmt.Sprintf("proxy:in_use:%d", id) }

// Manager owns proxy selection and all proxy row mutation. Workers never
// touch a proxy directly; they hold a Lease and report its outcome.
type Manager struct {
	repo     domain.ProxyRepository
	cache    domain.Cache
	notifier domain.Notifier
	log      *slog.Logger

	// defaultDelay is the pacing floor for rows that carry no delay of
	// their own.
	defaultDelay time.Duration

	mu        sync.Mutex
	proxies   []domain.Proxy
	fetchedAt time.Time
	lastUsed  map[int64]time.Time

	now func() time.Time
}

// NewManager constructs a Manager. The notifier may be nil; outage alerts are
// then log-only.
func NewManager(repo domain.ProxyRepository, cache domain.Cache, notifier domain.Notifier, defaultDelay time.Duration, log *slog.Logger) *Manager {
	if repo == nil || cache == nil {
		return nil
	}
	if defaultDelay < 0 {
		defaultDelay = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		repo:         repo,
		cache:        cache,
		notifier:     notifier,
		log:          log,
		defaultDelay: defaultDelay,
		lastUsed:     map[int64]time.Time{},
		now:          time.Now,
	}
}

// Lease is a scoped hold on one proxy. Exactly one of Success, Fail or
// RateLimited must be called when the caller is done; later calls no-op.
// Outcome reporting detaches from the caller's context so that a deadline
// expiry still records stats and releases the reservation.
type Lease struct {
	Proxy domain.Proxy
	mgr   *Manager
	done  atomic.Bool
}

// Success records a working round trip, clears any quarantine state and
// releases the reservation.
func (l *Lease) Success(ctx context.Context) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	l.mgr.markSuccess(ctx, l.Proxy)
	l.mgr.release(ctx, l.Proxy.ID)
}

// Fail records a non-rate-limit failure and releases the reservation.
func (l *Lease) Fail(ctx context.Context, cause error) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	l.mgr.markFailure(ctx, l.Proxy, cause)
	l.mgr.release(ctx, l.Proxy.ID)
}

// RateLimited quarantines the proxy, escalating with the consecutive incident
// streak, and releases the reservation.
func (l *Lease) RateLimited(ctx context.Context, cause error) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	l.mgr.markRateLimited(ctx, l.Proxy, cause)
	l.mgr.release(ctx, l.Proxy.ID)
}

// Acquire picks the next usable proxy and reserves it for the caller. It
// blocks while the pool is paced or fully quarantined, until ctx expires.
// minDelay raises the pacing floor for callers that need gentler traffic.
func (m *Manager) Acquire(ctx context.Context, minDelay time.Duration) (*Lease, error) {
	tracer := otel.Tracer("proxypool")
	ctx, span := tracer.Start(ctx, "ProxyPool.Acquire")
	defer span.End()

	for round := 1; ; round++ {
		lease, wait, err := m.acquireOnce(ctx, minDelay)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if lease != nil {
			span.SetAttributes(
				attribute.Int64("proxy.id", lease.Proxy.ID),
				attribute.Int("pool.rounds", round),
			)
			return lease, nil
		}
		// Park outside the lock, then rescan.
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, fmt.Errorf("op=proxypool.acquire: %w: %v", domain.ErrProxyUnavailable, err)
		}
	}
}

// acquireOnce scans the pool once. It returns a lease, or a park duration
// when no candidate is currently usable, or a terminal error.
func (m *Manager) acquireOnce(ctx context.Context, minDelay time.Duration) (*Lease, time.Duration, error) {
	pool, err := m.snapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(pool) == 0 {
		return nil, 0, fmt.Errorf("op=proxypool.acquire: %w: no active proxies", domain.ErrProxyUnavailable)
	}

	cursor := m.readCursor(ctx)
	now := m.now()
	n := len(pool)

	m.mu.Lock()
	var (
		candidates   []domain.Proxy
		candidateIdx []int
		lru          domain.Proxy
		lruLast      time.Time
		haveLRU      bool
		active       int
		usable       int
		earliest     time.Time
	)
	for i := 0; i < n; i++ {
		idx := (cursor + 1 + i) % n
		if idx < 0 {
			idx += n
		}
		p := pool[idx]
		if !p.Active {
			continue
		}
		active++
		if !quarantineLifted(p, now) {
			if at := releaseAt(p); earliest.IsZero() || at.Before(earliest) {
				earliest = at
			}
			continue
		}
		usable++
		last := m.lastUsedLocked(p)
		if !haveLRU || last.Before(lruLast) {
			lru, lruLast, haveLRU = p, last, true
		}
		if !last.IsZero() && now.Sub(last) < m.pacingDelay(p, minDelay) {
			continue
		}
		candidates = append(candidates, p)
		candidateIdx = append(candidateIdx, idx)
	}
	m.mu.Unlock()

	if active == 0 {
		return nil, 0, fmt.Errorf("op=proxypool.acquire: %w: no active proxies", domain.ErrProxyUnavailable)
	}

	for k, p := range candidates {
		stored, err := m.cache.SetNX(ctx, reserveKey(p.ID), "1", reserveTTL)
		if err != nil {
			m.log.Warn("proxy reservation failed", slog.Int64("proxy_id", p.ID), slog.Any("error", err))
			continue
		}
		if !stored {
			// Held by another worker.
			continue
		}
		m.mu.Lock()
		m.lastUsed[p.ID] = now
		m.mu.Unlock()
		m.writeCursor(ctx, candidateIdx[k])
		return &Lease{Proxy: p, mgr: m}, 0, nil
	}

	if usable == 0 {
		wait := parkFloor
		if !earliest.IsZero() {
			if d := earliest.Sub(now); d > wait {
				wait = d
			}
		}
		m.alertOutage(ctx, active-usable, active, wait)
		return nil, wait, nil
	}

	// Every candidate is paced or reserved; park on the least recently used
	// proxy's outstanding delay and rescan.
	wait := parkFloor
	if haveLRU && !lruLast.IsZero() {
		if d := m.pacingDelay(lru, minDelay) - now.Sub(lruLast); d > wait {
			wait = d
		}
	}
	return nil, wait, nil
}

// snapshot returns the active pool, refreshed from the repository when the
// local copy is older than snapshotTTL. A failed refresh serves the previous
// copy so a database outage does not stop rotation.
func (m *Manager) snapshot(ctx context.Context) ([]domain.Proxy, error) {
	m.mu.Lock()
	if m.proxies != nil && m.now().Sub(m.fetchedAt) < snapshotTTL {
		cur := m.proxies
		m.mu.Unlock()
		return cur, nil
	}
	m.mu.Unlock()

	list, err := m.repo.List(ctx, true)
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.proxies != nil {
			m.log.Warn("proxy snapshot refresh failed, serving stale pool", slog.Any("error", err))
			return m.proxies, nil
		}
		return nil, fmt.Errorf("op=proxypool.snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies = list
	m.fetchedAt = m.now()
	m.updateGaugesLocked()
	return m.proxies, nil
}

// ClearQuarantine lifts a block window immediately, both in storage and in
// the local snapshot. The revival prober calls this after a successful probe.
func (m *Manager) ClearQuarantine(ctx context.Context, id int64) error {
	if err := m.repo.ClearQuarantine(ctx, id); err != nil {
		return fmt.Errorf("op=proxypool.clear_quarantine: %w", err)
	}
	m.apply(id, func(cur *domain.Proxy) {
		cur.BlockedUntil = time.Time{}
		cur.BlockedAt = time.Time{}
		cur.RateLimitStreak = 0
	})
	return nil
}

// Quarantined lists proxies still inside their block window, those expiring
// soonest first.
func (m *Manager) Quarantined(ctx context.Context) ([]domain.Proxy, error) {
	out, err := m.repo.ListQuarantined(ctx, m.now())
	if err != nil {
		return nil, fmt.Errorf("op=proxypool.quarantined: %w", err)
	}
	return out, nil
}

// ActiveCount reports the size of the active pool.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	if _, err := m.snapshot(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.proxies {
		if m.proxies[i].Active {
			n++
		}
	}
	return n, nil
}

func (m *Manager) markSuccess(ctx context.Context, p domain.Proxy) {
	if err := m.repo.MarkSuccess(ctx, p.ID, m.now()); err != nil {
		m.log.Warn("skipping proxy stat write",
			slog.String("op", "mark_success"), slog.Int64("proxy_id", p.ID), slog.Any("error", err))
	}
	m.apply(p.ID, func(cur *domain.Proxy) {
		cur.SuccessCount++
		cur.BlockedUntil = time.Time{}
		cur.BlockedAt = time.Time{}
		cur.RateLimitStreak = 0
		cur.LastError = ""
	})
}

func (m *Manager) markFailure(ctx context.Context, p domain.Proxy, cause error) {
	errText := "request failed"
	if cause != nil {
		errText = cause.Error()
	}
	if err := m.repo.MarkFailure(ctx, p.ID, m.now(), errText); err != nil {
		m.log.Warn("skipping proxy stat write",
			slog.String("op", "mark_failure"), slog.Int64("proxy_id", p.ID), slog.Any("error", err))
		return
	}
	m.apply(p.ID, func(cur *domain.Proxy) {
		cur.FailCount++
		cur.LastError = errText
	})
	m.maybeDeactivate(ctx, p.ID, errText)
}

func (m *Manager) markRateLimited(ctx context.Context, p domain.Proxy, cause error) {
	now := m.now()
	streak := p.RateLimitStreak + 1
	window := QuarantineShort
	if streak >= escalateAt {
		window = quarantineLong
	}
	until := now.Add(window)
	errText := "rate limited"
	if cause != nil {
		errText = cause.Error()
	}
	if err := m.repo.Quarantine(ctx, p.ID, now, until, streak, errText); err != nil {
		m.log.Warn("skipping proxy stat write",
			slog.String("op", "quarantine"), slog.Int64("proxy_id", p.ID), slog.Any("error", err))
	}
	m.apply(p.ID, func(cur *domain.Proxy) {
		cur.FailCount++
		cur.BlockedAt = now
		cur.BlockedUntil = until
		cur.RateLimitStreak = streak
		cur.LastError = errText
	})
	observability.ProxyQuarantinesTotal.Inc()
	m.log.Warn("proxy quarantined",
		slog.Int64("proxy_id", p.ID),
		slog.Int("streak", streak),
		slog.Time("blocked_until", until))
}

// maybeDeactivate retires a proxy whose failures dwarf its successes. Rate
// limits never count toward retirement; they go through quarantine instead.
func (m *Manager) maybeDeactivate(ctx context.Context, id int64, errText string) {
	if looksRateLimited(errText) {
		return
	}
	cur, err := m.repo.Get(ctx, id)
	if err != nil {
		return
	}
	if cur.FailCount <= deactivateFailFloor || cur.FailCount <= cur.SuccessCount*3 {
		return
	}
	if err := m.repo.SetActive(ctx, id, false); err != nil {
		m.log.Warn("skipping proxy stat write",
			slog.String("op", "set_active"), slog.Int64("proxy_id", id), slog.Any("error", err))
		return
	}
	m.apply(id, func(p *domain.Proxy) { p.Active = false })
	m.log.Warn("proxy deactivated after sustained failures",
		slog.Int64("proxy_id", id),
		slog.Int64("fail_count", cur.FailCount),
		slog.Int64("success_count", cur.SuccessCount))
}

func (m *Manager) release(ctx context.Context, id int64) {
	if err := m.cache.Del(ctx, reserveKey(id)); err != nil {
		m.log.Warn("proxy reservation release failed",
			slog.Int64("proxy_id", id), slog.Any("error", err))
	}
}

// alertOutage raises one pool-wide alert per cooldown window across all
// replicas.
func (m *Manager) alertOutage(ctx context.Context, blocked, total int, retryAfter time.Duration) {
	stored, err := m.cache.SetNX(ctx, outageKey, m.now().UTC().Format(time.RFC3339), outageCooldown)
	if err != nil || !stored {
		return
	}
	m.log.Warn("proxy pool fully quarantined",
		slog.Int("blocked", blocked),
		slog.Int("total", total),
		slog.Duration("retry_after", retryAfter))
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyProxyOutage(ctx, domain.ProxyOutage{Blocked: blocked, Total: total, RetryAfter: retryAfter}); err != nil {
		m.log.Warn("proxy outage notification failed", slog.Any("error", err))
	}
}

// apply mutates one snapshot entry in place so selection stays coherent
// between repository refreshes.
func (m *Manager) apply(id int64, fn func(*domain.Proxy)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.proxies {
		if m.proxies[i].ID == id {
			fn(&m.proxies[i])
			break
		}
	}
	m.updateGaugesLocked()
}

func (m *Manager) updateGaugesLocked() {
	now := m.now()
	active, blocked := 0, 0
	for i := range m.proxies {
		if !m.proxies[i].Active {
			continue
		}
		active++
		if m.proxies[i].Quarantined(now) {
			blocked++
		}
	}
	observability.ProxiesActive.Set(float64(active))
	observability.ProxiesQuarantined.Set(float64(blocked))
}

func (m *Manager) readCursor(ctx context.Context) int {
	val, ok, err := m.cache.Get(ctx, cursorKey)
	if err != nil || !ok {
		return -1
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return n
}

func (m *Manager) writeCursor(ctx context.Context, idx int) {
	if err := m.cache.Set(ctx, cursorKey, strconv.Itoa(idx), 0); err != nil {
		m.log.Warn("rotation cursor write failed", slog.Any("error", err))
	}
}

// pacingDelay is the spacing enforced between two uses of the same proxy.
func (m *Manager) pacingDelay(p domain.Proxy, minDelay time.Duration) time.Duration {
	d := p.Delay
	if d <= 0 {
		d = m.defaultDelay
	}
	if minDelay > d {
		d = minDelay
	}
	return d
}

// lastUsedLocked merges the in-process shadow with the stored timestamp; the
// later of the two wins. A proxy never used before is usable immediately.
func (m *Manager) lastUsedLocked(p domain.Proxy) time.Time {
	t := m.lastUsed[p.ID]
	if p.LastUsed.After(t) {
		t = p.LastUsed
	}
	return t
}

// quarantineLifted reports whether the proxy is outside its block window, or
// inside it but old enough for the early-release allowance.
func quarantineLifted(p domain.Proxy, now time.Time) bool {
	if !p.Quarantined(now) {
		return true
	}
	return !p.BlockedAt.IsZero() && now.Sub(p.BlockedAt) >= earlyRelease
}

// releaseAt is the earliest moment a quarantined proxy becomes selectable.
func releaseAt(p domain.Proxy) time.Time {
	at := p.BlockedUntil
	if !p.BlockedAt.IsZero() {
		if early := p.BlockedAt.Add(earlyRelease); early.Before(at) {
			at = early
		}
	}
	return at
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
