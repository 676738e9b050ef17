package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/proxypool"
)

const (
	// defaultProbeConcurrency bounds the bulk check; the marketplace sees at
	// most this many probe requests at once.
	defaultProbeConcurrency = 15
	defaultProbeTimeout     = 15 * time.Second
)

// ProxiesService manages pool membership for the admin surfaces. Probe may
// be nil; CheckAll then reports an invalid-argument error.
type ProxiesService struct {
	Proxies domain.ProxyRepository
	Probe   proxypool.Prober

	// ProbeTimeout bounds one bulk-check probe. Zero means the default.
	ProbeTimeout time.Duration
}

// NewProxiesService constructs a ProxiesService.
func NewProxiesService(r domain.ProxyRepository, probe proxypool.Prober) ProxiesService {
	return ProxiesService{Proxies: r, Probe: probe}
}

// Add registers a proxy under its canonical URL and returns the stored row.
// When the canonical form is already registered the existing row comes back
// instead of a duplicate. A zero delay inherits the pool's pacing floor.
func (s ProxiesService) Add(ctx domain.Context, rawURL string, delay time.Duration) (domain.Proxy, error) {
	canonical, err := proxypool.Normalize(rawURL)
	if err != nil {
		return domain.Proxy{}, err
	}
	if delay < 0 {
		return domain.Proxy{}, fmt.Errorf("%w: negative proxy delay", domain.ErrInvalidArgument)
	}
	started := time.Now().UTC()
	id, err := s.Proxies.Create(ctx, domain.Proxy{URL: canonical, Active: true, Delay: delay})
	if err != nil {
		return domain.Proxy{}, err
	}
	p, err := s.Proxies.Get(ctx, id)
	if err != nil {
		return domain.Proxy{}, err
	}
	if p.CreatedAt.Before(started) {
		slog.Warn("proxy already registered", slog.Int64("proxy_id", p.ID), slog.String("url", trimURL(canonical)))
	} else {
		slog.Info("proxy added", slog.Int64("proxy_id", p.ID), slog.String("url", trimURL(canonical)))
	}
	return p, nil
}

// List returns the pool ordered by id, optionally active rows only.
func (s ProxiesService) List(ctx domain.Context, activeOnly bool) ([]domain.Proxy, error) {
	return s.Proxies.List(ctx, activeOnly)
}

// Delete removes a proxy. A missing id yields ErrNotFound.
func (s ProxiesService) Delete(ctx domain.Context, id int64) error {
	if _, err := s.Proxies.Get(ctx, id); err != nil {
		return err
	}
	if err := s.Proxies.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("proxy deleted", slog.Int64("proxy_id", id))
	return nil
}

// SetActive moves a proxy in or out of rotation.
func (s ProxiesService) SetActive(ctx domain.Context, id int64, active bool) error {
	if _, err := s.Proxies.Get(ctx, id); err != nil {
		return err
	}
	if err := s.Proxies.SetActive(ctx, id, active); err != nil {
		return err
	}
	slog.Info("proxy toggled", slog.Int64("proxy_id", id), slog.Bool("active", active))
	return nil
}

// DedupeReport summarizes a duplicate sweep.
type DedupeReport struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// Dedupe collapses rows whose URLs normalize to the same canonical form,
// keeping the oldest row of each group. Rows predate normalization; new
// inserts cannot produce duplicates.
func (s ProxiesService) Dedupe(ctx domain.Context) (DedupeReport, error) {
	proxies, err := s.Proxies.List(ctx, false)
	if err != nil {
		return DedupeReport{}, err
	}
	groups := make(map[string][]domain.Proxy)
	var rep DedupeReport
	for _, p := range proxies {
		canonical, err := proxypool.Normalize(p.URL)
		if err != nil {
			slog.Warn("stored proxy url does not normalize, leaving row alone",
				slog.Int64("proxy_id", p.ID), slog.Any("error", err))
			rep.Kept++
			continue
		}
		groups[canonical] = append(groups[canonical], p)
	}
	for canonical, group := range groups {
		rep.Kept++
		for _, dup := range group[1:] {
			if err := s.Proxies.Delete(ctx, dup.ID); err != nil {
				return rep, err
			}
			rep.Removed++
			slog.Info("duplicate proxy removed",
				slog.Int64("kept_id", group[0].ID),
				slog.Int64("removed_id", dup.ID),
				slog.String("url", trimURL(canonical)))
		}
	}
	slog.Info("proxy dedupe finished", slog.Int("removed", rep.Removed), slog.Int("kept", rep.Kept))
	return rep, nil
}

// ProbeResult classifies one proxy after a bulk check.
type ProbeResult struct {
	ProxyID int64  `json:"proxy_id"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// ProbeReport aggregates a bulk check. Blocked and Unblocked count the
// quarantine transitions this run caused.
type ProbeReport struct {
	Total       int           `json:"total"`
	Working     int           `json:"working"`
	RateLimited int           `json:"rate_limited"`
	Errors      int           `json:"errors"`
	Blocked     int           `json:"blocked"`
	Unblocked   int           `json:"unblocked"`
	Results     []ProbeResult `json:"results"`
}

// CheckAll probes every stored proxy against the marketplace with bounded
// concurrency and reconciles quarantine state with what the probes saw: a
// responsive quarantined proxy is released, a rate-limited free one is
// blocked for the first-incident window. Other failures change nothing;
// deactivation stays with the pool manager's sustained-failure rule.
func (s ProxiesService) CheckAll(ctx domain.Context, concurrent int) (ProbeReport, error) {
	if s.Probe == nil {
		return ProbeReport{}, fmt.Errorf("%w: no prober configured", domain.ErrInvalidArgument)
	}
	if concurrent <= 0 {
		concurrent = defaultProbeConcurrency
	}
	timeout := s.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	proxies, err := s.Proxies.List(ctx, false)
	if err != nil {
		return ProbeReport{}, err
	}
	rep := ProbeReport{Total: len(proxies), Results: make([]ProbeResult, len(proxies))}
	if len(proxies) == 0 {
		return rep, nil
	}
	slog.Info("bulk proxy check started",
		slog.Int("total", len(proxies)), slog.Int("concurrent", concurrent))

	var blocked, unblocked atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrent)
	for i, p := range proxies {
		if ctx.Err() != nil {
			rep.Results[i] = ProbeResult{ProxyID: p.ID, URL: trimURL(p.URL), Status: "error", Error: ctx.Err().Error()}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p domain.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := s.Probe.Probe(pctx, p.URL)
			cancel()
			rep.Results[i] = s.settle(ctx, p, err, &blocked, &unblocked)
		}(i, p)
	}
	wg.Wait()

	for _, r := range rep.Results {
		switch r.Status {
		case "ok":
			rep.Working++
		case "rate_limited":
			rep.RateLimited++
		default:
			rep.Errors++
		}
	}
	rep.Blocked = int(blocked.Load())
	rep.Unblocked = int(unblocked.Load())
	slog.Info("bulk proxy check finished",
		slog.Int("working", rep.Working),
		slog.Int("rate_limited", rep.RateLimited),
		slog.Int("errors", rep.Errors),
		slog.Int("blocked", rep.Blocked),
		slog.Int("unblocked", rep.Unblocked))
	return rep, nil
}

// settle records one probe outcome and applies its quarantine transition.
func (s ProxiesService) settle(ctx domain.Context, p domain.Proxy, probeErr error, blocked, unblocked *atomic.Int64) ProbeResult {
	now := time.Now().UTC()
	res := ProbeResult{ProxyID: p.ID, URL: trimURL(p.URL)}
	switch {
	case probeErr == nil:
		res.Status = "ok"
		if p.Quarantined(now) {
			if err := s.Proxies.ClearQuarantine(ctx, p.ID); err != nil {
				slog.Warn("bulk check could not clear quarantine",
					slog.Int64("proxy_id", p.ID), slog.Any("error", err))
			} else {
				unblocked.Add(1)
			}
		}
	case errors.Is(probeErr, domain.ErrRateLimited):
		res.Status = "rate_limited"
		res.Error = probeErr.Error()
		if !p.Quarantined(now) {
			until := now.Add(proxypool.QuarantineShort)
			if err := s.Proxies.Quarantine(ctx, p.ID, now, until, p.RateLimitStreak+1, "rate limited on bulk probe"); err != nil {
				slog.Warn("bulk check could not quarantine",
					slog.Int64("proxy_id", p.ID), slog.Any("error", err))
			} else {
				blocked.Add(1)
			}
		}
	default:
		res.Status = "error"
		res.Error = probeErr.Error()
	}
	return res
}

// trimURL keeps log lines and probe reports short; credentials in the
// middle of long URLs get cut with everything else.
func trimURL(u string) string {
	if len(u) > 50 {
		return u[:50] + "..."
	}
	return u
}
