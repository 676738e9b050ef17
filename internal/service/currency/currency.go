// Package currency maintains the USD cross-rates used to localize match
// prices. The primary source is fetched through the proxy pool and may
// answer as JSON, an HTML table or script-embedded JSON; a public rates
// API covers for it without a proxy.
package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/proxypool"
)

const (
	rateCacheKey   = "currency_rates:latest"
	defaultTTL     = time.Hour
	defaultRefresh = time.Hour
	fetchTimeout   = 30 * time.Second
	maxBodyBytes   = 4 << 20

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Rates outside this window are table artifacts (years, row indexes), not
// USD cross-rates.
const (
	minRate = 0.1
	maxRate = 10000
)

// Caller runs one outbound call through the rotating proxy pool.
type Caller interface {
	Do(ctx context.Context, minDelay time.Duration, f proxypool.Func) error
}

// Service fetches, caches and serves currency cross-rates. It implements
// the rate source the notification path converts prices with.
type Service struct {
	caller      Caller
	cache       domain.Cache
	primaryURL  string
	fallbackURL string
	codes       []string
	ttl         time.Duration
	refresh     time.Duration
	log         *slog.Logger
}

// NewService wires the rate fetcher. codes are the ISO currency codes to
// extract; ttl bounds the cached set and refresh paces the background loop.
func NewService(caller Caller, cache domain.Cache, primaryURL, fallbackURL string, codes []string, ttl, refresh time.Duration, log *slog.Logger) *Service {
	if caller == nil || cache == nil {
		return nil
	}
	if len(codes) == 0 {
		codes = []string{"THB", "CNY", "RUB"}
	}
	normalized := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		normalized = append(normalized, c)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		caller:      caller,
		cache:       cache,
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		codes:       normalized,
		ttl:         ttl,
		refresh:     refresh,
		log:         log,
	}
}

// Rates returns the current cross-rate set, fetching on a cache miss. The
// result may be partial or empty; callers convert with whatever is there.
func (s *Service) Rates(ctx context.Context) map[string]float64 {
	if rates, ok := s.fromCache(ctx); ok {
		return rates
	}
	rates := s.fetch(ctx)
	if len(rates) >= len(s.codes) {
		s.store(ctx, rates)
	}
	return rates
}

// Convert prices usd in every currency a rate is known for.
func (s *Service) Convert(ctx context.Context, usd float64) map[string]float64 {
	rates := s.Rates(ctx)
	out := make(map[string]float64, len(rates))
	for code, rate := range rates {
		out[code] = usd * rate
	}
	return out
}

// HasRate reports whether a cross-rate for code is currently known.
func (s *Service) HasRate(ctx context.Context, code string) bool {
	_, ok := s.Rates(ctx)[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// Run refreshes the rate set on a fixed cadence until ctx is cancelled.
// The first refresh happens immediately so converted prices are available
// as soon as the worker starts.
func (s *Service) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	s.refreshOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("currency refresher stopping")
			return
		case <-ticker.C:
			s.refreshOnce(ctx)
		}
	}
}

// refreshOnce bypasses the cache read so a stale-but-unexpired set is
// replaced instead of served until it lapses.
func (s *Service) refreshOnce(ctx context.Context) {
	tracer := otel.Tracer("currency")
	ctx, span := tracer.Start(ctx, "Service.refreshOnce")
	defer span.End()

	rates := s.fetch(ctx)
	span.SetAttributes(attribute.Int("rates.fetched", len(rates)))
	if len(rates) < len(s.codes) {
		s.log.Warn("currency refresh incomplete",
			slog.Int("wanted", len(s.codes)),
			slog.Int("got", len(rates)))
		return
	}
	s.store(ctx, rates)
	s.log.Info("currency rates refreshed", slog.Any("rates", rates))
}

// fetch tries the proxied primary source first. An incomplete result falls
// back to the public API; the partial primary set is kept when the
// fallback yields nothing at all.
func (s *Service) fetch(ctx context.Context) map[string]float64 {
	rates, err := s.fromPrimary(ctx)
	if err != nil {
		s.log.Warn("primary rate source failed", slog.Any("error", err))
	}
	if len(rates) >= len(s.codes) {
		return rates
	}
	fb, err := s.fromFallback(ctx)
	if err != nil {
		s.log.Warn("fallback rate source failed", slog.Any("error", err))
	}
	if len(fb) > 0 {
		return fb
	}
	return rates
}

func (s *Service) fromCache(ctx context.Context) (map[string]float64, bool) {
	raw, ok, err := s.cache.Get(ctx, rateCacheKey)
	if err != nil || !ok {
		return nil, false
	}
	var rates map[string]float64
	if err := json.Unmarshal([]byte(raw), &rates); err != nil || len(rates) == 0 {
		return nil, false
	}
	return rates, true
}

func (s *Service) store(ctx context.Context, rates map[string]float64) {
	raw, err := json.Marshal(rates)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, rateCacheKey, string(raw), s.ttl); err != nil {
		s.log.Warn("rate cache write failed", slog.Any("error", err))
	}
}

func (s *Service) fromPrimary(ctx context.Context) (map[string]float64, error) {
	if s.primaryURL == "" {
		return nil, fmt.Errorf("op=currency.primary: no url configured")
	}
	var rates map[string]float64
	err := s.caller.Do(ctx, 0, func(ctx context.Context, proxyURL string) error {
		body, contentType, err := getVia(ctx, proxyURL, s.primaryURL)
		if err != nil {
			return err
		}
		rates = s.parsePayload(body, contentType)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=currency.primary: %w", err)
	}
	return rates, nil
}

// fromFallback hits the public JSON API directly. It returns the full
// configured set or nothing; a partial answer from the authority of last
// resort is treated as a failure.
func (s *Service) fromFallback(ctx context.Context) (map[string]float64, error) {
	if s.fallbackURL == "" {
		return nil, fmt.Errorf("op=currency.fallback: no url configured")
	}
	body, _, err := getVia(ctx, "", s.fallbackURL)
	if err != nil {
		return nil, fmt.Errorf("op=currency.fallback: %w", err)
	}
	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("op=currency.fallback: %w: %v", domain.ErrUpstreamInvalid, err)
	}
	rates := make(map[string]float64, len(s.codes))
	for _, code := range s.codes {
		if rate, ok := payload.Rates[code]; ok && inRange(rate) {
			rates[code] = rate
		}
	}
	if len(rates) < len(s.codes) {
		return nil, fmt.Errorf("op=currency.fallback incomplete set %d/%d: %w",
			len(rates), len(s.codes), domain.ErrUpstreamInvalid)
	}
	return rates, nil
}

// getVia performs one GET, through proxyURL when non-empty. 429 maps to
// the rate-limit sentinel so the retrier rotates proxies.
func getVia(ctx context.Context, proxyURL, rawURL string) ([]byte, string, error) {
	transport := http.DefaultTransport
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	client := &http.Client{Timeout: fetchTimeout, Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrUpstreamTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", domain.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status=%d: %w", resp.StatusCode, domain.ErrUpstreamTransient)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrUpstreamTransient, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// parsePayload picks the parse tier by shape: a JSON document first, then
// the HTML tiers.
func (s *Service) parsePayload(body []byte, contentType string) map[string]float64 {
	trimmed := strings.TrimSpace(string(body))
	if strings.Contains(strings.ToLower(contentType), "application/json") ||
		strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if rates := s.parseJSONRates(body); len(rates) > 0 {
			return rates
		}
	}
	return s.parseHTMLRates(trimmed)
}

func inRange(rate float64) bool {
	return rate > minRate && rate < maxRate
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
