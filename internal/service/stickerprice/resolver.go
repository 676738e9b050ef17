// Package stickerprice resolves sticker display names to their lowest
// marketplace prices. Resolution walks a chain of strategies from cheapest
// to most expensive and caches every hit; names the whole chain misses are
// reported as absent rather than failing the caller.
package stickerprice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/market"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/proxypool"
)

const (
	defaultTTL   = time.Hour
	defaultDelay = 400 * time.Millisecond
)

// Market is the slice of the marketplace client the resolver consumes.
type Market interface {
	PriceOverview(ctx context.Context, proxyURL string, appID int, currency, hashName string) (float64, error)
	ListingPageHTML(ctx context.Context, proxyURL string, appID int, hashName string) (string, error)
	SearchSuggestions(ctx context.Context, proxyURL, query string) ([]market.Suggestion, error)
}

// Caller runs one marketplace call through the rotating proxy pool.
type Caller interface {
	Do(ctx context.Context, minDelay time.Duration, f proxypool.Func) error
}

// Resolver prices stickers through the shared cache, the price overview
// endpoint, the item's own listing page and the search suggestions
// endpoint, in that order.
type Resolver struct {
	market Market
	caller Caller
	cache  domain.Cache
	ttl    time.Duration
	delay  time.Duration
	log    *slog.Logger
}

// cachedPrice is the JSON value stored under sticker_price keys.
type cachedPrice struct {
	Price float64 `json:"price"`
	Name  string  `json:"sticker_name"`
}

// NewResolver wires the strategy chain. ttl bounds cache entries; delay
// paces sequential marketplace lookups inside a batch.
func NewResolver(m Market, caller Caller, cache domain.Cache, ttl, delay time.Duration, log *slog.Logger) *Resolver {
	if m == nil || caller == nil || cache == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if delay <= 0 {
		delay = defaultDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		market: m,
		caller: caller,
		cache:  cache,
		ttl:    ttl,
		delay:  delay,
		log:    log,
	}
}

// Price resolves a single sticker name. The boolean is false when every
// strategy came up empty.
func (r *Resolver) Price(ctx context.Context, name string, appID int, currency string) (float64, bool) {
	if p, ok := r.fromCache(ctx, name, appID, currency); ok {
		observability.StickerResolutionsTotal.WithLabelValues("cache").Inc()
		return p, true
	}
	return r.lookup(ctx, name, appID, currency)
}

// PriceBatch resolves every name and returns a map keyed by the original
// inputs, duplicates included. Unresolved names map to nil. Cache hits are
// served first; only the misses go to the marketplace, one at a time with
// an inter-request pause.
func (r *Resolver) PriceBatch(ctx context.Context, names []string, appID int, currency string) map[string]*float64 {
	tracer := otel.Tracer("stickerprice")
	ctx, span := tracer.Start(ctx, "Resolver.PriceBatch")
	defer span.End()

	unique := dedupe(names)
	resolved := make(map[string]float64, len(unique))
	misses := make([]string, 0, len(unique))

	for _, name := range unique {
		if p, ok := r.fromCache(ctx, name, appID, currency); ok {
			observability.StickerResolutionsTotal.WithLabelValues("cache").Inc()
			resolved[name] = p
			continue
		}
		misses = append(misses, name)
	}

	for i, name := range misses {
		if i > 0 {
			if err := sleepCtx(ctx, r.delay); err != nil {
				break
			}
		}
		if p, ok := r.lookup(ctx, name, appID, currency); ok {
			resolved[name] = p
		}
		if ctx.Err() != nil {
			break
		}
	}

	r.fuzzyFill(resolved, unique)

	out := make(map[string]*float64, len(names))
	for _, name := range names {
		if p, ok := resolved[name]; ok {
			v := p
			out[name] = &v
		} else {
			out[name] = nil
		}
	}

	span.SetAttributes(
		attribute.Int("stickers.requested", len(names)),
		attribute.Int("stickers.unique", len(unique)),
		attribute.Int("stickers.resolved", len(resolved)),
	)
	if len(resolved) < len(unique) {
		r.log.Warn("sticker prices incomplete",
			slog.Int("unique", len(unique)),
			slog.Int("resolved", len(resolved)))
	}
	return out
}

// lookup walks the marketplace strategies for one cache-missed name.
func (r *Resolver) lookup(ctx context.Context, name string, appID int, currency string) (float64, bool) {
	strategies := []struct {
		label string
		fn    func(context.Context, string, int, string) (float64, error)
	}{
		{"overview", r.fromOverview},
		{"listing", r.fromListingPage},
		{"suggestions", r.fromSuggestions},
	}
	for _, st := range strategies {
		price, err := st.fn(ctx, name, appID, currency)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false
			}
			r.log.Debug("sticker strategy failed",
				slog.String("strategy", st.label),
				slog.String("sticker", name),
				slog.Any("error", err))
			continue
		}
		if price <= 0 {
			continue
		}
		r.store(ctx, name, appID, currency, price)
		observability.StickerResolutionsTotal.WithLabelValues(st.label).Inc()
		r.log.Debug("sticker price resolved",
			slog.String("strategy", st.label),
			slog.String("sticker", name),
			slog.Float64("price", price))
		return price, true
	}
	return 0, false
}

func (r *Resolver) fromCache(ctx context.Context, name string, appID int, currency string) (float64, bool) {
	raw, ok, err := r.cache.Get(ctx, cacheKey(name, appID, currency))
	if err != nil || !ok {
		return 0, false
	}
	var entry cachedPrice
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Price <= 0 {
		return 0, false
	}
	return entry.Price, true
}

func (r *Resolver) store(ctx context.Context, name string, appID int, currency string, price float64) {
	raw, err := json.Marshal(cachedPrice{Price: price, Name: name})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(name, appID, currency), string(raw), r.ttl); err != nil {
		r.log.Debug("sticker price cache write failed",
			slog.String("sticker", name),
			slog.Any("error", err))
	}
}

func (r *Resolver) fromOverview(ctx context.Context, name string, appID int, currency string) (float64, error) {
	var price float64
	err := r.caller.Do(ctx, 0, func(ctx context.Context, proxyURL string) error {
		p, err := r.market.PriceOverview(ctx, proxyURL, appID, currency, prefixed(name))
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

func (r *Resolver) fromListingPage(ctx context.Context, name string, appID int, _ string) (float64, error) {
	var price float64
	err := r.caller.Do(ctx, 0, func(ctx context.Context, proxyURL string) error {
		pageHTML, err := r.market.ListingPageHTML(ctx, proxyURL, appID, prefixed(name))
		if err != nil {
			return err
		}
		price, _ = market.LowestPriceFromListingHTML(pageHTML)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

func (r *Resolver) fromSuggestions(ctx context.Context, name string, _ int, _ string) (float64, error) {
	want := strings.ToLower(name)
	wantFull := strings.ToLower(prefixed(name))
	var price float64
	err := r.caller.Do(ctx, 0, func(ctx context.Context, proxyURL string) error {
		rows, err := r.market.SearchSuggestions(ctx, proxyURL, prefixed(name))
		if err != nil {
			return err
		}
		for _, row := range rows {
			got := strings.ToLower(row.MarketHashName)
			if got != want && got != wantFull {
				continue
			}
			if row.MinPrice > 0 {
				price = float64(row.MinPrice) / 100
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

// fuzzyFill serves names the chain missed from close variants it resolved.
// Candidates are snapshotted so a borrowed price never seeds further
// borrowing.
func (r *Resolver) fuzzyFill(resolved map[string]float64, unique []string) {
	if len(resolved) == 0 || len(resolved) == len(unique) {
		return
	}
	candidates := make(map[string]float64, len(resolved))
	for name, price := range resolved {
		candidates[name] = price
	}
	for _, name := range unique {
		if _, ok := resolved[name]; ok {
			continue
		}
		match, score := BestMatch(name, candidates, fuzzyStrong)
		if match == "" {
			match, score = BestMatch(name, candidates, fuzzyWeak)
		}
		if match == "" {
			continue
		}
		resolved[name] = candidates[match]
		observability.StickerResolutionsTotal.WithLabelValues("fuzzy").Inc()
		r.log.Debug("sticker price borrowed from close variant",
			slog.String("sticker", name),
			slog.String("matched", match),
			slog.Float64("similarity", score))
	}
}

// prefixed returns the full market hash name of a sticker. Display names
// extracted from listing pages lack the "Sticker | " prefix the market
// search and listing URLs use.
func prefixed(name string) string {
	if strings.HasPrefix(name, "Sticker") {
		return name
	}
	return "Sticker | " + name
}

func cacheKey(name string, appID int, currency string) string {
	return fmt.Sprintf("sticker_price:%s:%d:%d", name, appID, market.SteamCurrencyID(currency))
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
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
