package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/market"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// evaluate runs the task's filter chain over one listing, cheapest filter
// first. It reports whether the listing matched and, when sticker economics
// were computed, the overpay ratio. A wrapped ErrFilterSkipped means the
// listing could not be judged this round and must not match.
func (p *Pipeline) evaluate(ctx context.Context, task domain.MonitoringTask, pl *domain.ParsedListing) (bool, *float64, error) {
	f := task.Filters
	if !f.MatchesName(pl.MarketHashName) {
		return false, nil, nil
	}
	if !f.MatchesPrice(pl.Price) {
		return false, nil, nil
	}
	if !f.MatchesFloat(pl.Float) {
		return false, nil, nil
	}
	if !f.MatchesPattern(pl.Pattern) {
		return false, nil, nil
	}
	if !f.NeedsStickerPrices() {
		return true, nil, nil
	}
	return p.evaluateStickers(ctx, task, pl)
}

// evaluateStickers prices the listing's stickers and applies the sticker
// bounds. Every sticker must resolve before any total-dependent bound may
// pass; a price of exactly zero next to priced stickers marks a poisoned
// resolution and rejects the listing.
func (p *Pipeline) evaluateStickers(ctx context.Context, task domain.MonitoringTask, pl *domain.ParsedListing) (bool, *float64, error) {
	sf := task.Filters.Stickers
	if len(pl.Stickers) == 0 {
		return false, nil, nil
	}

	names := make([]string, len(pl.Stickers))
	for i, s := range pl.Stickers {
		names[i] = s.Name
	}
	prices := p.pricer.PriceBatch(ctx, names, task.AppID, task.Currency)

	var total float64
	var zeros, priced int
	for i := range pl.Stickers {
		price := prices[pl.Stickers[i].Name]
		if price == nil {
			return false, nil, fmt.Errorf("op=scrape.stickers %q unresolved: %w", pl.Stickers[i].Name, domain.ErrFilterSkipped)
		}
		if *price == 0 {
			zeros++
		} else {
			priced++
		}
		pl.Stickers[i].Price = price
		total += *price
	}
	pl.TotalStickersPrice = total
	if zeros > 0 && priced > 0 {
		p.log.Debug("rejecting listing with zero-priced sticker",
			slog.Int64("task_id", task.ID),
			slog.String("listing_id", pl.ListingID))
		return false, nil, nil
	}

	var overpay *float64
	if sf.MaxOverpay != nil {
		base, ok := p.basePrice(ctx, task, pl.MarketHashName)
		if !ok {
			return false, nil, fmt.Errorf("op=scrape.base_price %q: %w", pl.MarketHashName, domain.ErrFilterSkipped)
		}
		if k, defined := domain.Overpay(pl.Price, base, total); defined {
			overpay = &k
		}
	}
	return sf.Evaluate(total, overpay), overpay, nil
}

// basePrice resolves the sticker-free reference price an overpay bound is
// measured against: the task's explicit base when set, otherwise the item's
// own price overview, cached per hash name. The operator-stored
// default_clean_price setting is the last resort when the overview is
// unreachable.
func (p *Pipeline) basePrice(ctx context.Context, task domain.MonitoringTask, hashName string) (float64, bool) {
	if sf := task.Filters.Stickers; sf != nil && sf.BasePrice != nil {
		return *sf.BasePrice, true
	}

	key := cleanPriceKey(hashName, task.AppID, task.Currency)
	if raw, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil && v > 0 {
			return v, true
		}
	}

	var price float64
	err := p.caller.Do(ctx, 0, func(ctx context.Context, proxyURL string) error {
		v, err := p.market.PriceOverview(ctx, proxyURL, task.AppID, task.Currency, hashName)
		if err != nil {
			return err
		}
		price = v
		return nil
	})
	if err != nil || price <= 0 {
		if err != nil {
			p.log.Warn("base price lookup failed",
				slog.String("hash_name", hashName),
				slog.Any("error", err))
		}
		return p.storedDefaultBase(ctx)
	}
	if err := p.cache.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), cleanPriceTTL); err != nil {
		p.log.Debug("base price cache write failed", slog.Any("error", err))
	}
	return price, true
}

func cleanPriceKey(hashName string, appID int, currency string) string {
	return fmt.Sprintf("clean_price:%d:%d:%s", appID, market.SteamCurrencyID(currency), hashName)
}

// storedDefaultBase reads the operator's default_clean_price setting.
func (p *Pipeline) storedDefaultBase(ctx context.Context) (float64, bool) {
	if p.settings == nil {
		return 0, false
	}
	raw, err := p.settings.Get(ctx, "default_clean_price")
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// emit stores a matched listing unless the task already reported it. The
// uniqueness constraint behind RecordMatch settles the race when another
// replica stored the same listing between the pre-check and the insert.
func (p *Pipeline) emit(ctx context.Context, task domain.MonitoringTask, pl domain.ParsedListing, overpay *float64) (bool, error) {
	exists, err := p.items.Exists(ctx, task.ID, pl.ListingID)
	if err != nil {
		return false, fmt.Errorf("op=scrape.exists listing=%s: %w", pl.ListingID, err)
	}
	if exists {
		return false, nil
	}

	data, err := json.Marshal(pl)
	if err != nil {
		return false, fmt.Errorf("op=scrape.encode listing=%s: %w", pl.ListingID, err)
	}
	item := domain.FoundItem{
		TaskID:         task.ID,
		ListingID:      pl.ListingID,
		MarketHashName: pl.MarketHashName,
		Price:          pl.Price,
		Currency:       task.Currency,
		ItemData:       data,
		InspectLink:    pl.InspectLink,
		FoundAt:        p.now().UTC(),
	}
	id, err := p.items.RecordMatch(ctx, item)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("op=scrape.record listing=%s: %w", pl.ListingID, err)
	}

	observability.MatchesFoundTotal.Inc()
	p.log.Info("listing matched",
		slog.Int64("task_id", task.ID),
		slog.String("hash_name", pl.MarketHashName),
		slog.String("listing_id", pl.ListingID),
		slog.Float64("price", pl.Price))

	p.notify(ctx, task, pl, overpay, id)
	return true, nil
}

// notify pushes the match to the configured sinks. Delivery is best effort;
// the stored row is the source of truth either way.
func (p *Pipeline) notify(ctx context.Context, task domain.MonitoringTask, pl domain.ParsedListing, overpay *float64, itemID int64) {
	if p.notifier == nil {
		return
	}
	ev := domain.MatchEvent{
		EventID:            ulid.Make().String(),
		TaskID:             task.ID,
		TaskName:           task.Name,
		AppID:              task.AppID,
		MarketHashName:     pl.MarketHashName,
		ListingID:          pl.ListingID,
		Price:              pl.Price,
		Currency:           task.Currency,
		Float:              pl.Float,
		Pattern:            pl.Pattern,
		Stickers:           pl.Stickers,
		TotalStickersPrice: pl.TotalStickersPrice,
		Overpay:            overpay,
		InspectLink:        pl.InspectLink,
		FoundAt:            p.now().UTC(),
	}
	if p.rates != nil {
		ev.ConvertedPrices = p.rates.Convert(ctx, pl.Price)
	}
	if err := p.notifier.NotifyMatch(ctx, ev); err != nil {
		p.log.Warn("match notification failed",
			slog.String("event_id", ev.EventID),
			slog.Any("error", err))
		return
	}
	if err := p.items.MarkNotified(ctx, itemID); err != nil {
		p.log.Warn("notified flag write failed",
			slog.Int64("item_id", itemID),
			slog.Any("error", err))
	}
}
