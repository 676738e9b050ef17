// Package scrape runs one monitoring check end to end: it expands an
// ambiguous hash name into its enabled wear variants, walks the paged
// listing results through the proxy pool, evaluates the task's filter
// chain and records every listing that passes.
package scrape

import (
	"context"
	"encoding/json"
	"errors"
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

const cleanPriceTTL = time.Hour

// Market is the slice of the marketplace client the pipeline consumes.
type Market interface {
	RenderPage(ctx context.Context, proxyURL string, appID int, hashName string, start int, currency, country string) (*market.RenderResponse, error)
	SearchSuggestions(ctx context.Context, proxyURL, query string) ([]market.Suggestion, error)
	PriceOverview(ctx context.Context, proxyURL string, appID int, currency, hashName string) (float64, error)
}

// Caller funnels marketplace calls through the rotating proxy pool.
type Caller interface {
	Do(ctx context.Context, minDelay time.Duration, f proxypool.Func) error
}

// Deps carries the collaborators a Pipeline needs. Rates, Notifier and
// Settings may be nil; matches are then stored without conversions or push
// delivery, and overpay checks have no stored fallback reference.
type Deps struct {
	Market   Market
	Caller   Caller
	Cache    domain.Cache
	Tasks    domain.TaskRepository
	Items    domain.ItemRepository
	Pricer   domain.StickerPricer
	Rates    domain.RateSource
	Notifier domain.Notifier
	Settings domain.SettingsRepository
}

// Pipeline executes checks for dispatched task descriptors. Its Check method
// satisfies the dispatch handler contract, so one pipeline instance serves
// every worker goroutine.
type Pipeline struct {
	market   Market
	caller   Caller
	cache    domain.Cache
	tasks    domain.TaskRepository
	items    domain.ItemRepository
	pricer   domain.StickerPricer
	rates    domain.RateSource
	notifier domain.Notifier
	settings domain.SettingsRepository

	country   string
	pageDelay time.Duration
	itemTTL   time.Duration

	log *slog.Logger
	now func() time.Time
}

// NewPipeline constructs a Pipeline. The required collaborators are Market,
// Caller, Cache, Tasks, Items and Pricer; pageDelay paces successive page
// fetches and itemTTL bounds the parsed-listing dedupe cache.
func NewPipeline(d Deps, country string, pageDelay, itemTTL time.Duration, log *slog.Logger) *Pipeline {
	if d.Market == nil || d.Caller == nil || d.Cache == nil || d.Tasks == nil || d.Items == nil || d.Pricer == nil {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		market:    d.Market,
		caller:    d.Caller,
		cache:     d.Cache,
		tasks:     d.Tasks,
		items:     d.Items,
		pricer:    d.Pricer,
		rates:     d.Rates,
		notifier:  d.Notifier,
		settings:  d.Settings,
		country:   country,
		pageDelay: pageDelay,
		itemTTL:   itemTTL,
		log:       log,
		now:       time.Now,
	}
}

// Check loads the task behind a descriptor and runs the full scrape for it.
// The schedule is advanced whether or not the scrape succeeded, so a failing
// task retries at its next interval instead of hot-looping through the
// sweeper. An interrupted check returns before the schedule write and stays
// pending on the stream.
func (p *Pipeline) Check(ctx context.Context, d domain.TaskDescriptor) error {
	tracer := otel.Tracer("scrape")
	ctx, span := tracer.Start(ctx, "Pipeline.Check")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", d.TaskID))

	task, err := p.tasks.Get(ctx, d.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.log.Warn("task vanished before check", slog.Int64("task_id", d.TaskID))
			return nil
		}
		return fmt.Errorf("op=scrape.load task=%d: %w", d.TaskID, err)
	}
	if !task.Active {
		p.log.Debug("skipping deactivated task", slog.Int64("task_id", task.ID))
		return nil
	}

	hashes, checkErr := p.targetHashes(ctx, task)
	span.SetAttributes(attribute.Int("task.variants", len(hashes)))

	matches := 0
	for i, hash := range hashes {
		if checkErr != nil {
			break
		}
		if i > 0 {
			if checkErr = sleepCtx(ctx, p.pageDelay); checkErr != nil {
				break
			}
		}
		n, err := p.checkHash(ctx, task, hash)
		matches += n
		checkErr = err
	}

	if ctx.Err() != nil {
		span.RecordError(ctx.Err())
		return fmt.Errorf("op=scrape.check interrupted task=%d: %w", task.ID, ctx.Err())
	}

	now := p.now()
	if err := p.tasks.CompleteCheck(ctx, task.ID, now, now.Add(task.CheckInterval)); err != nil {
		p.log.Error("schedule write failed",
			slog.Int64("task_id", task.ID),
			slog.Any("error", err))
	}

	span.SetAttributes(attribute.Int("task.matches", matches))
	if checkErr != nil {
		span.RecordError(checkErr)
		return checkErr
	}
	p.log.Debug("check finished",
		slog.Int64("task_id", task.ID),
		slog.Int("variants", len(hashes)),
		slog.Int("matches", matches))
	return nil
}

// targetHashes resolves the concrete hash names a check must scrape. A name
// that already carries a wear suffix is scraped as-is. Otherwise the search
// suggestions enumerate its wear variants and the task's variant list picks
// the enabled subset; disabled variants cause no page fetches at all.
// Commodity items without wear variants fall back to the bare name.
func (p *Pipeline) targetHashes(ctx context.Context, task domain.MonitoringTask) ([]string, error) {
	if market.HasWearSuffix(task.MarketHashName) {
		return []string{task.MarketHashName}, nil
	}

	var suggestions []market.Suggestion
	err := p.caller.Do(ctx, 0, func(ctx context.Context, proxyURL string) error {
		s, err := p.market.SearchSuggestions(ctx, proxyURL, task.MarketHashName)
		if err != nil {
			return err
		}
		suggestions = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=scrape.variants %q: %w", task.MarketHashName, err)
	}

	base := strings.ToLower(task.MarketHashName)
	seen := map[string]bool{}
	discovered := 0
	var hashes []string
	for _, s := range suggestions {
		name := s.MarketHashName
		if !market.HasWearSuffix(name) || !strings.Contains(strings.ToLower(name), base) {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		discovered++
		if task.Filters.VariantEnabled(name) {
			hashes = append(hashes, name)
		}
	}
	if discovered == 0 {
		return []string{task.MarketHashName}, nil
	}
	return hashes, nil
}

// checkHash walks every result page of one concrete hash name. The page
// count comes from the first response's total, falling back to the textual
// "Showing X-Y of N" hint; a short page also terminates the walk.
func (p *Pipeline) checkHash(ctx context.Context, task domain.MonitoringTask, hashName string) (int, error) {
	matches := 0
	start := 0
	total := -1
	for {
		rr, err := p.fetchPage(ctx, task, hashName, start)
		if err != nil {
			return matches, err
		}
		if total < 0 {
			total = rr.TotalCount
			if total == 0 {
				if n, ok := market.TotalFromHTML(rr.ResultsHTML); ok {
					total = n
				} else {
					// unknown total; the short-page stop terminates the walk
					total = -1
				}
			}
		}

		listings := market.ParseRenderListings(rr, task.AppID)
		observability.ListingsParsedTotal.Add(float64(len(listings)))

		n, err := p.processListings(ctx, task, hashName, listings)
		matches += n
		if err != nil {
			return matches, err
		}

		start += market.PageSize
		if len(listings) < market.PageSize || (total >= 0 && start >= total) {
			return matches, nil
		}
		if err := sleepCtx(ctx, p.pageDelay); err != nil {
			return matches, err
		}
	}
}

func (p *Pipeline) fetchPage(ctx context.Context, task domain.MonitoringTask, hashName string, start int) (*market.RenderResponse, error) {
	var rr *market.RenderResponse
	err := p.caller.Do(ctx, 0, func(ctx context.Context, proxyURL string) error {
		resp, err := p.market.RenderPage(ctx, proxyURL, task.AppID, hashName, start, task.Currency, p.country)
		if err != nil {
			return err
		}
		rr = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=scrape.render %q start=%d: %w", hashName, start, err)
	}
	return rr, nil
}

// processListings runs the filter chain over one page. A listing whose
// filters could not be evaluated this round is skipped without failing the
// check; any other error aborts the remaining page.
func (p *Pipeline) processListings(ctx context.Context, task domain.MonitoringTask, hashName string, listings []domain.ParsedListing) (int, error) {
	matches := 0
	for i := range listings {
		pl := p.dedupe(ctx, listings[i])
		if pl.MarketHashName == "" {
			pl.MarketHashName = hashName
		}

		matched, overpay, err := p.evaluate(ctx, task, &pl)
		if err != nil {
			if errors.Is(err, domain.ErrFilterSkipped) {
				p.log.Debug("listing not evaluated this round",
					slog.Int64("task_id", task.ID),
					slog.String("listing_id", pl.ListingID),
					slog.Any("error", err))
				continue
			}
			return matches, err
		}
		if !matched {
			continue
		}

		emitted, err := p.emit(ctx, task, pl, overpay)
		if err != nil {
			return matches, err
		}
		if emitted {
			matches++
		}
	}
	return matches, nil
}

// dedupe returns the cached parse of a listing when one exists and caches
// the fresh parse otherwise. Listing pages are immutable for a given id, so
// concurrent writers storing the same record is harmless.
func (p *Pipeline) dedupe(ctx context.Context, pl domain.ParsedListing) domain.ParsedListing {
	key := parsedItemKey(pl.ListingID)
	if raw, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		var cached domain.ParsedListing
		if uerr := json.Unmarshal([]byte(raw), &cached); uerr == nil && cached.ListingID == pl.ListingID {
			return cached
		}
	}
	raw, err := json.Marshal(pl)
	if err != nil {
		return pl
	}
	if err := p.cache.Set(ctx, key, string(raw), p.itemTTL); err != nil {
		p.log.Debug("parsed listing cache write failed",
			slog.String("listing_id", pl.ListingID),
			slog.Any("error", err))
	}
	return pl
}

func parsedItemKey(listingID string) string {
	return "parsed_item:" + listingID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
