// Package market is the HTTP client for the Steam Community Market and
// the parsers that turn its responses into domain records. Every call
// takes the proxy URL to route through; an empty proxy goes direct.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// PageSize is the listing count the render endpoint honors; larger
// values are silently capped by the server.
const PageSize = 20

const maxBodyBytes = 20 << 20

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
}

// steamCurrencies maps ISO codes to the marketplace's numeric ids.
var steamCurrencies = map[string]int{
	"USD": 1, "GBP": 2, "EUR": 3, "CHF": 4, "RUB": 5, "PLN": 6,
	"BRL": 7, "JPY": 8, "NOK": 9, "THB": 14, "KRW": 16, "TRY": 17,
	"UAH": 18, "MXN": 19, "CAD": 20, "AUD": 21, "NZD": 22, "CNY": 23,
	"INR": 24, "HKD": 29,
}

// SteamCurrencyID resolves an ISO currency code to the marketplace's
// numeric id, defaulting to USD for unknown codes.
func SteamCurrencyID(code string) int {
	if id, ok := steamCurrencies[code]; ok {
		return id
	}
	return steamCurrencies["USD"]
}

// KnownCurrency reports whether the marketplace understands the code.
func KnownCurrency(code string) bool {
	_, ok := steamCurrencies[code]
	return ok
}

// Client issues marketplace requests through caller-chosen proxies and
// maps upstream failures onto the domain error taxonomy.
type Client struct {
	baseURL string
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client

	uaCursor atomic.Uint64
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: trimSlash(baseURL),
		timeout: timeout,
		clients: map[string]*http.Client{},
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// clientFor returns a cached http.Client routed through the given proxy.
// Caching keeps connection pools alive across calls on the same proxy.
func (c *Client) clientFor(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[proxyURL]; ok {
		return hc, nil
	}
	base := http.DefaultTransport
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("op=market.proxy_url: %w: %v", domain.ErrInvalidArgument, err)
		}
		base = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	transport := otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Market %s %s", r.Method, r.URL.Path)
		}),
	)
	hc := &http.Client{Timeout: c.timeout, Transport: transport}
	c.clients[proxyURL] = hc
	return hc, nil
}

func (c *Client) browserHeaders(req *http.Request) {
	i := c.uaCursor.Add(1)
	req.Header.Set("User-Agent", userAgents[int(i)%len(userAgents)])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", c.baseURL+"/market/")
}

// get performs one GET and maps the status onto the error taxonomy.
// 429 is surfaced as ErrRateLimited so the retry layer can rotate and
// pace; every other non-200 is a transient upstream failure.
func (c *Client) get(ctx context.Context, proxyURL, endpoint, rawURL string) ([]byte, error) {
	hc, err := c.clientFor(proxyURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=market.%s: %w", endpoint, err)
	}
	c.browserHeaders(req)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		observability.ObserveMarketRequest(endpoint, "network_error", time.Since(start))
		return nil, fmt.Errorf("op=market.%s: %w: %v", endpoint, domain.ErrUpstreamTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		observability.RateLimitHitsTotal.Inc()
		observability.ObserveMarketRequest(endpoint, "rate_limited", time.Since(start))
		return nil, fmt.Errorf("op=market.%s: %w", endpoint, domain.ErrRateLimited)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		observability.ObserveMarketRequest(endpoint, "error", time.Since(start))
		slog.Warn("market request failed",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(body)))
		return nil, fmt.Errorf("op=market.%s status=%d: %w", endpoint, resp.StatusCode, domain.ErrUpstreamTransient)
	}
	if readErr != nil {
		observability.ObserveMarketRequest(endpoint, "network_error", time.Since(start))
		return nil, fmt.Errorf("op=market.%s: %w: %v", endpoint, domain.ErrUpstreamTransient, readErr)
	}
	observability.ObserveMarketRequest(endpoint, "ok", time.Since(start))
	return body, nil
}

// decode unmarshals a JSON body, fingerprinting the payload on failure
// so a proxy-injected HTML block page is diagnosable from the error.
func decode(endpoint string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		mt := mimetype.Detect(body)
		return fmt.Errorf("op=market.%s content_type=%s: %w: %v", endpoint, mt.String(), domain.ErrUpstreamInvalid, err)
	}
	return nil
}

func snippet(b []byte) string {
	const n = 300
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// RenderPage fetches one page of listings for a concrete hash name.
// start advances by PageSize per page.
func (c *Client) RenderPage(ctx context.Context, proxyURL string, appID int, hashName string, start int, currency string, country string) (*RenderResponse, error) {
	q := url.Values{}
	q.Set("query", "")
	q.Set("start", strconv.Itoa(start))
	q.Set("count", strconv.Itoa(PageSize))
	q.Set("currency", strconv.Itoa(SteamCurrencyID(currency)))
	q.Set("language", "english")
	if country != "" {
		q.Set("country", country)
	}
	rawURL := fmt.Sprintf("%s/market/listings/%d/%s/render/?%s",
		c.baseURL, appID, url.PathEscape(hashName), q.Encode())

	body, err := c.get(ctx, proxyURL, "render", rawURL)
	if err != nil {
		return nil, err
	}
	var rr RenderResponse
	if err := decode("render", body, &rr); err != nil {
		return nil, err
	}
	if !rr.Success {
		return nil, fmt.Errorf("op=market.render success=false: %w", domain.ErrUpstreamTransient)
	}
	return &rr, nil
}

// PriceOverview returns the hash name's lowest listed price in major
// units. ErrNotFound means the endpoint answered without a price.
func (c *Client) PriceOverview(ctx context.Context, proxyURL string, appID int, currency string, hashName string) (float64, error) {
	q := url.Values{}
	q.Set("appid", strconv.Itoa(appID))
	q.Set("currency", strconv.Itoa(SteamCurrencyID(currency)))
	q.Set("market_hash_name", hashName)
	rawURL := c.baseURL + "/market/priceoverview/?" + q.Encode()

	body, err := c.get(ctx, proxyURL, "priceoverview", rawURL)
	if err != nil {
		return 0, err
	}
	var po priceOverviewResponse
	if err := decode("priceoverview", body, &po); err != nil {
		return 0, err
	}
	price, ok := ParseMoney(po.LowestPrice)
	if !po.Success || !ok {
		return 0, fmt.Errorf("op=market.priceoverview no price for %q: %w", hashName, domain.ErrNotFound)
	}
	return price, nil
}

// ListingPageHTML fetches the full item page, used for the commodity
// price fallback of the sticker resolver.
func (c *Client) ListingPageHTML(ctx context.Context, proxyURL string, appID int, hashName string) (string, error) {
	rawURL := fmt.Sprintf("%s/market/listings/%d/%s", c.baseURL, appID, url.PathEscape(hashName))
	body, err := c.get(ctx, proxyURL, "listing_page", rawURL)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// SearchSuggestions enumerates hash-name matches for a query, used for
// wear-variant discovery and as the last sticker price strategy.
func (c *Client) SearchSuggestions(ctx context.Context, proxyURL, query string) ([]Suggestion, error) {
	q := url.Values{}
	q.Set("q", query)
	rawURL := c.baseURL + "/market/searchsuggestionsresults?" + q.Encode()

	body, err := c.get(ctx, proxyURL, "suggestions", rawURL)
	if err != nil {
		return nil, err
	}
	var sr suggestionsResponse
	if err := decode("suggestions", body, &sr); err != nil {
		return nil, err
	}
	return sr.Results, nil
}

// Probe issues the cheapest known market request. The caller bounds the
// duration through ctx; a nil return means the proxy reached the market.
func (c *Client) Probe(ctx context.Context, proxyURL string) error {
	rawURL := c.baseURL + "/market/search/render/?query=&appid=730&start=0&count=1&norender=1"
	_, err := c.get(ctx, proxyURL, "probe", rawURL)
	return err
}
