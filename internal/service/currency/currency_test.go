package currency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/cache"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/proxypool"
)

// callerStub runs the call inline without a proxy, standing in for the
// rotating retrier.
type callerStub struct {
	err error
}

func (c *callerStub) Do(ctx context.Context, _ time.Duration, f proxypool.Func) error {
	if c.err != nil {
		return c.err
	}
	return f(ctx, "")
}

func newCurrencyFixture(t *testing.T, primaryURL, fallbackURL string) (*Service, *cache.Memory) {
	t.Helper()
	mem := cache.NewMemory()
	s := NewService(&callerStub{}, mem, primaryURL, fallbackURL, nil, time.Hour, time.Hour, nil)
	require.NotNil(t, s)
	return s, mem
}

func serveBody(t *testing.T, hits *atomic.Int32, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ratesEnvelope(t *testing.T, rates map[string]float64) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"base": "USD", "rates": rates})
	require.NoError(t, err)
	return string(raw)
}

func cachedRates(t *testing.T, mem *cache.Memory) (map[string]float64, bool) {
	t.Helper()
	raw, ok, err := mem.Get(context.Background(), rateCacheKey)
	require.NoError(t, err)
	if !ok {
		return nil, false
	}
	var rates map[string]float64
	require.NoError(t, json.Unmarshal([]byte(raw), &rates))
	return rates, true
}

func TestNewService_Defaults(t *testing.T) {
	mem := cache.NewMemory()
	assert.Nil(t, NewService(nil, mem, "", "", nil, 0, 0, nil))
	assert.Nil(t, NewService(&callerStub{}, nil, "", "", nil, 0, 0, nil))

	s := NewService(&callerStub{}, mem, "", "", nil, 0, 0, nil)
	require.NotNil(t, s)
	assert.Equal(t, []string{"THB", "CNY", "RUB"}, s.codes)
	assert.Equal(t, defaultTTL, s.ttl)
	assert.Equal(t, defaultRefresh, s.refresh)

	s = NewService(&callerStub{}, mem, "", "", []string{" thb", "CNY", "thb", ""}, 0, 0, nil)
	require.NotNil(t, s)
	assert.Equal(t, []string{"THB", "CNY"}, s.codes, "codes are upper-cased and deduplicated")
}

func TestParseJSONRates(t *testing.T) {
	s, _ := newCurrencyFixture(t, "", "")

	full := map[string]float64{"THB": 35.5, "CNY": 7.2, "RUB": 90.25}
	cases := []struct {
		name string
		body string
		want map[string]float64
	}{
		{
			name: "flat object",
			body: `{"THB":35.5,"CNY":7.2,"RUB":90.25,"EUR":0.9}`,
			want: full,
		},
		{
			name: "rates envelope",
			body: `{"base":"USD","rates":{"THB":35.5,"CNY":7.2,"RUB":90.25}}`,
			want: full,
		},
		{
			name: "data envelope with string values",
			body: `{"data":{"THB":"35.5","CNY":"7.2","RUB":"90.25"}}`,
			want: full,
		},
		{
			name: "pair array with field aliases",
			body: `{"currencies":[{"code":"THB","rate":35.5},{"currency":"cny","value":7.2},{"symbol":"RUB","price":90.25}]}`,
			want: full,
		},
		{
			name: "top-level pair array",
			body: `[{"code":"THB","rate":35.5}]`,
			want: map[string]float64{"THB": 35.5},
		},
		{
			name: "implausible rates dropped",
			body: `{"THB":0.01,"CNY":99999,"RUB":90.25}`,
			want: map[string]float64{"RUB": 90.25},
		},
		{
			name: "unknown codes only",
			body: `{"EUR":0.9,"GBP":0.8}`,
			want: nil,
		},
		{
			name: "not json",
			body: `<html><body>THB: 35.5</body></html>`,
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.parseJSONRates([]byte(tc.body)))
		})
	}
}

func TestParseHTMLRates(t *testing.T) {
	s, _ := newCurrencyFixture(t, "", "")

	t.Run("numbers next to code mentions", func(t *testing.T) {
		page := `<html><body>
			<div class="rate">THB: 35.5</div>
			<div class="rate">7.2 CNY</div>
			<p>RUB - 90.25</p>
		</body></html>`
		got := s.parseHTMLRates(page)
		assert.Equal(t, map[string]float64{"THB": 35.5, "CNY": 7.2, "RUB": 90.25}, got)
	})

	t.Run("table rows", func(t *testing.T) {
		page := `<html><body><table>
			<tr><th>Currency</th><th>Rate</th></tr>
			<tr><td>Thai Baht (THB)</td><td>35.5</td></tr>
			<tr><td>Chinese Yuan (CNY)</td><td>7.2</td></tr>
			<tr><td>Russian Ruble (RUB)</td><td>90.25</td></tr>
		</table></body></html>`
		got := s.parseHTMLRates(page)
		assert.Equal(t, map[string]float64{"THB": 35.5, "CNY": 7.2, "RUB": 90.25}, got)
	})

	t.Run("inline script json", func(t *testing.T) {
		page := `<html><head><script>
			var currencyRates = {"THB": 35.5, "CNY": 7.2};
			var extra = [{"currency": "RUB", "rate": 90.25}];
		</script></head><body></body></html>`
		got := s.parseHTMLRates(page)
		assert.Equal(t, map[string]float64{"THB": 35.5, "CNY": 7.2, "RUB": 90.25}, got)
	})

	t.Run("earlier tier wins and partial sets are kept", func(t *testing.T) {
		page := `<html><body>
			<p>THB: 35.5</p>
			<table><tr><td>THB</td><td>42.0</td></tr></table>
		</body></html>`
		got := s.parseHTMLRates(page)
		assert.Equal(t, map[string]float64{"THB": 35.5}, got)
	})

	t.Run("nothing extractable", func(t *testing.T) {
		assert.Nil(t, s.parseHTMLRates(`<html><body><p>maintenance</p></body></html>`))
	})
}

func TestGetViaErrorTaxonomy(t *testing.T) {
	t.Run("429 is rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		t.Cleanup(srv.Close)
		_, _, err := getVia(context.Background(), "", srv.URL)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})

	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)
		_, _, err := getVia(context.Background(), "", srv.URL)
		assert.ErrorIs(t, err, domain.ErrUpstreamTransient)
	})

	t.Run("sends a browser user agent", func(t *testing.T) {
		var ua atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua.Store(r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte("{}"))
		}))
		t.Cleanup(srv.Close)
		_, _, err := getVia(context.Background(), "", srv.URL)
		require.NoError(t, err)
		assert.Contains(t, ua.Load(), "Mozilla/5.0")
	})

	t.Run("rejects a malformed proxy url", func(t *testing.T) {
		_, _, err := getVia(context.Background(), "http://[::1", "http://example.invalid")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

func TestRatesFetchesPrimaryAndCaches(t *testing.T) {
	full := map[string]float64{"THB": 35.5, "CNY": 7.2, "RUB": 90.25}
	var primaryHits, fallbackHits atomic.Int32
	primary := serveBody(t, &primaryHits, "application/json", ratesEnvelope(t, full))
	fallback := serveBody(t, &fallbackHits, "application/json", ratesEnvelope(t, full))

	s, mem := newCurrencyFixture(t, primary.URL, fallback.URL)
	ctx := context.Background()

	got := s.Rates(ctx)
	assert.Equal(t, full, got)
	assert.EqualValues(t, 1, primaryHits.Load())
	assert.Zero(t, fallbackHits.Load(), "a complete primary answer never hits the fallback")

	stored, ok := cachedRates(t, mem)
	require.True(t, ok, "a complete set must be cached")
	assert.Equal(t, full, stored)

	got = s.Rates(ctx)
	assert.Equal(t, full, got)
	assert.EqualValues(t, 1, primaryHits.Load(), "the second read is served from cache")
}

func TestRatesFallsBackWhenPrimaryIncomplete(t *testing.T) {
	primary := serveBody(t, nil, "text/html", `<html><body><div>THB: 35.5</div></body></html>`)
	full := map[string]float64{"THB": 36.0, "CNY": 7.2, "RUB": 90.25}
	fallback := serveBody(t, nil, "application/json", ratesEnvelope(t, full))

	s, mem := newCurrencyFixture(t, primary.URL, fallback.URL)

	got := s.Rates(context.Background())
	assert.Equal(t, full, got, "a complete fallback answer replaces the partial primary one")

	stored, ok := cachedRates(t, mem)
	require.True(t, ok)
	assert.Equal(t, full, stored)
}

func TestRatesKeepsPartialPrimaryWhenFallbackFails(t *testing.T) {
	primary := serveBody(t, nil, "text/html", `<html><body><div>THB: 35.5</div></body></html>`)
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(fallback.Close)

	s, mem := newCurrencyFixture(t, primary.URL, fallback.URL)

	got := s.Rates(context.Background())
	assert.Equal(t, map[string]float64{"THB": 35.5}, got)

	_, ok := cachedRates(t, mem)
	assert.False(t, ok, "incomplete sets are never cached")
}

func TestRatesFallbackRequiresFullSet(t *testing.T) {
	fallback := serveBody(t, nil, "application/json",
		ratesEnvelope(t, map[string]float64{"THB": 35.5, "CNY": 7.2}))

	s, mem := newCurrencyFixture(t, "", fallback.URL)

	got := s.Rates(context.Background())
	assert.Empty(t, got, "a partial fallback answer is discarded")

	_, ok := cachedRates(t, mem)
	assert.False(t, ok)
}

func TestConvertAndHasRate(t *testing.T) {
	s, mem := newCurrencyFixture(t, "", "")
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, rateCacheKey, `{"THB":35,"CNY":7,"RUB":90}`, 0))

	assert.Equal(t, map[string]float64{"THB": 70, "CNY": 14, "RUB": 180}, s.Convert(ctx, 2))
	assert.True(t, s.HasRate(ctx, "rub"))
	assert.False(t, s.HasRate(ctx, "EUR"))
}

func TestConvertWithoutRatesIsEmpty(t *testing.T) {
	s, _ := newCurrencyFixture(t, "", "")
	assert.Empty(t, s.Convert(context.Background(), 10))
}

func TestRefreshOnceBypassesCache(t *testing.T) {
	full := map[string]float64{"THB": 35.5, "CNY": 7.2, "RUB": 90.25}
	primary := serveBody(t, nil, "application/json", ratesEnvelope(t, full))

	s, mem := newCurrencyFixture(t, primary.URL, "")
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, rateCacheKey, `{"THB":1,"CNY":1,"RUB":1}`, 0))

	s.refreshOnce(ctx)

	stored, ok := cachedRates(t, mem)
	require.True(t, ok)
	assert.Equal(t, full, stored, "a refresh replaces the cached set even before it expires")
}

func TestRefreshOnceKeepsCacheWhenIncomplete(t *testing.T) {
	primary := serveBody(t, nil, "text/html", `<html><body><div>THB: 35.5</div></body></html>`)

	s, mem := newCurrencyFixture(t, primary.URL, "")
	ctx := context.Background()
	old := `{"THB":35,"CNY":7,"RUB":90}`
	require.NoError(t, mem.Set(ctx, rateCacheKey, old, 0))

	s.refreshOnce(ctx)

	stored, ok := cachedRates(t, mem)
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"THB": 35, "CNY": 7, "RUB": 90}, stored)
}

func TestRunStopsOnCancel(t *testing.T) {
	full := map[string]float64{"THB": 35.5, "CNY": 7.2, "RUB": 90.25}
	var hits atomic.Int32
	primary := serveBody(t, &hits, "application/json", ratesEnvelope(t, full))

	s, _ := newCurrencyFixture(t, primary.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 1 },
		2*time.Second, 5*time.Millisecond, "the first refresh runs immediately")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("currency refresher did not stop")
	}
}
