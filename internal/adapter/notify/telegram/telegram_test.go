package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

const redlineFT = "AK-47 | Redline (Field-Tested)"

type sentMessage struct {
	ChatID         string `json:"chat_id"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode"`
	DisablePreview bool   `json:"disable_web_page_preview"`
}

// newTestNotifier points a sender at srv and shrinks the retry budget so
// failure tests finish quickly.
func newTestNotifier(t *testing.T, srv *httptest.Server) *Notifier {
	t.Helper()
	n := New("test-token", "-100123", nil)
	n.baseURL = srv.URL
	n.retryInitial = time.Millisecond
	n.retryMaxElapsed = 250 * time.Millisecond
	return n
}

func fp(v float64) *float64 { return &v }

func matchEvent() domain.MatchEvent {
	return domain.MatchEvent{
		EventID:        "01J9ZX6C2E",
		TaskID:         7,
		TaskName:       "cheap <redlines> & deals",
		AppID:          730,
		MarketHashName: redlineFT,
		ListingID:      "4721093382",
		Price:          7.42,
		Currency:       "USD",
		Float:          fp(0.16432),
		Pattern:        func() *int { p := 661; return &p }(),
		Stickers: []domain.Sticker{
			{Position: 0, Name: "Sticker | Titan (Holo) | Katowice 2014", Price: fp(60000)},
			{Position: 2, Name: "Sticker | iBUYPOWER | Katowice 2014", Price: fp(45000)},
		},
		TotalStickersPrice: 105000,
		Overpay:            fp(0.095),
		InspectLink:        "steam://rungame/730/76561202255233023/+csgo_econ_action_preview%20M123A456D789",
		ConvertedPrices:    map[string]float64{"THB": 263.41, "CNY": 53.86},
		FoundAt:            time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
}

func TestNotifyMatchSendsFormattedMessage(t *testing.T) {
	var got sentMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.True(t, strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv)
	require.NoError(t, n.NotifyMatch(context.Background(), matchEvent()))

	assert.Equal(t, "-100123", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.True(t, got.DisablePreview)

	text := got.Text
	assert.Contains(t, text, "cheap &lt;redlines&gt; &amp; deals")
	assert.Contains(t, text, "Float: <b>0.164320</b>")
	assert.Contains(t, text, "Pattern: <b>661</b>")
	assert.Contains(t, text, "Sticker overpay: <b>9.5%</b>")
	assert.Contains(t, text, "Stickers: <b>2</b>, total <b>$105000</b>")
	assert.Contains(t, text, "1. <b>Sticker | Titan (Holo) | Katowice 2014</b> - $60000 (slot 1)")
	assert.Contains(t, text, "2. <b>Sticker | iBUYPOWER | Katowice 2014</b> - $45000 (slot 3)")
	assert.Contains(t, text, "💰 Price: <b>$7.42 USD</b>")
	assert.Contains(t, text, "<b>53.86 CNY</b> · <b>263.41 THB</b>", "converted prices sort by code")
	assert.Contains(t, text, "/market/listings/730/"+url.PathEscape(redlineFT))
	assert.Contains(t, text, "Inspect in game")
}

func TestNotifyMatchOmitsMissingFields(t *testing.T) {
	var got sentMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ev := domain.MatchEvent{
		EventID:        "01J9ZX0000",
		TaskID:         3,
		TaskName:       "howl charms",
		AppID:          730,
		MarketHashName: "Charm | Hot Howl",
		Price:          1234.5,
		Currency:       "USD",
	}
	n := newTestNotifier(t, srv)
	require.NoError(t, n.NotifyMatch(context.Background(), ev))

	text := got.Text
	assert.Contains(t, text, "Float: <i>not listed</i>")
	assert.Contains(t, text, "Pattern: <i>not listed</i>")
	assert.Contains(t, text, "No stickers")
	assert.Contains(t, text, "$1235 USD", "amounts from a thousand up drop cents")
	assert.NotContains(t, text, "overpay")
	assert.NotContains(t, text, "Converted")
	assert.NotContains(t, text, "Inspect")
}

func TestNotifyWithoutCredentialsIsSilent(t *testing.T) {
	n := New("", "", nil)
	assert.NoError(t, n.NotifyMatch(context.Background(), matchEvent()))
	assert.NoError(t, n.NotifyProxyOutage(context.Background(), domain.ProxyOutage{Blocked: 1, Total: 1}))
}

func TestSendRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv)
	n.retryMaxElapsed = 2 * time.Second
	require.NoError(t, n.NotifyMatch(context.Background(), matchEvent()))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestSendRejectionIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv)
	err := n.NotifyMatch(context.Background(), matchEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(1), hits.Load())
}

func TestNotifyProxyOutageMessage(t *testing.T) {
	var got sentMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv)
	o := domain.ProxyOutage{Blocked: 5, Total: 5, RetryAfter: 12*time.Minute + 30*time.Second}
	require.NoError(t, n.NotifyProxyOutage(context.Background(), o))

	assert.Contains(t, got.Text, "All proxies are blocked (429)")
	assert.Contains(t, got.Text, "Blocked: <b>5/5</b>")
	assert.Contains(t, got.Text, "~12.5 min")
}

func TestMatchTextShedsStickerDetailWhenLong(t *testing.T) {
	ev := matchEvent()
	ev.Stickers = nil
	for i := 0; i < 12; i++ {
		ev.Stickers = append(ev.Stickers, domain.Sticker{
			Position: i % 5,
			Name:     fmt.Sprintf("Sticker | %s %02d | Katowice 2014", strings.Repeat("Long Autograph Name ", 15), i),
			Price:    fp(120.5),
		})
	}
	require.Greater(t, len(renderMatch(ev, true)), maxMessageLen, "fixture must overflow the full render")

	text := matchText(ev)
	assert.LessOrEqual(t, len(text), maxMessageLen)
	assert.Contains(t, text, "Stickers: <b>12</b>")
	assert.NotContains(t, text, "1. <b>Sticker", "detail lines are shed before truncation")
	assert.Contains(t, text, "Open on Steam Market", "the tail of the message survives")
}

func TestMatchTextHardTruncationKeepsLineBoundary(t *testing.T) {
	ev := matchEvent()
	ev.TaskName = strings.Repeat("very long task name ", 400)

	text := matchText(ev)
	assert.LessOrEqual(t, len(text), maxMessageLen)
	assert.Contains(t, text, "message truncated")
}
