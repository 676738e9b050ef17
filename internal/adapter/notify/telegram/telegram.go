// Package telegram delivers match and outage alerts to one chat through
// the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	sendTimeout    = 10 * time.Second

	// The Bot API rejects messages over 4096 characters; detail is shed
	// well before that so a safety margin survives entity expansion.
	maxMessageLen = 3500

	// Sticker detail lines beyond this count add length, not information.
	maxStickerLines = 10

	marketURL = "https://steamcommunity.com/market/listings"
)

// Notifier sends formatted messages to one chat. A Notifier without
// credentials is valid and drops everything, so deployments without a bot
// keep running.
type Notifier struct {
	hc      *http.Client
	baseURL string
	token   string
	chatID  string
	log     *slog.Logger

	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

// New builds the sender. An empty token or chat id disables delivery.
func New(token, chatID string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	if token == "" || chatID == "" {
		log.Info("telegram delivery disabled, credentials not configured")
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Telegram %s", r.Method)
		}),
	)
	return &Notifier{
		hc:              &http.Client{Timeout: sendTimeout, Transport: transport},
		baseURL:         defaultBaseURL,
		token:           token,
		chatID:          chatID,
		log:             log,
		retryInitial:    500 * time.Millisecond,
		retryMaxElapsed: 30 * time.Second,
	}
}

func (n *Notifier) enabled() bool { return n.token != "" && n.chatID != "" }

// NotifyMatch renders the found listing and sends it to the chat.
func (n *Notifier) NotifyMatch(ctx context.Context, ev domain.MatchEvent) error {
	if !n.enabled() {
		return nil
	}
	if err := n.send(ctx, matchText(ev)); err != nil {
		return fmt.Errorf("op=telegram.NotifyMatch event=%s: %w", ev.EventID, err)
	}
	n.log.Debug("match message delivered",
		slog.String("event_id", ev.EventID),
		slog.Int64("task_id", ev.TaskID))
	return nil
}

// NotifyProxyOutage alerts that the whole pool is quarantined. Debouncing
// happens upstream in the proxy manager, so every call here is sent.
func (n *Notifier) NotifyProxyOutage(ctx context.Context, o domain.ProxyOutage) error {
	if !n.enabled() {
		return nil
	}
	if err := n.send(ctx, outageText(o)); err != nil {
		return fmt.Errorf("op=telegram.NotifyProxyOutage: %w", err)
	}
	return nil
}

// send posts one sendMessage call, retrying 429s and server errors.
// A rejected message (ok=false on a 2xx or 4xx response) is permanent;
// resending it would bounce the same way.
func (n *Notifier) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  n.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("send status %d", resp.StatusCode)
		}
		var out struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if !out.OK {
			return backoff.Permanent(fmt.Errorf("message rejected: %s", out.Description))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = n.retryInitial
	expo.MaxElapsedTime = n.retryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return err
	}
	return nil
}

// matchText renders the full notification. When the result would not fit
// in one message the per-sticker lines are dropped first, then the text is
// cut on a line boundary; every line closes the tags it opens, so a cut on
// a newline keeps the HTML valid.
func matchText(ev domain.MatchEvent) string {
	text := renderMatch(ev, true)
	if len(text) <= maxMessageLen {
		return text
	}
	text = renderMatch(ev, false)
	if len(text) <= maxMessageLen {
		return text
	}
	return truncateOnLine(text, maxMessageLen)
}

func renderMatch(ev domain.MatchEvent, stickerDetails bool) string {
	var b strings.Builder
	b.WriteString("🎯 <b>Item found!</b>\n\n")
	fmt.Fprintf(&b, "📋 Task: <b>%s</b>\n\n", html.EscapeString(ev.TaskName))

	if ev.Float != nil {
		fmt.Fprintf(&b, "Float: <b>%.6f</b>\n", *ev.Float)
	} else {
		b.WriteString("Float: <i>not listed</i>\n")
	}
	if ev.Pattern != nil {
		fmt.Fprintf(&b, "Pattern: <b>%d</b>\n", *ev.Pattern)
	} else {
		b.WriteString("Pattern: <i>not listed</i>\n")
	}
	if ev.Overpay != nil {
		fmt.Fprintf(&b, "Sticker overpay: <b>%.1f%%</b>\n", *ev.Overpay*100)
	}
	b.WriteString("\n")

	if len(ev.Stickers) > 0 {
		fmt.Fprintf(&b, "Stickers: <b>%d</b>, total <b>$%s</b>\n",
			len(ev.Stickers), money(ev.TotalStickersPrice))
		if stickerDetails {
			shown := ev.Stickers
			if len(shown) > maxStickerLines {
				shown = shown[:maxStickerLines]
			}
			for i, st := range shown {
				fmt.Fprintf(&b, "  %d. <b>%s</b>", i+1, html.EscapeString(st.Name))
				if st.Price != nil && *st.Price > 0 {
					fmt.Fprintf(&b, " - $%s", money(*st.Price))
				}
				fmt.Fprintf(&b, " (slot %d)\n", st.Position+1)
			}
			if rest := len(ev.Stickers) - len(shown); rest > 0 {
				fmt.Fprintf(&b, "  <i>… and %d more</i>\n", rest)
			}
		}
	} else {
		b.WriteString("No stickers\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "📝 Name: <b>%s</b>\n", html.EscapeString(ev.MarketHashName))
	fmt.Fprintf(&b, "💰 Price: <b>$%s %s</b>\n", money(ev.Price), html.EscapeString(ev.Currency))

	if len(ev.ConvertedPrices) > 0 {
		codes := make([]string, 0, len(ev.ConvertedPrices))
		for code := range ev.ConvertedPrices {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		parts := make([]string, 0, len(codes))
		for _, code := range codes {
			parts = append(parts, fmt.Sprintf("<b>%s %s</b>", money(ev.ConvertedPrices[code]), html.EscapeString(code)))
		}
		fmt.Fprintf(&b, "💱 Converted: %s\n", strings.Join(parts, " · "))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "🔗 <a href=\"%s/%d/%s\">Open on Steam Market</a>",
		marketURL, ev.AppID, url.PathEscape(ev.MarketHashName))
	if ev.InspectLink != "" {
		fmt.Fprintf(&b, "\n🔍 <a href=\"%s\">Inspect in game</a>", html.EscapeString(ev.InspectLink))
	}
	return b.String()
}

func outageText(o domain.ProxyOutage) string {
	var b strings.Builder
	b.WriteString("🚨 <b>All proxies are blocked (429)</b>\n\n")
	fmt.Fprintf(&b, "Blocked: <b>%d/%d</b>\n", o.Blocked, o.Total)
	b.WriteString("Reason: Too Many Requests from the marketplace\n")
	if o.RetryAfter > 0 {
		fmt.Fprintf(&b, "Unblock expected in: ~%.1f min\n", o.RetryAfter.Minutes())
	}
	b.WriteString("\nChecks are paused until a proxy recovers. Revival probing is active.")
	return b.String()
}

// money trims decimals off four-digit figures the way the chat renders
// them; sticker capital runs into the thousands and cents add noise there.
func money(v float64) string {
	if v >= 1000 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func truncateOnLine(text string, limit int) string {
	const suffix = "\n\n<i>… message truncated</i>"
	cut := limit - len(suffix)
	if cut < 0 {
		cut = 0
	}
	if i := strings.LastIndexByte(text[:cut], '\n'); i > 0 {
		cut = i
	}
	return text[:cut] + suffix
}
