package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	// ErrRateLimited marks an upstream 429. It is consumed by the retry
	// handler and never reaches task-level callers.
	ErrRateLimited = errors.New("rate limited")
	// ErrProxyUnavailable means no proxy qualified inside the caller's
	// willingness-to-wait window.
	ErrProxyUnavailable = errors.New("no proxy available")
	// ErrProxyExhausted means the retry budget ran out across proxies.
	ErrProxyExhausted    = errors.New("proxy attempts exhausted")
	ErrUpstreamTransient = errors.New("upstream transient failure")
	ErrUpstreamInvalid   = errors.New("upstream invalid payload")
	// ErrFilterSkipped means a filter could not be evaluated this round,
	// so the listing must not match.
	ErrFilterSkipped      = errors.New("filter evaluation skipped")
	ErrPersistenceTimeout = errors.New("persistence timeout")
	ErrCacheDegraded      = errors.New("cache degraded")
)

// Proxy is one upstream exit point. URL is stored in canonical form so the
// same endpoint written two ways cannot be registered twice.
type Proxy struct {
	ID           int64
	URL          string
	Active       bool
	Delay        time.Duration
	SuccessCount int64
	FailCount    int64
	LastUsed     time.Time
	BlockedUntil time.Time
	BlockedAt    time.Time
	// RateLimitStreak counts consecutive rate-limit incidents; it resets on
	// the first success and drives quarantine escalation.
	RateLimitStreak int
	LastError       string
	CreatedAt       time.Time
}

// Quarantined reports whether the proxy is still inside its block window.
func (p Proxy) Quarantined(now time.Time) bool {
	return p.BlockedUntil.After(now)
}

// MonitoringTask describes one item the engine watches.
// Invariants: NextCheck only moves forward; TotalChecks and ItemsFound are
// monotonic; the task is eligible for dispatch iff Active and NextCheck <= now.
type MonitoringTask struct {
	ID             int64
	Name           string
	MarketHashName string
	AppID          int
	Currency       string
	Filters        FilterSpec
	Active         bool
	CheckInterval  time.Duration
	LastCheck      time.Time
	NextCheck      time.Time
	TotalChecks    int64
	ItemsFound     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Due reports whether the task is eligible for dispatch.
func (t MonitoringTask) Due(now time.Time) bool {
	return t.Active && !t.NextCheck.After(now)
}

// FoundItem is a listing that passed every filter of a task. The pair
// (TaskID, ListingID) is unique for the lifetime of the row.
type FoundItem struct {
	ID             int64
	TaskID         int64
	ListingID      string
	MarketHashName string
	Price          float64
	Currency       string
	ItemData       []byte
	InspectLink    string
	Notified       bool
	FoundAt        time.Time
}

// TaskDescriptor is the stream payload a dispatcher publishes and a worker
// consumes. The stream entry, not this struct, is the unit of acknowledgement.
type TaskDescriptor struct {
	TaskID     int64     `json:"task_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// MatchEvent is the structured record handed to notification sinks after a
// listing matched. Sinks convert it to their native format.
type MatchEvent struct {
	EventID            string             `json:"event_id"`
	TaskID             int64              `json:"task_id"`
	TaskName           string             `json:"task_name"`
	AppID              int                `json:"app_id"`
	MarketHashName     string             `json:"market_hash_name"`
	ListingID          string             `json:"listing_id"`
	Price              float64            `json:"price"`
	Currency           string             `json:"currency"`
	Float              *float64           `json:"float,omitempty"`
	Pattern            *int               `json:"pattern,omitempty"`
	Stickers           []Sticker          `json:"stickers,omitempty"`
	TotalStickersPrice float64            `json:"total_stickers_price"`
	Overpay            *float64           `json:"overpay,omitempty"`
	InspectLink        string             `json:"inspect_link,omitempty"`
	ConvertedPrices    map[string]float64 `json:"converted_prices,omitempty"`
	FoundAt            time.Time          `json:"found_at"`
}

// ProxyOutage describes a fully quarantined pool for alerting.
type ProxyOutage struct {
	Blocked    int
	Total      int
	RetryAfter time.Duration
}

// Repositories (ports)

type ProxyRepository interface {
	// Create stores a proxy, or returns the id of the existing row when the
	// canonical URL is already registered.
	Create(ctx Context, p Proxy) (int64, error)
	Get(ctx Context, id int64) (Proxy, error)
	List(ctx Context, activeOnly bool) ([]Proxy, error)
	// ListQuarantined returns blocked proxies ordered by BlockedUntil ascending.
	ListQuarantined(ctx Context, now time.Time) ([]Proxy, error)
	MarkSuccess(ctx Context, id int64, usedAt time.Time) error
	MarkFailure(ctx Context, id int64, usedAt time.Time, errText string) error
	Quarantine(ctx Context, id int64, blockedAt, until time.Time, streak int, errText string) error
	ClearQuarantine(ctx Context, id int64) error
	SetActive(ctx Context, id int64, active bool) error
	Delete(ctx Context, id int64) error
}

type TaskRepository interface {
	Create(ctx Context, t MonitoringTask) (int64, error)
	Get(ctx Context, id int64) (MonitoringTask, error)
	List(ctx Context) ([]MonitoringTask, error)
	// ListDue returns active tasks with NextCheck <= now, oldest first.
	ListDue(ctx Context, now time.Time, limit int) ([]MonitoringTask, error)
	Update(ctx Context, t MonitoringTask) error
	Delete(ctx Context, id int64) error
	SetActive(ctx Context, id int64, active bool) error
	ResetNextCheck(ctx Context, id int64, at time.Time) error
	// CompleteCheck advances the schedule and increments the check counter in
	// a single statement.
	CompleteCheck(ctx Context, id int64, lastCheck, nextCheck time.Time) error
}

type ItemRepository interface {
	// RecordMatch inserts the item and increments the task's found counter in
	// one transaction. A duplicate (TaskID, ListingID) yields ErrConflict.
	RecordMatch(ctx Context, item FoundItem) (int64, error)
	Exists(ctx Context, taskID int64, listingID string) (bool, error)
	ListByTask(ctx Context, taskID int64, limit int) ([]FoundItem, error)
	List(ctx Context, limit int) ([]FoundItem, error)
	MarkNotified(ctx Context, id int64) error
	PurgeAll(ctx Context) (int64, error)
}

type SettingsRepository interface {
	Get(ctx Context, key string) (string, error)
	Set(ctx Context, key, value string) error
}

// Cache is the shared key/value surface used for rotation cursors,
// reservations, dedupe keys and response caches. Implementations must fail
// soft: a degraded cache returns ErrCacheDegraded wrapped, never panics.
type Cache interface {
	Get(ctx Context, key string) (string, bool, error)
	Set(ctx Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only when the key is absent and reports whether
	// it was stored. It is the engine's only cross-replica mutual exclusion.
	SetNX(ctx Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx Context, keys ...string) error
	Keys(ctx Context, pattern string) ([]string, error)
}

// TaskQueue publishes task descriptors to the durable work stream.
type TaskQueue interface {
	Enqueue(ctx Context, d TaskDescriptor) (string, error)
}

// Notifier delivers match events and outage alerts. Delivery is best effort;
// a failed send never reverts a stored item.
type Notifier interface {
	NotifyMatch(ctx Context, ev MatchEvent) error
	NotifyProxyOutage(ctx Context, o ProxyOutage) error
}

// StickerPricer resolves sticker display names to their lowest market
// prices in bulk. Names no strategy could resolve map to nil.
type StickerPricer interface {
	PriceBatch(ctx Context, names []string, appID int, currency string) map[string]*float64
}

// RateSource exposes the cached currency cross-rates.
type RateSource interface {
	Convert(ctx Context, usd float64) map[string]float64
	HasRate(ctx Context, code string) bool
}

// Context is an alias for context.Context so the port declarations above
// stay compact.
type Context = context.Context
