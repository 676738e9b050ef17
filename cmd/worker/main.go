// Command worker consumes the task stream: it runs the scrape pipeline,
// hosts the proxy revival loop and serves metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/cache"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/eventbus/kafka"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/market"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/notify/telegram"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/steam-market-monitor/internal/config"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/currency"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/dispatch"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/notify"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/proxypool"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/scrape"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/stickerprice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg, "worker")
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if !cfg.RedisEnabled {
		slog.Error("the worker requires redis for stream consumption; set REDIS_ENABLED=true")
		os.Exit(1)
	}
	if cfg.RabbitMQEnabled || cfg.RabbitMQURL != "" {
		slog.Warn("legacy broker settings ignored; the task stream runs on redis")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	pool, err := postgres.NewPool(rootCtx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(rootCtx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()
	store := cache.NewFallback(cache.NewRedis(rdb), logger)

	// Repositories
	proxyRepo := postgres.NewProxyRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	itemRepo := postgres.NewItemRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)

	// Operator-stored pacing overrides win over the environment defaults.
	defaultDelay := settingDuration(rootCtx, settingsRepo, "proxy_default_delay", cfg.ProxyDefaultDelay)
	pageDelay := settingDuration(rootCtx, settingsRepo, "listing_parse_delay", cfg.ListingDelay)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	identity := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	// Notification sinks
	var sinks []domain.Notifier
	if cfg.NotifierEnabled() {
		sinks = append(sinks, telegram.New(cfg.TelegramBotToken, cfg.TelegramChatID, logger))
	}
	if cfg.EventBusEnabled && len(cfg.KafkaBrokers) > 0 {
		bus, berr := kafka.NewPublisher(cfg.KafkaBrokers, cfg.EventBusTopic,
			"market-worker-"+identity, logger)
		if berr != nil {
			slog.Error("event bus connect failed", slog.Any("error", berr))
			os.Exit(1)
		}
		defer func() { _ = bus.Close() }()
		sinks = append(sinks, bus)
	}
	fanout := notify.NewFanout(logger, sinks...)

	marketClient := market.NewClient(cfg.MarketBaseURL, cfg.MarketHTTPTimeout)

	// Proxy pool and the services the pipeline leans on
	poolMgr := proxypool.NewManager(proxyRepo, store, fanout, defaultDelay, logger)
	retrier := proxypool.NewRetrier(poolMgr, cfg.RetryMaxAttempts, cfg.ProxyAcquireTimeout, logger)
	reviver := proxypool.NewReviver(poolMgr, store, marketClient,
		cfg.RevivalInterval, cfg.RevivalFastInterval, cfg.RevivalProbeTimeout, logger)

	rates := currency.NewService(retrier, store,
		cfg.CurrencyPrimaryURL, cfg.CurrencyFallbackURL, cfg.CurrencyCodes,
		cfg.RatesTTL, cfg.CurrencyRefresh, logger)
	pricer := stickerprice.NewResolver(marketClient, retrier, store,
		cfg.StickerPriceTTL, pageDelay, logger)

	pipeline := scrape.NewPipeline(scrape.Deps{
		Market:   marketClient,
		Caller:   retrier,
		Cache:    store,
		Tasks:    taskRepo,
		Items:    itemRepo,
		Pricer:   pricer,
		Rates:    rates,
		Notifier: fanout,
		Settings: settingsRepo,
	}, cfg.MarketCountry, pageDelay, cfg.ParsedItemTTL, logger)
	if pipeline == nil {
		slog.Error("pipeline wiring incomplete")
		os.Exit(1)
	}

	// Stream consumer
	stream := dispatch.NewStream(rdb, cfg.StreamGroup, cfg.StreamMaxLen, logger)
	consumer := dispatch.NewConsumer(stream, store, pipeline.Check, identity,
		cfg.MaxConcurrentTasks, cfg.StreamBlock, cfg.RunningKeyTTL, cfg.RunningKeyTTL, logger)
	janitor := dispatch.NewJanitor(store, stream, 0, cfg.RunningKeyTTL, logger)

	go reviver.Run(rootCtx)
	go rates.Run(rootCtx)
	go janitor.Run(rootCtx)

	// Start consumer in background
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(rootCtx) }()

	slog.Info("worker started",
		slog.String("consumer", identity),
		slog.Int("max_in_flight", cfg.MaxConcurrentTasks))

	// Wait for shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
		select {
		case <-errCh:
		case <-time.After(cfg.ServerShutdownTimeout):
			slog.Warn("consumer did not stop in time")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("consumer error", slog.Any("error", err))
		}
		cancel()
	}
	slog.Info("worker stopped")
}

// settingDuration prefers an operator override stored in app_settings and
// falls back to the environment value.
func settingDuration(ctx context.Context, settings domain.SettingsRepository, key string, fallback time.Duration) time.Duration {
	raw, err := settings.Get(ctx, key)
	if err != nil {
		return fallback
	}
	d, perr := time.ParseDuration(raw)
	if perr != nil || d <= 0 {
		slog.Warn("ignoring malformed setting", slog.String("key", key), slog.String("value", raw))
		return fallback
	}
	slog.Info("applying stored setting", slog.String("key", key), slog.Duration("value", d))
	return d
}
