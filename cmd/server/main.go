// Command server hosts the admin API and the scheduling sweep that feeds
// the task stream.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/cache"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/httpserver"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/market"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/observability"
	"github.com/fairyhunter13/steam-market-monitor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/steam-market-monitor/internal/app"
	"github.com/fairyhunter13/steam-market-monitor/internal/config"
	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/currency"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/dispatch"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/proxypool"
	"github.com/fairyhunter13/steam-market-monitor/internal/usecase"
)

// directCaller satisfies the currency fetcher without a proxy pool. The
// admin process mostly reads cached rates; a cold cache fetches directly.
type directCaller struct{}

func (directCaller) Do(ctx context.Context, _ time.Duration, f proxypool.Func) error {
	return f(ctx, "")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg, "server")
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if cfg.RabbitMQEnabled || cfg.RabbitMQURL != "" {
		slog.Warn("legacy broker settings ignored; the task stream runs on redis")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: DB pool and schema
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

	var (
		rdb        *redis.Client
		redisCache *cache.Redis
	)
	if cfg.RedisEnabled {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			slog.Error("redis url invalid", slog.Any("error", perr))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		redisCache = cache.NewRedis(rdb)
	} else {
		slog.Warn("redis disabled by configuration; coordination runs in-process and task dispatch is off")
	}

	var primary domain.Cache
	if redisCache != nil {
		primary = redisCache
	}
	store := cache.NewFallback(primary, logger)

	// Repositories
	proxyRepo := postgres.NewProxyRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	itemRepo := postgres.NewItemRepo(pool)

	rates := currency.NewService(directCaller{}, store,
		cfg.CurrencyPrimaryURL, cfg.CurrencyFallbackURL, cfg.CurrencyCodes,
		cfg.RatesTTL, cfg.CurrencyRefresh, logger)
	marketClient := market.NewClient(cfg.MarketBaseURL, cfg.MarketHTTPTimeout)

	// Usecases
	tasksSvc := usecase.NewTasksService(taskRepo, rates, store)
	proxiesSvc := usecase.NewProxiesService(proxyRepo, marketClient)
	itemsSvc := usecase.NewItemsService(itemRepo)

	var redisPing app.Pinger
	if redisCache != nil {
		redisPing = redisCache
	}
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisPing)
	if redisPing == nil {
		// Redis is off by configuration, not unreachable; drop the probe.
		redisCheck = nil
	}

	srv := httpserver.NewServer(cfg, tasksSvc, proxiesSvc, itemsSvc, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	// Scheduling sweep: due tasks go onto the stream for the workers.
	if rdb != nil {
		stream := dispatch.NewStream(rdb, cfg.StreamGroup, cfg.StreamMaxLen, logger)
		sweeper := dispatch.NewSweeper(taskRepo, store, stream,
			cfg.DispatchInterval, cfg.RunningKeyTTL, logger)
		go sweeper.Run(rootCtx)
	}

	// HTTP server
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin api starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
