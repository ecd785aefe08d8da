// Command server runs the secret-sharing service: it wires the rate
// limiter, blacklist, secret store, and circuit breakers behind the
// HTTP transport and exposes a Prometheus /metrics endpoint alongside
// the application port.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/7and1/volatile/api"
	"github.com/7and1/volatile/blacklist"
	"github.com/7and1/volatile/config"
	"github.com/7and1/volatile/httpapi"
	"github.com/7and1/volatile/idgen"
	"github.com/7and1/volatile/metrics/prom"
	"github.com/7and1/volatile/ratelimit"
	"github.com/7and1/volatile/secret"
)

func main() {
	addr := flag.String("addr", ":8080", "application listen address")
	metricsAddr := flag.String("metrics", ":9090", "Prometheus metrics listen address")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.Load()
	logger.Info().Str("environment", cfg.Environment).Msg("configuration loaded")

	reg := prometheus.NewRegistry()
	secretMetrics := prom.NewSecrets(reg, "volatile", "secrets", nil)
	rlMetrics := prom.NewRateLimit(reg, "volatile", "ratelimit", nil)
	blMetrics := prom.NewBlacklist(reg, "volatile", "blacklist", nil)
	brMetrics := prom.NewBreakers(reg, "volatile", "breaker", nil)

	bl := blacklist.New(blacklist.WithLogger(&logger))
	if backend := redisBackend(cfg.SecurityKV); backend != nil {
		bl = blacklist.New(blacklist.WithLogger(&logger), blacklist.WithBackend(backend))
		loadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		bl.LoadFromBackend(loadCtx)
		cancel()
		go bl.RunSync(context.Background(), blacklist.DefaultKVSyncInterval)
	}

	rl := ratelimit.New(
		ratelimit.WithConfig(ratelimit.Config{
			Window:          cfg.RateLimitWindow,
			CreatePerWindow: cfg.RateLimitCreatePerWindow,
			ReadPerWindow:   cfg.RateLimitReadPerWindow,
			BanDuration:     ratelimit.DefaultBanDuration,
			AbuseMultiplier: ratelimit.DefaultAbuseMultiplier,
		}),
		ratelimit.WithBanner(bl),
		ratelimit.WithMetrics(rlMetrics),
		ratelimit.WithLogger(&logger),
	)

	store := secret.NewStore(secret.WithMetrics(secretMetrics))

	svc := api.New(api.Deps{
		Blacklist:   bl,
		RateLimiter: rl,
		Secrets:     store,
		IDGen:       idgen.New,
		Logger:      &logger,
	})

	go reportBreakerStates(context.Background(), brMetrics, svc, 10*time.Second)
	go reportBlacklistSize(context.Background(), blMetrics, bl, 10*time.Second)

	handler := httpapi.New(svc, cfg, &logger)

	appServer := &http.Server{Addr: *addr, Handler: handler}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux}

	go func() {
		logger.Info().Str("addr", *addr).Msg("application server listening")
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("application server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", *metricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = appServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
}

func redisBackend(securityKV string) *blacklist.RedisBackend {
	if securityKV == "" {
		return nil
	}
	opts, err := redis.ParseURL(securityKV)
	if err != nil {
		return nil
	}
	client := redis.NewClient(opts)
	return blacklist.NewRedisBackend(client, "volatile:blacklist")
}

func reportBreakerStates(ctx context.Context, m *prom.BreakerAdapter, svc *api.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := svc.Health(ctx)
			m.Report("secret-cell-read", h.Breakers.SecretRead)
			m.Report("secret-cell-validate", h.Breakers.SecretValidate)
			m.Report("ratelimit-store", h.Breakers.RateLimiter)
		}
	}
}

func reportBlacklistSize(ctx context.Context, m *prom.BlacklistAdapter, bl *blacklist.List, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Set(bl.Size())
		}
	}
}
