// Command gatewayd runs the hosted AI gateway: the proxy endpoints, usage
// accounting, quota enforcement, and billing webhooks in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cursive-ai/gateway/internal/config"
	"github.com/cursive-ai/gateway/pkg/api"
	"github.com/cursive-ai/gateway/pkg/billing"
	stripeprocessor "github.com/cursive-ai/gateway/pkg/billing/stripe"
	"github.com/cursive-ai/gateway/pkg/meter"
	meterzerolog "github.com/cursive-ai/gateway/pkg/meter/logger/zerolog"
	prommetrics "github.com/cursive-ai/gateway/pkg/meter/metrics/prometheus"
	"github.com/cursive-ai/gateway/pkg/upstream"
	"github.com/cursive-ai/gateway/storage/memory"
	"github.com/cursive-ai/gateway/storage/postgres"
	redisstore "github.com/cursive-ai/gateway/storage/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(zl); err != nil {
		zl.Fatal().Err(err).Msg("gateway exited")
	}
}

func run(zl zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := meterzerolog.NewLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(reg, "gateway")

	// Store: postgres when configured, in-memory otherwise.
	var store meter.Store
	if cfg.DatabaseURL != "" {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		store = pg
		logger.Info("using postgres store")
	} else {
		store = memory.New()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Rate-limit counters: redis when configured, per-process otherwise.
	var counters meter.CounterStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		counters, err = redisstore.New(client, redisstore.Config{})
		if err != nil {
			return err
		}
		logger.Info("using redis rate-limit counters")
	} else {
		counters = memory.NewCounters()
		logger.Warn("REDIS_URL not set, rate-limit windows are per-process")
	}

	var vault *meter.SealedVault
	if cfg.EncryptionKey != "" {
		key, err := cfg.SealingKey()
		if err != nil {
			return err
		}
		vault, err = meter.NewSealedVault(store, key)
		if err != nil {
			return err
		}
	} else {
		return errors.New("ENCRYPTION_KEY is required")
	}

	ledger := meter.NewLedger(store, cfg.CostModel(), logger, metrics)
	quotas := cfg.Quotas()
	gate := meter.NewGate(store, vault, quotas, logger, metrics)
	limiter := meter.NewLimiter(counters, meter.LimiterConfig{
		Enabled:   cfg.RateLimitEnabled,
		PerMinute: int(cfg.RateLimitPerMinute),
		PerDay:    int(cfg.RateLimitPerDay),
	}, logger, metrics)
	pipeline := meter.NewPipeline(limiter, gate, store, vault, metrics)

	processor, err := stripeprocessor.NewProcessor(stripeprocessor.Config{
		APIKey:        cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		PriceIDs: map[meter.Tier]string{
			meter.TierPro:        cfg.StripeProPriceID,
			meter.TierEnterprise: cfg.StripeEnterprisePrice,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	stateMachine := billing.NewStateMachine(store, billing.StateMachineConfig{
		PeriodLength: cfg.PeriodLength(),
		Logger:       logger,
		Metrics:      metrics,
	})

	provider := upstream.NewClient(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.UpstreamAPIKey,
		Logger:  logger,
	})

	handler := api.NewHandler(api.Config{
		Store:              store,
		Vault:              vault,
		Pipeline:           pipeline,
		Ledger:             ledger,
		Provider:           provider,
		Processor:          processor,
		Billing:            stateMachine,
		Quotas:             quotas,
		CheckoutSuccessURL: cfg.CheckoutSuccessURL,
		CheckoutCancelURL:  cfg.CheckoutCancelURL,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:             logger,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", meter.Field{Key: "addr", Value: cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
