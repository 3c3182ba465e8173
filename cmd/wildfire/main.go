package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/wildfire-risk-service/internal/adapter/firms"
	httpadapter "github.com/couchcryptid/wildfire-risk-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/wildfire-risk-service/internal/adapter/kafka"
	"github.com/couchcryptid/wildfire-risk-service/internal/adapter/llm"
	"github.com/couchcryptid/wildfire-risk-service/internal/adapter/openweather"
	"github.com/couchcryptid/wildfire-risk-service/internal/analysis"
	"github.com/couchcryptid/wildfire-risk-service/internal/cache"
	"github.com/couchcryptid/wildfire-risk-service/internal/config"
	"github.com/couchcryptid/wildfire-risk-service/internal/observability"
)

const (
	conditionsCacheSize = 256
	conditionsCacheTTL  = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	store := cache.NewStore(cfg.CacheDir, logger,
		cache.WithLockTimeout(cfg.CacheLockTimeout),
		cache.WithMetrics(metrics),
	)
	janitor := cache.NewJanitor(store, cfg.CacheSweepInterval, logger)

	opts := []analysis.Option{analysis.WithTimeouts(cfg.FetchTimeout, cfg.AITimeout)}

	// Optional collaborators, each enabled by its API key or broker list.
	if cfg.ConditionsEnabled() {
		client := openweather.NewClient(cfg, logger)
		opts = append(opts, analysis.WithConditions(
			openweather.NewCachedProvider(client, conditionsCacheSize, conditionsCacheTTL),
		))
		logger.Info("weather context enabled")
	} else {
		logger.Info("weather context disabled")
	}
	if cfg.AIEnabled() {
		opts = append(opts, analysis.WithGenerator(llm.NewGenerator(cfg, logger)))
		logger.Info("ai enrichment enabled", "model", cfg.OpenAIModel, "timeout", cfg.AITimeout)
	} else {
		logger.Info("ai enrichment disabled")
	}
	var writer *kafkaadapter.Writer
	if cfg.PublishEnabled() {
		writer = kafkaadapter.NewWriter(cfg, logger)
		opts = append(opts, analysis.WithPublisher(writer))
		logger.Info("assessment publishing enabled", "topic", cfg.KafkaAssessmentTopic)
	}

	orch := analysis.New(firms.NewClient(cfg, logger), store, logger, metrics, opts...)

	srv := httpadapter.NewServer(cfg.HTTPAddr, store, orch, cfg.RateLimitRPS, logger,
		httpadapter.WithAnalysisBudget(cfg.AnalysisBudget()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := janitor.Start(); err != nil {
		logger.Error("cache janitor failed to start", "error", err)
		os.Exit(1)
	}

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	janitor.Stop()
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Error("background tasks did not finish", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
