package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/payment-saga/pkg/aws"
	"github.com/yashrajoria/payment-saga/pkg/broker"
	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
	applog "github.com/yashrajoria/payment-saga/services/common/logger"
	"github.com/yashrajoria/payment-saga/services/stock-updater/services"
)

const serviceName = "stock-updater"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("[StockUpdater] failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cwWriter io.Writer
	if cfg.CloudWatchEnabled {
		cw, err := awspkg.NewLogShipper(ctx, serviceName)
		if err != nil {
			log.Printf("[StockUpdater] CloudWatch logs disabled: %v", err)
		} else {
			cwWriter = cw
		}
	}

	logger, err := applog.New(cfg.Env, cwWriter)
	if err != nil {
		log.Fatalf("[StockUpdater] failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	redisCache, err := cache.Connect(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("Failed to configure redis", zap.Error(err))
	}
	defer redisCache.Close() //nolint:errcheck

	metricsClient, err := awspkg.NewMetricsClient(ctx)
	if err != nil {
		logger.Warn("CloudWatch metrics client init failed (non-fatal)", zap.Error(err))
	}

	brokerCfg := broker.DefaultConfig(cfg.RabbitMQURL)
	brokerCfg.ConnectionName = serviceName
	manager := broker.NewManager(brokerCfg, logger)
	if err := manager.WaitUntilReady(ctx); err != nil {
		logger.Error("Could not connect to RabbitMQ, exiting", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	reconciler := services.NewStockReconciler(services.ReconcilerDeps{
		Opener:  manager,
		Stock:   inventory.NewClient(cfg.ProductServiceURL),
		Cache:   redisCache,
		Cart:    services.NewCartClient(cfg.CartServiceURL, cfg.CartServiceToken, logger),
		Metrics: metricsClient,
		Logger:  logger,
	}, services.ReconcilerConfig{
		ConsumerTag: cfg.ConsumerTag,
		MaxRetries:  cfg.MaxRetries,
	})

	logger.Info("Stock updater started", zap.String("consumer_tag", cfg.ConsumerTag))
	for {
		err := reconciler.Run(ctx)
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, services.ErrConsumerClosed) {
			logger.Warn("Consumer closed, reconnecting", zap.Error(err), zap.Duration("retry_in", brokerCfg.RetryDelay))
		} else {
			logger.Error("Consumer failed, reconnecting", zap.Error(err), zap.Duration("retry_in", brokerCfg.RetryDelay))
		}

		select {
		case <-ctx.Done():
		case <-time.After(brokerCfg.RetryDelay):
		}
	}
	logger.Info("Stock updater stopped")
}
