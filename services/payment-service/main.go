package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/payment-saga/pkg/aws"
	"github.com/yashrajoria/payment-saga/pkg/broker"
	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
	apperrors "github.com/yashrajoria/payment-saga/services/common/errors"
	applog "github.com/yashrajoria/payment-saga/services/common/logger"
	commonmw "github.com/yashrajoria/payment-saga/services/common/middleware"
	"github.com/yashrajoria/payment-saga/services/payment-service/config"
	"github.com/yashrajoria/payment-saga/services/payment-service/controllers"
	"github.com/yashrajoria/payment-saga/services/payment-service/database"
	"github.com/yashrajoria/payment-saga/services/payment-service/models"
	"github.com/yashrajoria/payment-saga/services/payment-service/repository"
	"github.com/yashrajoria/payment-saga/services/payment-service/routes"
	"github.com/yashrajoria/payment-saga/services/payment-service/services"
)

const serviceName = "payment-service"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("[PaymentService] failed to load config: %v", err)
	}

	ctx := context.Background()

	var cwWriter io.Writer
	if cfg.CloudWatchEnabled {
		cw, err := awspkg.NewLogShipper(ctx, serviceName)
		if err != nil {
			log.Printf("[PaymentService] CloudWatch logs disabled: %v", err)
		} else {
			cwWriter = cw
		}
	}

	logger, err := applog.New(cfg.Env, cwWriter)
	if err != nil {
		log.Fatalf("[PaymentService] failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.UseSecrets {
		awsCfg, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			logger.Fatal("AWS config unavailable for secrets", zap.Error(err))
		}
		if err := cfg.ApplySecrets(ctx, awspkg.NewSecretsClient(awsCfg)); err != nil {
			logger.Fatal("Failed to load secrets", zap.Error(err))
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	db, err := database.Connect(cfg.DSN(), logger, &models.Order{}, &models.OrderItem{})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db) //nolint:errcheck

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
	brokerManager := broker.NewManager(brokerCfg, logger)
	if err := brokerManager.WaitUntilReady(ctx); err != nil {
		// Payments still complete without the broker; events are logged and dropped.
		logger.Error("RabbitMQ unavailable, continuing in degraded mode", zap.Error(err))
	}

	products := inventory.NewClient(cfg.ProductServiceURL)
	orderRepo := repository.NewGormOrderRepository(db)
	sessions := services.NewSessionStore(redisCache)

	saga := services.NewPaymentSaga(services.SagaDeps{
		Stock:      services.NewStockChecker(redisCache, products, logger),
		Authorizer: services.TestCardAuthorizer{},
		Orders:     orderRepo,
		Prices:     services.NewPriceResolver(redisCache, products, logger),
		Sessions:   sessions,
		Cache:      redisCache,
		Publisher:  broker.NewPublisher(brokerManager, logger),
		Logger:     logger,
	})

	paymentController := &controllers.PaymentController{
		Saga:     saga,
		Orders:   services.NewOrderQueryService(orderRepo, redisCache),
		Sessions: sessions,
		Cache:    redisCache,
		Broker:   brokerManager,
		Metrics:  metricsClient,
		Logger:   logger,
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(commonmw.RequestID())
	r.Use(commonmw.RequestLogger(logger))
	r.Use(commonmw.SecurityHeaders())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSAllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", commonmw.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", commonmw.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(commonmw.MetricsMiddleware(metricsClient, serviceName))
	r.Use(apperrors.ErrorMiddleware())

	routes.RegisterPaymentRoutes(r, paymentController, []byte(cfg.JWTSecret), cfg.RateLimitPerMinute)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Payment service started", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	<-quit
	logger.Info("Shutting down payment service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited cleanly")
}
