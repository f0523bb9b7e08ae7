package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/marketgrid/order-service/internal/aggregator"
	"github.com/marketgrid/order-service/internal/events"
	"github.com/marketgrid/order-service/internal/handler"
	"github.com/marketgrid/order-service/internal/repository"
	"github.com/marketgrid/order-service/internal/service"
	"github.com/marketgrid/order-service/internal/splitter"
	"github.com/marketgrid/order-service/pkg/config"
	"github.com/marketgrid/order-service/pkg/metrics"
	"github.com/marketgrid/order-service/pkg/middleware"
)

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = parsed
	}
	return zapCfg.Build()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer logger.Sync()

	logger.Info("Service configuration",
		zap.String("port", cfg.Port),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("order_events_topic", cfg.OrderEventsTopic),
		zap.String("order_table", cfg.OrderTableName))

	// Initialize components
	dynamoClient, err := repository.NewDynamoDBClient(cfg)
	if err != nil {
		log.Fatal("Failed to create DynamoDB client:", err)
	}

	kafkaProducer, err := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.OrderEventsTopic, logger)
	if err != nil {
		log.Fatal("Failed to create Kafka producer:", err)
	}
	defer kafkaProducer.Close()

	orderRepo := repository.NewOrderRepository(dynamoClient, cfg.OrderTableName)
	productRepo := repository.NewProductRepository(dynamoClient, cfg.OrderTableName)
	orderService := service.NewOrderService(orderRepo, kafkaProducer, logger)
	orderSplitter := splitter.New(orderRepo, productRepo, kafkaProducer, logger)
	statusAggregator := aggregator.New(orderRepo, orderService, logger)
	orderHandler := handler.NewOrderHandler(orderService, logger)

	consumerMetrics := metrics.NewConsumerMetrics()
	consumer := events.NewConsumer(
		strings.Split(cfg.KafkaBrokers, ","),
		cfg.OrderEventsTopic,
		cfg.ConsumerGroup,
		orderSplitter,
		statusAggregator,
		consumerMetrics,
		logger,
	)
	defer consumer.Close()

	// Setup Gin Router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RequestID())

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Routes
	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		orders.Use(middleware.StoreClaim(cfg.JWTSecret))
		orders.GET("", orderHandler.ListOrders)
		orders.GET("/:id", orderHandler.GetOrder)

		v1.GET("/health", func(c *gin.Context) {
			status := gin.H{
				"status":  "healthy",
				"service": "order-service",
				"port":    cfg.Port,
			}
			if err := kafkaProducer.HealthCheck(); err != nil {
				status["kafka"] = "unhealthy"
				c.JSON(503, status)
				return
			}
			status["kafka"] = "healthy"
			c.JSON(200, status)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting order events consumer",
			zap.String("topic", cfg.OrderEventsTopic),
			zap.String("group", cfg.ConsumerGroup))
		if err := consumer.Run(ctx); err != nil {
			logger.Error("Consumer stopped", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	wg.Wait()
	logger.Info("All components stopped")
}
