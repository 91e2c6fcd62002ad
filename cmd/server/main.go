package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	cartManager, err := service.NewCartManager(redisClient, db,
		cfg.Cart.TaxRate, cfg.Cart.TTL, cfg.Cart.Retention)
	if err != nil {
		log.Fatalf("Failed to initialize cart manager: %v", err)
	}

	idempotency := service.NewRedisIdempotency(redisClient,
		cfg.Saga.IdempotencyTTL, cfg.Saga.ProcessingTimeout)

	inventoryClient := service.NewInventoryClient(cfg.Collaborators.InventoryURL,
		cfg.Saga.ReserveTimeout, cfg.Saga.CollaboratorRetries)
	paymentClient := service.NewPaymentClient(cfg.Collaborators.PaymentURL,
		cfg.Saga.ChargeTimeout, cfg.Saga.CollaboratorRetries)
	userValidator := service.NewHTTPUserValidator(cfg.Collaborators.UserURL, 5*time.Second)
	productValidator := service.NewHTTPProductValidator(cfg.Collaborators.ProductURL, 5*time.Second)

	saga := service.NewSagaCoordinator(
		db,
		idempotency,
		inventoryClient,
		paymentClient,
		userValidator,
		productValidator,
		cartManager,
		eventPublisher,
		redisClient,
		cfg.Saga.OrderLockTTL,
	).WithVerifyBackoff(service.VerifySchedule(cfg.Saga.VerifyAttempts))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	registry := broker.NewRegistry(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentEventWorker(registry, saga)
	paymentWorker.Start(workerCtx)

	reconcileWorker := worker.NewCartReconcileWorker(cartManager, cfg.Cart.ReconcileInterval)
	go reconcileWorker.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(saga, cartManager)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		log.Printf("Error stopping payment worker: %v", err)
	}

	log.Println("Server exited")
}
