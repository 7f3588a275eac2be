package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/api"
	"github.com/formhub/courier/internal/circuitbreaker"
	"github.com/formhub/courier/internal/config"
	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/dispatch"
	"github.com/formhub/courier/internal/metrics"
	"github.com/formhub/courier/internal/observ"
	"github.com/formhub/courier/internal/queue"
	"github.com/formhub/courier/internal/redis"
	"github.com/formhub/courier/internal/rules"
	"github.com/formhub/courier/internal/sender"
	"github.com/formhub/courier/internal/sqs"
	"github.com/formhub/courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// gateAdapter narrows the redis send gate to the selector's Gate interface.
type gateAdapter struct {
	gate *redis.SendGate
}

func (a gateAdapter) Allow(ctx context.Context, senderID string, n int, hourlyLimit, dailyLimit *int) (bool, string, error) {
	res, err := a.gate.Allow(ctx, senderID, n, hourlyLimit, dailyLimit)
	if err != nil {
		return false, "", err
	}
	return res.Allowed, res.Window, nil
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs the enqueue dedupe lock and the sender send-limit gate.
	// Both degrade gracefully when unavailable: the database dedupe check
	// still runs, limits are just not enforced.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, enqueue locks and send limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var locker queue.Locker
	var gate sender.Gate
	if redisClient != nil {
		locker = redis.NewEnqueueLock(redisClient, logger)
		gate = gateAdapter{gate: redis.NewSendGate(redisClient, logger)}
		defer redisClient.Close()
	}

	// Crypto keeper for sender service credentials
	keeper := sender.NewKeeper(cfg.CredentialKey, cfg.HasCredKey)

	// Mail transports, each behind its own circuit breaker
	transports := []sender.Transport{
		wrapTransport(sender.NewSMTPTransport(logger), "smtp", logger),
		wrapTransport(sender.NewResendTransport(keeper, logger), "resend", logger),
		sender.NewLogTransport(logger),
	}

	sesTransport, err := sender.NewSESTransport(ctx, sender.SESConfig{Region: cfg.AWSRegion}, logger)
	if err != nil {
		logger.Warn("ses transport unavailable", zap.Error(err))
	} else {
		transports = append(transports, wrapTransport(sesTransport, "ses", logger))
	}

	multi := sender.NewMultiTransport(logger, transports...)

	// Dispatch pipeline
	matcher := rules.NewMatcher(repo, logger)
	resolver := rules.NewResolver(rules.ResolverConfig{
		AdminEmails:     cfg.AdminEmails,
		UserEmailFields: cfg.UserEmailFields,
	}, logger)
	selector := sender.NewSelector(repo, gate, logger)
	writer := queue.NewWriter(repo, locker, queue.WriterConfig{MaxAttempts: cfg.MaxAttempts}, logger)
	events := dispatch.NewService(matcher, resolver, repo, selector, writer, logger)

	// Delivery worker
	w := worker.New(repo, multi, worker.Config{
		DeliveryTimeout: cfg.DeliveryTimeout,
		BackoffMode:     cfg.BackoffMode,
		BackoffBase:     cfg.BackoffBase,
	}, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Delivery stage: SQS when configured, in-process pool otherwise.
	var dispatcher queue.Dispatcher
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}

		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs producer: %w", err)
		}
		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}

		dispatcher = producer
		go worker.NewSQSLoop(consumer, w, logger).Run(bgCtx)
		logger.Info("sqs delivery stage started")
	} else {
		pool := worker.NewInProcessDispatcher(0, logger)
		dispatcher = pool
		go pool.RunPool(bgCtx, w, 4)
		logger.Info("in-process delivery stage started")
	}

	// Drainer promotes due pending rows to the delivery stage
	drainer := queue.NewDrainer(repo, dispatcher, queue.DrainerConfig{
		PollInterval: cfg.DrainInterval,
		BatchSize:    cfg.DrainBatchSize,
	}, logger)
	go drainer.Run(bgCtx)

	logger.Info("queue drainer started",
		zap.Duration("poll_interval", cfg.DrainInterval),
		zap.Int("batch_size", cfg.DrainBatchSize),
	)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, events, database)
	handler.Routes(r)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func wrapTransport(t sender.Transport, name string, logger *zap.Logger) sender.Transport {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}, logger)
	return circuitbreaker.NewProtectedTransport(t, breaker, logger)
}
