package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/api"
	"github.com/owenbray/pulse/internal/auth"
	"github.com/owenbray/pulse/internal/circuitbreaker"
	"github.com/owenbray/pulse/internal/config"
	"github.com/owenbray/pulse/internal/directory"
	"github.com/owenbray/pulse/internal/expo"
	"github.com/owenbray/pulse/internal/jobs"
	"github.com/owenbray/pulse/internal/metrics"
	"github.com/owenbray/pulse/internal/observ"
	"github.com/owenbray/pulse/internal/push"
	"github.com/owenbray/pulse/internal/redis"
	"github.com/owenbray/pulse/internal/sqs"
	"github.com/owenbray/pulse/internal/store"
	"github.com/owenbray/pulse/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pulse gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	db, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := store.NewRepository(db, logger)

	tokens, err := auth.NewTokenService(auth.Config{
		Secret: cfg.JWTSecret,
		Issuer: "pulse",
	})
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	// Redis for idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  60,              // 60 dispatches
			Window: 1 * time.Minute, // per minute per caller
		})
		defer redisClient.Close()
	}

	// Push transport behind a circuit breaker
	expoClient := expo.NewClient(expo.Config{
		BaseURL:     cfg.ExpoBaseURL,
		AccessToken: cfg.ExpoAccessToken,
	}, logger)

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("expo"), logger)
	transport := circuitbreaker.NewProtectedTransport(expoClient, breaker, logger)

	// Pipeline
	resolver := push.NewResolver(repo, logger)
	recorder := push.NewRecorder(repo, logger)
	dispatcher := push.NewDispatcher(transport, repo, logger)
	reconciler := push.NewReconciler(transport, repo, logger)
	pushSvc := push.NewService(resolver, recorder, dispatcher, logger)

	dirSvc := directory.NewService(repo, logger)

	handler := api.NewHandler(logger, pushSvc, reconciler, dirSvc, repo)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}

	// Deferred receipt reconciliation via SQS
	if cfg.SQSQueueURL != "" {
		queue, err := sqs.NewQueue(ctx, sqs.Config{
			Region:       cfg.SQSRegion,
			QueueURL:     cfg.SQSQueueURL,
			ReceiptDelay: time.Duration(cfg.ReceiptDelaySecs) * time.Second,
		}, logger)
		if err != nil {
			logger.Warn("sqs unavailable, deferred receipt reconciliation disabled",
				zap.Error(err),
			)
		} else {
			handler = handler.WithReceiptQueue(queue)

			w := worker.New(queue, reconciler, worker.Config{
				PollInterval: 30 * time.Second,
				BatchSize:    10,
			}, logger)

			workerCtx, workerCancel := context.WithCancel(context.Background())
			defer workerCancel()
			go w.Start(workerCtx)

			logger.Info("receipt worker started")
		}
	}

	// Scheduled jobs
	fundsSync := jobs.NewFundsSync(repo, jobs.FundsConfig{
		FeedURL:   cfg.FundsFeedURL,
		AuthToken: cfg.FundsAuthToken,
	}, logger)
	sweeper := jobs.NewSweeper(repo, jobs.SweepConfig{}, logger)

	scheduler := cron.New()
	if cfg.FundsFeedURL != "" {
		if _, err := scheduler.AddFunc(cfg.FundsCronSpec, func() {
			if err := fundsSync.Run(context.Background()); err != nil {
				logger.Error("funds sync failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule funds sync: %w", err)
		}
	}
	if _, err := scheduler.AddFunc(cfg.SweepCronSpec, func() {
		if _, err := sweeper.Run(context.Background()); err != nil {
			logger.Error("account sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule account sweep: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.AuthMiddleware(tokens, logger))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger))

		r.With(api.RequireDispatchRole).Post("/push/dispatch", handler.DispatchPushNotification)
		r.Post("/push/receipts", handler.ProcessReceipts)
		r.Post("/claims/sync", handler.SyncClaims)
		r.Post("/devices", handler.RegisterDevice)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := db.Health(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  status,
			"breaker": breaker.Stats(),
		})
	})

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

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
