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
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/config"
	"github.com/kailas-cloud/promptmeter/internal/db/factory"
	"github.com/kailas-cloud/promptmeter/internal/domain"
	logpkg "github.com/kailas-cloud/promptmeter/internal/logger"
	"github.com/kailas-cloud/promptmeter/internal/metrics"
	"github.com/kailas-cloud/promptmeter/internal/repository/account"
	"github.com/kailas-cloud/promptmeter/internal/repository/guestusage"
	chiTransport "github.com/kailas-cloud/promptmeter/internal/transport/chi"
	openaiGen "github.com/kailas-cloud/promptmeter/internal/transport/openai"
	"github.com/kailas-cloud/promptmeter/internal/usecase/guest"
	healthuc "github.com/kailas-cloud/promptmeter/internal/usecase/health"
	"github.com/kailas-cloud/promptmeter/internal/usecase/ledger"
	promptuc "github.com/kailas-cloud/promptmeter/internal/usecase/prompt"
	"github.com/kailas-cloud/promptmeter/internal/version"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting promptmeter API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	ctx := context.Background()

	// Guest counter store
	store, err := factory.New(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to guest store")

	// Account store
	accounts, err := account.New(ctx, cfg.Accounts.URL)
	if err != nil {
		logger.Fatal("Failed to connect to account store", zap.Error(err))
	}
	defer accounts.Close()

	if cfg.Accounts.MigrateOnStart {
		if err := accounts.RunMigrations(ctx, logger); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}
	logger.Info("Connected to account store")

	// Register metering metrics explicitly (no init())
	metrics.RegisterMeteringMetrics()

	prices, err := cfg.Pricing.Table()
	if err != nil {
		logger.Fatal("Invalid pricing table", zap.Error(err))
	}

	generator := openaiGen.NewGenerator(&openaiGen.Config{
		APIKey:       cfg.Generator.APIKey,
		BaseURL:      cfg.Generator.BaseURL,
		DefaultModel: cfg.Generator.DefaultModel,
		MaxTokens:    cfg.Generator.MaxTokens,
		Timeout:      time.Duration(cfg.Generator.TimeoutSec) * time.Second,
		Logger:       logger,
	})
	logger.Info("Generator created",
		zap.String("base_url", cfg.Generator.BaseURL),
		zap.String("model", generator.DefaultModel()),
	)

	identity := domain.ContextIdentity{}
	guests := guestusage.New(store, cfg.Storage.KeyPrefix, cfg.GuestKeyTTL())

	sessions := promptuc.NewSessions(
		func(visitorID string) guest.Storage { return guests.Scoped(visitorID) },
		accounts, identity, cfg.GuestLimits(), logger,
	).
		WithPrices(prices).
		WithRetry(ledger.RetryPolicy{
			Attempts:       cfg.Ledger.RetryAttempts,
			InitialBackoff: time.Duration(cfg.Ledger.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Ledger.RetryMaxBackoff) * time.Millisecond,
			Multiplier:     2,
		})
	prompts := promptuc.New(generator, identity, generator.DefaultModel(), logger)
	healthSvc := healthuc.New(store, accounts, generator)

	server := chiTransport.NewServer(sessions, prompts, healthSvc, identity, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.UserAuthMiddleware(cfg.Auth.Tokens()))
	r.Use(metrics.Middleware())
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
	})
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.String("path", r.URL.Path),
						zap.Stack("stacktrace"),
					)
					writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.String("visitor_id", r.Header.Get("X-Visitor-ID")),
				zap.Bool("authorized", r.Header.Get("Authorization") != ""),
				zap.String("action_id", r.Header.Get("X-Action-ID")),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
