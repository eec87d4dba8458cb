package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"shortlinker/internal/cache"
	"shortlinker/internal/config"
	"shortlinker/internal/handler"
	"shortlinker/internal/migrations"
	"shortlinker/internal/repository"
	"shortlinker/internal/service"
	"shortlinker/internal/sweeper"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := db.Ping(); err != nil {
		logger.Error("database ping", "error", err)
		os.Exit(1)
	}

	if err := migrations.Up(cfg.DatabaseDSN, logger); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// The cache is advisory; the store path carries the service alone.
		logger.Warn("redis ping failed, running degraded", "error", err)
	} else {
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	repo := repository.NewRepo(db)
	idx := cache.New(rdb, cfg.CacheTTL)
	svc := service.New(repo, idx, logger, service.Options{
		BaseURL:     cfg.BaseURL,
		OwnedExpiry: time.Duration(cfg.OwnedExpiryDays) * 24 * time.Hour,
		AnonExpiry:  time.Duration(cfg.AnonExpiryDays) * 24 * time.Hour,
	})
	h := handler.NewHandler(svc, logger, cfg.FallbackURL)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sw := sweeper.New(repo, idx, logger, cfg.SweepInterval, nil)
	go sw.Run(sweepCtx)

	allowed := handlers.AllowedOrigins([]string{"*"})
	allowedHeaders := handlers.AllowedHeaders([]string{"Content-Type", "X-User-ID", "X-Request-ID"})
	allowedMethods := handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handlers.CORS(allowed, allowedHeaders, allowedMethods)(h.Routes()),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	// Drain in-flight visit recordings before the backends close.
	svc.Wait()

	_ = rdb.Close()
	_ = db.Close()
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
