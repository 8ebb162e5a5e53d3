package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"forgeline/internal/ai"
	"forgeline/internal/billing"
	"forgeline/internal/cache"
	"forgeline/internal/config"
	"forgeline/internal/export"
	"forgeline/internal/logging"
	"forgeline/internal/notify"
	"forgeline/internal/pipeline"
	"forgeline/internal/server"
	"forgeline/internal/store"
)

func main() {
	// .env is optional; the system environment alone is fine
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration", zap.Error(err))
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, prompt cache degrades to memory", zap.Error(err))
			redisClient = nil
		}
		cancel()
	}

	var reporter billing.Reporter
	if cfg.StripeKey != "" {
		reporter = billing.NewStripeReporter(cfg.StripeKey, st.StripeCustomerFor)
	}
	biller, err := billing.NewService(st.DB(), reporter)
	if err != nil {
		log.Fatal("billing service", zap.Error(err))
	}

	var exporter pipeline.Exporter
	if cfg.SnapshotBucket != "" {
		exporter, err = export.NewS3Snapshotter(context.Background(), cfg.SnapshotBucket, cfg.AWSRegion)
		if err != nil {
			log.Fatal("snapshot exporter", zap.Error(err))
		}
	}

	var notifier pipeline.Notifier
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL)
	}

	prompts := cache.NewPromptCache(redisClient, pipeline.StaticPrompts{}.System)

	orch := pipeline.New(pipeline.Options{
		Gateway:     ai.NewRouter(),
		Providers:   cfg.Providers,
		StepTimeout: cfg.StepTimeout,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		Prompts:     prompts,
		Biller:      biller,
		Backends:    st,
		Notifier:    notifier,
		Exporter:    exporter,
		Audits:      st,
	})

	api := server.New(orch, st)
	defer api.Shutdown()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("port", cfg.Port), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("forced shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}
