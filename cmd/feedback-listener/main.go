package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sungwon/notify-relay/internal/api"
	"github.com/sungwon/notify-relay/internal/config"
	"github.com/sungwon/notify-relay/internal/feedback"
	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/metrics"
	"github.com/sungwon/notify-relay/internal/sqsclient"
	"github.com/sungwon/notify-relay/internal/storage"
	"github.com/sungwon/notify-relay/internal/suppression"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(logger.Config{
		Level:     cfg.Logging.Level,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	log.Info().Msg("starting feedback listener")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	checks := map[string]api.ReadyCheck{}

	var rdb *redis.Client
	if cfg.Suppression.Type == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var db *storage.DB
	if cfg.Suppression.Type == "postgres" {
		db, err = storage.NewDB(ctx, storage.Config{
			URL:            cfg.Database.URL,
			MinConns:       cfg.Database.PoolMin,
			MaxConns:       cfg.Database.PoolMax,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if _, err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
		checks["database"] = db.Ping
	}

	store, err := suppression.New(suppression.Config{
		Type:      cfg.Suppression.Type,
		KeyPrefix: cfg.Suppression.KeyPrefix,
	}, rdb, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create suppression store")
	}
	if cfg.Suppression.Type == "memory" {
		log.Warn().Msg("memory suppression store is not shared with delivery workers")
	}

	collector := metrics.NewCollector(15*time.Second, log)
	collector.Track("suppression_entries", metrics.SamplerFunc(func(ctx context.Context) (float64, error) {
		n, err := store.Count(ctx)
		return float64(n), err
	}), metrics.SuppressionEntries)
	go collector.Run(ctx)

	listener := feedback.NewListener(store, cfg.Listener.StoreTimeout, log)

	// The SQS feed is optional; webhooks are always served.
	var subscriber *feedback.Subscriber
	if cfg.Listener.SQSQueueURL != "" {
		client, err := sqsclient.New(ctx, cfg.Listener.SQSRegion, cfg.Listener.SQSEndpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create SQS client")
		}
		subscriber = feedback.NewSubscriber(client, feedback.SubscriberConfig{
			QueueURL:    cfg.Listener.SQSQueueURL,
			Format:      cfg.Listener.Format,
			WaitSeconds: cfg.Listener.SQSWaitSeconds,
		}, listener, log)
		subscriber.Start(ctx)
	}

	router := api.NewRouter(api.Deps{Checks: checks, Listener: listener}, log)
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("webhook server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down feedback listener")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if subscriber != nil {
		subscriber.Stop()
	}
	stop()

	log.Info().Msg("feedback listener stopped")
}
