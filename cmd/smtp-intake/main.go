package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/redis/go-redis/v9"

	"github.com/sungwon/notify-relay/internal/api"
	"github.com/sungwon/notify-relay/internal/config"
	"github.com/sungwon/notify-relay/internal/intake"
	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/msgstore"
	"github.com/sungwon/notify-relay/internal/queue"
)

func main() {
	// Load configuration from the "config" directory.
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
	log.Info().Msg("starting SMTP intake")

	if cfg.Queue.Type == "memory" {
		log.Fatal().Msg("smtp intake needs a shared queue; set queue.type to redis or sqs")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	checks := map[string]api.ReadyCheck{}

	var rdb *redis.Client
	if cfg.Queue.Type == "redis" {
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

	broker, err := queue.New(ctx, queue.Config{
		Type:              cfg.Queue.Type,
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
		SQSRegion:         cfg.Queue.SQSRegion,
		SQSEndpoint:       cfg.Queue.SQSEndpoint,
		SQSQueueURL:       cfg.Queue.SQSQueueURL,
		SQSDLQURL:         cfg.Queue.SQSDLQURL,
		SQSWaitSeconds:    cfg.Queue.SQSWaitSeconds,
	}, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create queue")
	}

	var bodies msgstore.Store
	if cfg.Intake.StoreBodies {
		bodies, err = msgstore.New(ctx, msgstore.Config{
			Type:       cfg.Storage.Type,
			Path:       cfg.Storage.Path,
			S3Bucket:   cfg.Storage.S3Bucket,
			S3Prefix:   cfg.Storage.S3Prefix,
			S3Endpoint: cfg.Storage.S3Endpoint,
			S3Region:   cfg.Storage.S3Region,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create body store")
		}
	}

	backend := intake.NewBackend(broker, bodies, intake.Config{
		MaxConnections:       cfg.Intake.MaxConnections,
		MaxRecipients:        cfg.Intake.MaxRecipients,
		AllowedSenderDomains: cfg.Intake.AllowedSenderDomains,
		Scope:                cfg.Intake.Scope,
		StoreBodies:          cfg.Intake.StoreBodies,
		EnqueueTimeout:       cfg.Intake.EnqueueTimeout,
	}, log)

	s := gosmtp.NewServer(backend)
	s.Addr = fmt.Sprintf("%s:%d", cfg.Intake.Host, cfg.Intake.Port)
	s.Domain = cfg.Intake.Domain
	s.ReadTimeout = cfg.Intake.ReadTimeout
	s.WriteTimeout = cfg.Intake.WriteTimeout
	s.MaxMessageBytes = cfg.Intake.MaxMessageBytes
	s.MaxRecipients = cfg.Intake.MaxRecipients

	// Configure TLS if certificates are provided.
	if cfg.Intake.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Intake.TLSCertFile, cfg.Intake.TLSKeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load TLS certificate")
		}
		s.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		s.EnableSMTPUTF8 = true
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", s.Addr).Msg("failed to listen")
	}

	go func() {
		log.Info().Str("addr", s.Addr).Msg("SMTP intake listening")
		if err := s.Serve(ln); err != nil {
			log.Error().Err(err).Msg("SMTP server error")
		}
	}()

	router := api.NewRouter(api.Deps{Checks: checks}, log)
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down SMTP intake")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// In-flight DATA commands finish before their sessions close.
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Int64("active_sessions", backend.ActiveSessions()).Msg("SMTP server shutdown error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	stop()

	log.Info().Msg("SMTP intake stopped")
}
