package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/api"
	"github.com/sungwon/notify-relay/internal/config"
	"github.com/sungwon/notify-relay/internal/feedback"
	"github.com/sungwon/notify-relay/internal/idempotency"
	"github.com/sungwon/notify-relay/internal/limiter"
	"github.com/sungwon/notify-relay/internal/metrics"
	"github.com/sungwon/notify-relay/internal/msgstore"
	"github.com/sungwon/notify-relay/internal/provider"
	"github.com/sungwon/notify-relay/internal/queue"
	"github.com/sungwon/notify-relay/internal/storage"
	"github.com/sungwon/notify-relay/internal/suppression"
	"github.com/sungwon/notify-relay/internal/worker"
)

// deployment is a fully wired delivery worker.
type deployment struct {
	broker       queue.Broker
	claims       idempotency.Store
	suppressions suppression.Store
	sender       provider.Provider
	runner       *worker.Runner
	collector    *metrics.Collector
	router       http.Handler

	// singleProcess is set when the queue or suppression list lives in this
	// process, so producers and provider webhooks must come through its API.
	singleProcess bool

	closers []func()
}

// Close releases connections and background checkers in reverse order.
func (d *deployment) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// wire builds every component the worker needs from cfg. Background sweeps
// started here stop when ctx is cancelled.
func wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *deployment, err error) {
	d := &deployment{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	checks := map[string]api.ReadyCheck{}
	d.collector = metrics.NewCollector(15*time.Second, log)

	var rdb *redis.Client
	if usesRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var db *storage.DB
	if cfg.Suppression.Type == "postgres" {
		db, err = openDatabase(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, db.Close)
		checks["database"] = db.Ping
		d.collector.Track("db_connections_active", metrics.SamplerFunc(func(context.Context) (float64, error) {
			active, _ := db.ConnCounts()
			return float64(active), nil
		}), metrics.DBConnectionsActive)
		d.collector.Track("db_connections_idle", metrics.SamplerFunc(func(context.Context) (float64, error) {
			_, idle := db.ConnCounts()
			return float64(idle), nil
		}), metrics.DBConnectionsIdle)
	}

	d.broker, err = queue.New(ctx, queue.Config{
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
		return nil, fmt.Errorf("create queue: %w", err)
	}
	d.collector.Track("dlq_depth", metrics.SamplerFunc(func(ctx context.Context) (float64, error) {
		n, err := d.broker.Depth(ctx)
		return float64(n), err
	}), metrics.DLQDepth)

	d.claims, err = idempotency.New(ctx, idempotency.Config{
		Type:           cfg.Idempotency.Type,
		TTL:            cfg.Idempotency.TTL,
		SweepInterval:  cfg.Idempotency.SweepInterval,
		KeyPrefix:      cfg.Idempotency.KeyPrefix,
		DynamoTable:    cfg.Idempotency.DynamoTable,
		DynamoRegion:   cfg.Idempotency.DynamoRegion,
		DynamoEndpoint: cfg.Idempotency.DynamoEndpoint,
	}, rdb)
	if err != nil {
		return nil, fmt.Errorf("create idempotency store: %w", err)
	}
	if sizer, ok := d.claims.(idempotency.Sizer); ok {
		d.collector.Track("idempotency_records", metrics.SamplerFunc(func(ctx context.Context) (float64, error) {
			n, err := sizer.Size(ctx)
			return float64(n), err
		}), metrics.IdempotencyRecords)
	}

	d.suppressions, err = suppression.New(suppression.Config{
		Type:      cfg.Suppression.Type,
		KeyPrefix: cfg.Suppression.KeyPrefix,
	}, rdb, db)
	if err != nil {
		return nil, fmt.Errorf("create suppression store: %w", err)
	}
	d.collector.Track("suppression_entries", metrics.SamplerFunc(func(ctx context.Context) (float64, error) {
		n, err := d.suppressions.Count(ctx)
		return float64(n), err
	}), metrics.SuppressionEntries)

	bodies, err := msgstore.New(ctx, msgstore.Config{
		Type:       cfg.Storage.Type,
		Path:       cfg.Storage.Path,
		S3Bucket:   cfg.Storage.S3Bucket,
		S3Prefix:   cfg.Storage.S3Prefix,
		S3Region:   cfg.Storage.S3Region,
		S3Endpoint: cfg.Storage.S3Endpoint,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create body store: %w", err)
	}

	d.sender, err = provider.New(ctx, provider.Config{
		Type:                cfg.Provider.Type,
		From:                cfg.Provider.From,
		SESRegion:           cfg.Provider.SESRegion,
		SESEndpoint:         cfg.Provider.SESEndpoint,
		SESConfigurationSet: cfg.Provider.SESConfigurationSet,
		SMTPHost:            cfg.Provider.SMTPHost,
		SMTPPort:            cfg.Provider.SMTPPort,
		SMTPUsername:        cfg.Provider.SMTPUsername,
		SMTPPassword:        cfg.Provider.SMTPPassword,
		SMTPHelo:            cfg.Provider.SMTPHelo,
	})
	if err != nil {
		return nil, fmt.Errorf("create send provider: %w", err)
	}
	health := provider.NewHealthChecker(d.sender)
	health.Start()
	d.closers = append(d.closers, health.Stop)
	checks["provider"] = health.Ready

	lim, err := limiter.New(limiter.Config{
		Type:     cfg.Limiter.Type,
		Max:      cfg.Limiter.Max,
		LeaseTTL: cfg.Limiter.LeaseTTL,
		Retry:    cfg.Limiter.Retry,
		Key:      cfg.Limiter.Key,
	}, rdb, log)
	if err != nil {
		return nil, fmt.Errorf("create concurrency limiter: %w", err)
	}

	processor := worker.NewProcessor(d.claims, d.suppressions, bodies, d.sender, queue.NewRetryStrategy(), worker.Config{
		StaleAfter:       cfg.Idempotency.StaleAfter,
		ClaimTimeout:     cfg.Idempotency.ClaimTimeout,
		SendTimeout:      cfg.Provider.SendTimeout,
		Parallelism:      cfg.Worker.Parallelism,
		BodyFetchRetries: cfg.Worker.BodyFetchRetries,
	}, log)

	d.runner = worker.NewRunner(d.broker, processor, lim, worker.RunnerConfig{
		Pollers:         cfg.Worker.Pollers,
		BatchSize:       cfg.Queue.BatchSize,
		PollInterval:    cfg.Queue.PollInterval,
		ReceiveTimeout:  cfg.Worker.ReceiveTimeout,
		ReportTimeout:   cfg.Worker.ReportTimeout,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	}, log)

	deps := api.Deps{Checks: checks, DLQ: d.broker}
	// An in-process queue or suppression list is unreachable from the
	// standalone producers and the feedback listener, so this process serves
	// their endpoints itself.
	if cfg.Queue.Type == "memory" {
		deps.Enqueuer = d.broker
		d.singleProcess = true
	}
	if cfg.Suppression.Type == "memory" {
		deps.Listener = feedback.NewListener(d.suppressions, cfg.Listener.StoreTimeout, log)
		d.singleProcess = true
	}
	d.router = api.NewRouter(deps, log)

	if d.singleProcess {
		log.Warn().
			Str("queue", cfg.Queue.Type).
			Str("suppression", cfg.Suppression.Type).
			Bool("enqueue_api", deps.Enqueuer != nil).
			Bool("webhooks", deps.Listener != nil).
			Msg("in-memory backends selected; running in single-process mode")
	}

	return d, nil
}

// usesRedis reports whether any configured backend needs the Redis client.
// An SQS queue keeps its failure history there.
func usesRedis(cfg *config.Config) bool {
	return cfg.Queue.Type == "redis" || cfg.Queue.Type == "sqs" ||
		cfg.Idempotency.Type == "redis" ||
		cfg.Suppression.Type == "redis" ||
		cfg.Limiter.Type == "redis"
}

func openDatabase(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*storage.DB, error) {
	db, err := storage.NewDB(ctx, storage.Config{
		URL:            cfg.Database.URL,
		MinConns:       cfg.Database.PoolMin,
		MaxConns:       cfg.Database.PoolMax,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	applied, err := db.Migrate(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Strs("applied", applied).Msg("database connection established")
	return db, nil
}
