package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Queue       QueueConfig       `mapstructure:"queue"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Suppression SuppressionConfig `mapstructure:"suppression"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Limiter     LimiterConfig     `mapstructure:"limiter"`
	Listener    ListenerConfig    `mapstructure:"listener"`
	Intake      IntakeConfig      `mapstructure:"intake"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	API         APIConfig         `mapstructure:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// QueueConfig selects the queue backend and its redelivery policy.
type QueueConfig struct {
	Type              string        `mapstructure:"type"` // memory, redis, sqs
	Name              string        `mapstructure:"name"`
	BatchSize         int           `mapstructure:"batch_size"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxReceiveCount   int           `mapstructure:"max_receive_count"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`

	SQSRegion      string `mapstructure:"sqs_region"`
	SQSEndpoint    string `mapstructure:"sqs_endpoint"`
	SQSQueueURL    string `mapstructure:"sqs_queue_url"`
	SQSDLQURL      string `mapstructure:"sqs_dlq_url"`
	SQSWaitSeconds int32  `mapstructure:"sqs_wait_seconds"`
}

// IdempotencyConfig configures the processed-message ledger.
type IdempotencyConfig struct {
	Type           string        `mapstructure:"type"` // memory, redis, dynamodb
	TTL            time.Duration `mapstructure:"ttl"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ClaimTimeout   time.Duration `mapstructure:"claim_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	DynamoTable    string        `mapstructure:"dynamo_table"`
	DynamoRegion   string        `mapstructure:"dynamo_region"`
	DynamoEndpoint string        `mapstructure:"dynamo_endpoint"`
}

// SuppressionConfig configures the recipient suppression list.
type SuppressionConfig struct {
	Type      string `mapstructure:"type"` // memory, redis, postgres
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ProviderConfig configures the downstream send provider.
type ProviderConfig struct {
	Type        string        `mapstructure:"type"` // stdout, ses, smtp
	From        string        `mapstructure:"from"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`

	SESRegion           string `mapstructure:"ses_region"`
	SESEndpoint         string `mapstructure:"ses_endpoint"`
	SESConfigurationSet string `mapstructure:"ses_configuration_set"`

	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
	SMTPHelo     string `mapstructure:"smtp_helo"`
}

// WorkerConfig tunes the batch consumer.
type WorkerConfig struct {
	Pollers          int           `mapstructure:"pollers"`
	Parallelism      int           `mapstructure:"parallelism"`
	ReportTimeout    time.Duration `mapstructure:"report_timeout"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	BodyFetchRetries int           `mapstructure:"body_fetch_retries"`
}

// LimiterConfig bounds concurrently executing batches.
type LimiterConfig struct {
	Type     string        `mapstructure:"type"` // local, redis
	Max      int           `mapstructure:"max"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	Retry    time.Duration `mapstructure:"retry"`
	Key      string        `mapstructure:"key"`
}

// ListenerConfig configures the outcome-event feed.
type ListenerConfig struct {
	SQSQueueURL    string        `mapstructure:"sqs_queue_url"`
	SQSRegion      string        `mapstructure:"sqs_region"`
	SQSEndpoint    string        `mapstructure:"sqs_endpoint"`
	SQSWaitSeconds int32         `mapstructure:"sqs_wait_seconds"`
	Format         string        `mapstructure:"format"` // ses, sendgrid, mailgun
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
}

// IntakeConfig holds the SMTP submission server configuration.
type IntakeConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	Domain               string        `mapstructure:"domain"`
	MaxConnections       int           `mapstructure:"max_connections"`
	MaxMessageBytes      int64         `mapstructure:"max_message_bytes"`
	MaxRecipients        int           `mapstructure:"max_recipients"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	AllowedSenderDomains []string      `mapstructure:"allowed_sender_domains"`
	Scope                string        `mapstructure:"scope"`
	StoreBodies          bool          `mapstructure:"store_bodies"`
	EnqueueTimeout       time.Duration `mapstructure:"enqueue_timeout"`
	TLSCertFile          string        `mapstructure:"tls_cert_file"`
	TLSKeyFile           string        `mapstructure:"tls_key_file"`
}

// StorageConfig holds message body storage configuration.
type StorageConfig struct {
	Type       string `mapstructure:"type"` // local, s3
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig holds the operational HTTP server configuration.
type APIConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Output    string `mapstructure:"output"` // stdout, file
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// Load reads configuration from the given config directory path.
// It looks for a file named "config.yaml" in that directory.
// Environment variables with prefix NOTIFY_RELAY_ override file values.
// For example, NOTIFY_RELAY_DATABASE_URL overrides database.url.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("NOTIFY_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.name", "notifications")
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("queue.max_receive_count", 5)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.sqs_wait_seconds", 20)

	v.SetDefault("idempotency.type", "memory")
	v.SetDefault("idempotency.ttl", 14*24*time.Hour)
	v.SetDefault("idempotency.stale_after", 2*time.Minute)
	v.SetDefault("idempotency.claim_timeout", 2*time.Second)
	v.SetDefault("idempotency.sweep_interval", time.Minute)
	v.SetDefault("idempotency.key_prefix", "idem")

	v.SetDefault("suppression.type", "memory")
	v.SetDefault("suppression.key_prefix", "suppress")

	v.SetDefault("provider.type", "stdout")
	v.SetDefault("provider.send_timeout", 10*time.Second)
	v.SetDefault("provider.smtp_port", 587)

	v.SetDefault("worker.pollers", 1)
	v.SetDefault("worker.parallelism", 10)
	v.SetDefault("worker.report_timeout", 5*time.Second)
	v.SetDefault("worker.receive_timeout", 30*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("worker.body_fetch_retries", 3)

	v.SetDefault("limiter.type", "local")
	v.SetDefault("limiter.max", 4)
	v.SetDefault("limiter.lease_ttl", 5*time.Minute)
	v.SetDefault("limiter.retry", 200*time.Millisecond)
	v.SetDefault("limiter.key", "batch-slots")

	v.SetDefault("listener.sqs_wait_seconds", 20)
	v.SetDefault("listener.format", "ses")
	v.SetDefault("listener.store_timeout", 5*time.Second)

	v.SetDefault("intake.host", "0.0.0.0")
	v.SetDefault("intake.port", 2525)
	v.SetDefault("intake.domain", "notify-relay")
	v.SetDefault("intake.max_connections", 100)
	v.SetDefault("intake.max_message_bytes", 10*1024*1024)
	v.SetDefault("intake.max_recipients", 100)
	v.SetDefault("intake.read_timeout", 60*time.Second)
	v.SetDefault("intake.write_timeout", 60*time.Second)
	v.SetDefault("intake.scope", "smtp")
	v.SetDefault("intake.enqueue_timeout", 10*time.Second)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.path", "/data/messages")
	v.SetDefault("storage.s3_region", "us-east-1")

	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 10)
	v.SetDefault("database.connect_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Type {
	case "memory", "redis", "sqs":
	default:
		errs = append(errs, fmt.Errorf("queue.type: unsupported %q", c.Queue.Type))
	}
	if c.Queue.Type == "sqs" && c.Queue.SQSQueueURL == "" {
		errs = append(errs, errors.New("queue.sqs_queue_url is required for sqs"))
	}
	if c.Queue.MaxReceiveCount < 1 {
		errs = append(errs, errors.New("queue.max_receive_count must be at least 1"))
	}
	if c.Queue.BatchSize < 1 {
		errs = append(errs, errors.New("queue.batch_size must be at least 1"))
	}

	switch c.Idempotency.Type {
	case "memory", "redis", "dynamodb":
	default:
		errs = append(errs, fmt.Errorf("idempotency.type: unsupported %q", c.Idempotency.Type))
	}
	if c.Idempotency.Type == "dynamodb" && c.Idempotency.DynamoTable == "" {
		errs = append(errs, errors.New("idempotency.dynamo_table is required for dynamodb"))
	}
	if c.Idempotency.StaleAfter <= 0 {
		errs = append(errs, errors.New("idempotency.stale_after must be positive"))
	}
	if c.Idempotency.StaleAfter >= c.Queue.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("idempotency.stale_after (%s) must be shorter than queue.visibility_timeout (%s)",
			c.Idempotency.StaleAfter, c.Queue.VisibilityTimeout))
	}

	// A claim must outlive the send it guards, or a redelivery can take it
	// over while the first send is still in flight.
	if budget := c.Idempotency.ClaimTimeout + c.Provider.SendTimeout; budget >= c.Idempotency.StaleAfter {
		errs = append(errs, fmt.Errorf("idempotency.claim_timeout + provider.send_timeout (%s) must be shorter than idempotency.stale_after (%s)",
			budget, c.Idempotency.StaleAfter))
	}

	switch c.Suppression.Type {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("suppression.type: unsupported %q", c.Suppression.Type))
	}

	switch c.Provider.Type {
	case "stdout", "ses", "smtp":
	default:
		errs = append(errs, fmt.Errorf("provider.type: unsupported %q", c.Provider.Type))
	}
	if c.Provider.Type == "smtp" && c.Provider.SMTPHost == "" {
		errs = append(errs, errors.New("provider.smtp_host is required for smtp"))
	}
	if c.Provider.SendTimeout <= 0 {
		errs = append(errs, errors.New("provider.send_timeout must be positive"))
	}

	switch c.Limiter.Type {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("limiter.type: unsupported %q", c.Limiter.Type))
	}
	if c.Limiter.Max < 1 {
		errs = append(errs, errors.New("limiter.max must be at least 1"))
	}

	switch c.Listener.Format {
	case "ses", "sendgrid", "mailgun":
	default:
		errs = append(errs, fmt.Errorf("listener.format: unsupported %q", c.Listener.Format))
	}

	if (c.Intake.TLSCertFile == "") != (c.Intake.TLSKeyFile == "") {
		errs = append(errs, errors.New("intake.tls_cert_file and intake.tls_key_file must be set together"))
	}

	return errors.Join(errs...)
}
