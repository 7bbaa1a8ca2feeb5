// Package main provides a CLI for producers and operators to enqueue
// notifications. Message IDs are derived from an application event key, so
// running the same command twice enqueues the same send intent twice and the
// delivery workers send it once.
//
// Usage:
//
//	enqueue-client --event-key order-1042-shipped --to user@example.com --subject "Shipped" --text "On its way"
//	enqueue-client --event-key digest-2026-w11 --to a@example.com --to b@example.com --html-file digest.html --store-body
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/config"
	"github.com/sungwon/notify-relay/internal/logger"
	"github.com/sungwon/notify-relay/internal/msgstore"
	"github.com/sungwon/notify-relay/internal/queue"
)

type options struct {
	configDir string
	scope     string
	eventKey  string
	id        string
	to        stringSlice
	from      string
	subject   string
	text      string
	html      string
	htmlFile  string
	meta      stringSlice
	storeBody bool
	dryRun    bool
}

// stringSlice implements flag.Value for repeatable flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	opts := parseFlags()

	if opts.htmlFile != "" {
		data, err := os.ReadFile(opts.htmlFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read html file: %v\n", err)
			os.Exit(1)
		}
		opts.html = string(data)
	}

	msgs, err := buildMessages(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	if opts.dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, m := range msgs {
			enc.Encode(m)
		}
		return
	}

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, cfg, opts, msgs, log); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configDir, "config", "config", "directory containing config.yaml")
	flag.StringVar(&o.scope, "scope", "cli", "namespace for deterministic message IDs")
	flag.StringVar(&o.eventKey, "event-key", "", "application event key the message IDs are derived from")
	flag.StringVar(&o.id, "id", "", "explicit message ID (single recipient only)")
	flag.Var(&o.to, "to", "recipient address (repeatable)")
	flag.StringVar(&o.from, "from", "", "sender address (defaults to provider.from)")
	flag.StringVar(&o.subject, "subject", "", "message subject")
	flag.StringVar(&o.text, "text", "", "plain-text body")
	flag.StringVar(&o.html, "html", "", "HTML body")
	flag.StringVar(&o.htmlFile, "html-file", "", "read the HTML body from a file")
	flag.Var(&o.meta, "meta", "metadata key=value (repeatable)")
	flag.BoolVar(&o.storeBody, "store-body", false, "upload the body to the body store and enqueue a reference")
	flag.BoolVar(&o.dryRun, "dry-run", false, "print the messages instead of enqueueing them")
	flag.Parse()
	return o
}

// buildMessages creates one message per recipient. Each ID is derived from
// scope, event key and recipient unless an explicit ID is given.
func buildMessages(o options) ([]*queue.Message, error) {
	if len(o.to) == 0 {
		return nil, errors.New("at least one --to is required")
	}
	if o.eventKey == "" && o.id == "" {
		return nil, errors.New("--event-key or --id is required")
	}
	if o.id != "" && len(o.to) > 1 {
		return nil, errors.New("--id can only be used with a single --to")
	}
	if o.text == "" && o.html == "" {
		return nil, errors.New("--text, --html or --html-file is required")
	}

	meta, err := parseMetadata(o.meta)
	if err != nil {
		return nil, err
	}

	msgs := make([]*queue.Message, 0, len(o.to))
	for _, to := range o.to {
		id := o.id
		if id == "" {
			id = queue.DeterministicID(o.scope, o.eventKey+"/"+strings.ToLower(strings.TrimSpace(to)))
		}
		payload := queue.Payload{
			Recipient: to,
			From:      o.from,
			Subject:   o.subject,
			Metadata:  meta,
		}
		if o.storeBody {
			payload.BodyRef = bodyRef(o.scope, id)
		} else {
			payload.TextBody = o.text
			payload.HTMLBody = o.html
		}

		msg := queue.NewMessage(id, payload)
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("recipient %q: %w", to, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func bodyRef(scope, id string) string {
	return scope + "/" + id + ".json"
}

// run uploads bodies when requested and enqueues every message.
func run(ctx context.Context, cfg *config.Config, o options, msgs []*queue.Message, log zerolog.Logger) error {
	if cfg.Queue.Type == "memory" {
		return errors.New("queue.type memory is process-local; configure redis or sqs to enqueue from the CLI")
	}

	var bodies msgstore.Store
	if o.storeBody {
		s, err := msgstore.New(ctx, msgstore.Config{
			Type:       cfg.Storage.Type,
			Path:       cfg.Storage.Path,
			S3Bucket:   cfg.Storage.S3Bucket,
			S3Prefix:   cfg.Storage.S3Prefix,
			S3Region:   cfg.Storage.S3Region,
			S3Endpoint: cfg.Storage.S3Endpoint,
		}, log)
		if err != nil {
			return fmt.Errorf("create body store: %w", err)
		}
		bodies = s
	}

	rdb := redisClient(ctx, cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	broker, err := queue.New(ctx, queue.Config{
		Type:           cfg.Queue.Type,
		Name:           cfg.Queue.Name,
		SQSRegion:      cfg.Queue.SQSRegion,
		SQSEndpoint:    cfg.Queue.SQSEndpoint,
		SQSQueueURL:    cfg.Queue.SQSQueueURL,
		SQSDLQURL:      cfg.Queue.SQSDLQURL,
		SQSWaitSeconds: cfg.Queue.SQSWaitSeconds,
	}, rdb, log)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	return enqueueAll(ctx, broker, bodies, o, msgs)
}

func enqueueAll(ctx context.Context, q queue.Enqueuer, bodies msgstore.Store, o options, msgs []*queue.Message) error {
	for _, m := range msgs {
		if m.Payload.BodyRef != "" {
			if bodies == nil {
				return errors.New("body reference set without a body store")
			}
			if err := msgstore.PutBody(ctx, bodies, m.Payload.BodyRef, msgstore.Body{Text: o.text, HTML: o.html}); err != nil {
				return fmt.Errorf("store body for %s: %w", m.ID, err)
			}
		}
		if err := q.Enqueue(ctx, m); err != nil {
			return fmt.Errorf("enqueue %s: %w", m.ID, err)
		}
		fmt.Printf("enqueued %s -> %s\n", m.ID, logger.MaskAddress(m.Payload.Recipient))
	}
	return nil
}

// redisClient returns a client when the queue lives in Redis or keeps its
// failure history there, and nil otherwise.
func redisClient(ctx context.Context, cfg *config.Config) *redis.Client {
	if cfg.Queue.Type != "redis" && cfg.Queue.Type != "sqs" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if cfg.Queue.Type == "sqs" && rdb.Ping(ctx).Err() != nil {
		rdb.Close()
		return nil
	}
	return rdb
}
