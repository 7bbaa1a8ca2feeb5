package queue

import "time"

// Config holds configuration for the queue backends.
type Config struct {
	// Type selects the backend: "memory" (default), "redis" or "sqs".
	Type              string
	Name              string
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	HistoryTTL        time.Duration

	SQSRegion      string
	SQSEndpoint    string
	SQSQueueURL    string
	SQSDLQURL      string
	SQSWaitSeconds int32 // long poll seconds, default 20
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type:              "memory",
		Name:              "notifications",
		VisibilityTimeout: 5 * time.Minute,
		MaxReceiveCount:   5,
		HistoryTTL:        14 * 24 * time.Hour,
		SQSWaitSeconds:    20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.MaxReceiveCount <= 0 {
		c.MaxReceiveCount = d.MaxReceiveCount
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = d.HistoryTTL
	}
	if c.SQSWaitSeconds == 0 {
		c.SQSWaitSeconds = d.SQSWaitSeconds
	}
	return c
}
