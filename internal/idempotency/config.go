package idempotency

import "time"

// Config selects and configures a Store backend.
type Config struct {
	Type          string        // memory, redis, dynamodb
	TTL           time.Duration
	SweepInterval time.Duration // memory only
	KeyPrefix     string        // redis only

	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "relay:idem"
	}
	return c
}
