package provider

import (
	"context"
	"fmt"
)

// New creates the provider selected by cfg.Type, wrapped with metrics.
func New(ctx context.Context, cfg Config) (Provider, error) {
	var p Provider
	switch cfg.Type {
	case "stdout", "":
		p = NewStdout()
	case "ses":
		client, err := NewSESClient(ctx, cfg.SESRegion, cfg.SESEndpoint)
		if err != nil {
			return nil, err
		}
		p = NewSES(client, cfg)
	case "smtp":
		s, err := NewSMTP(cfg)
		if err != nil {
			return nil, err
		}
		p = s
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
	return Instrument(p), nil
}
