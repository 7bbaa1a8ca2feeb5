// Package msgstore holds rendered message bodies that queued messages refer
// to by reference instead of carrying inline.
package msgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when no body exists for a reference.
	ErrNotFound = errors.New("msgstore: body not found")

	// ErrInvalidRef is returned for empty, absolute or escaping references.
	ErrInvalidRef = errors.New("msgstore: invalid body reference")

	// ErrMalformed is returned when a stored body document cannot be decoded.
	ErrMalformed = errors.New("msgstore: malformed body document")
)

// Store is a key/value blob store addressed by body reference.
type Store interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Body is the rendered content a reference points at.
type Body struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// Config holds configuration for creating a Store.
type Config struct {
	Type       string // local, s3
	Path       string
	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	S3Region   string
}

// New creates the Store selected by cfg.Type. An empty or unknown type
// falls back to local storage with a warning.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalFileStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		logger.Warn().
			Str("type", cfg.Type).
			Msg("unsupported or empty body store type, defaulting to local")
		return NewLocalFileStore(cfg.Path)
	}
}

// ValidateRef rejects references that are empty, absolute, or that would
// climb out of the store root once cleaned.
func ValidateRef(ref string) error {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.ContainsRune(ref, '\\') {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	clean := path.Clean(ref)
	if clean != ref || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

// PutBody stores b as a JSON document under ref.
func PutBody(ctx context.Context, s Store, ref string, b Body) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("msgstore: encode body: %w", err)
	}
	return s.Put(ctx, ref, data)
}

// GetBody loads the body under ref. A JSON object is decoded as Body; any
// other content is taken as a plain-text body.
func GetBody(ctx context.Context, s Store, ref string) (Body, error) {
	if err := ValidateRef(ref); err != nil {
		return Body{}, err
	}
	data, err := s.Get(ctx, ref)
	if err != nil {
		return Body{}, err
	}

	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		if trimmed == "" {
			return Body{}, fmt.Errorf("%w: %s is empty", ErrMalformed, ref)
		}
		return Body{Text: string(data)}, nil
	}

	var b Body
	if err := json.Unmarshal(data, &b); err != nil {
		return Body{}, fmt.Errorf("%w: %s: %v", ErrMalformed, ref, err)
	}
	if b.Text == "" && b.HTML == "" {
		return Body{}, fmt.Errorf("%w: %s has no text or html", ErrMalformed, ref)
	}
	return b, nil
}
