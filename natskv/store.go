// Package natskv adapts a NATS JetStream key-value bucket to the cache's
// persistent tier. JetStream KV is the durable store the rest of the system
// already runs on, so the cache survives restarts without a second storage
// dependency.
package natskv

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/pkg/retry"
)

const (
	// DefaultBucket is the KV bucket backing the tiered cache.
	DefaultBucket = "buzzvar-cache"

	// DefaultMaxValueSize rejects oversized entries before they hit the
	// server's payload limit.
	DefaultMaxValueSize = 1024 * 1024

	// DefaultTimeout bounds each KV operation.
	DefaultTimeout = 5 * time.Second
)

// bucket is the slice of jetstream.KeyValue this store uses. Narrowed so
// tests can fake it without a running server.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Purge(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// Config controls bucket provisioning and per-operation behavior.
type Config struct {
	Bucket       string        `yaml:"bucket"`
	MaxValueSize int           `yaml:"max_value_size"`
	Timeout      time.Duration `yaml:"timeout"`
	TTL          time.Duration `yaml:"ttl"` // server-side expiry backstop, 0 disables
}

// DefaultConfig returns the bucket settings used in production.
func DefaultConfig() Config {
	return Config{
		Bucket:       DefaultBucket,
		MaxValueSize: DefaultMaxValueSize,
		Timeout:      DefaultTimeout,
	}
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natskv", "Validate", "bucket name required")
	}
	return nil
}

// Store implements cache.PersistentStore over a JetStream KV bucket.
type Store struct {
	bucket bucket
	config Config
	logger *slog.Logger
}

// New provisions (or binds to) the configured KV bucket and returns a store
// over it.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The bucket is a startup-critical resource; outlast broker restarts
	// and leader elections before giving up.
	var kv jetstream.KeyValue
	err := retry.Do(ctx, retry.Persistent(), func() error {
		var provisionErr error
		kv, provisionErr = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "buzzvar tiered cache persistent tier",
			Storage:     jetstream.FileStorage,
			TTL:         cfg.TTL,
		})
		return provisionErr
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "New", "bucket provisioning")
	}

	return NewWithBucket(kv, cfg, logger), nil
}

// NewWithBucket wraps an already-bound bucket. Used by New and by tests.
func NewWithBucket(kv bucket, cfg Config, logger *slog.Logger) *Store {
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = DefaultMaxValueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{bucket: kv, config: cfg, logger: logger}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.Timeout)
}

// GetItem reads one entry. A missing key is (nil, false, nil), not an error.
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, err := s.bucket.Get(ctx, encodeKey(key))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, errors.WrapTransient(err, "natskv", "GetItem", fmt.Sprintf("read %s", key))
	}
	return entry.Value(), true, nil
}

// SetItem writes one entry, last writer wins.
func (s *Store) SetItem(ctx context.Context, key string, value []byte) error {
	if len(value) > s.config.MaxValueSize {
		return errors.WrapInvalid(errors.ErrValueTooLarge, "natskv", "SetItem",
			fmt.Sprintf("value of %d bytes exceeds %d byte limit", len(value), s.config.MaxValueSize))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Writes ride out brief broker hiccups; the op timeout still bounds
	// the whole attempt sequence.
	err := retry.Do(ctx, retry.Quick(), func() error {
		_, putErr := s.bucket.Put(ctx, encodeKey(key), value)
		return putErr
	})
	if err != nil {
		return errors.WrapTransient(err, "natskv", "SetItem", fmt.Sprintf("write %s", key))
	}
	return nil
}

// RemoveItem purges a key. Purge rather than Delete so no tombstone history
// accumulates for churn-heavy cache keys. Missing keys are not an error.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.bucket.Purge(ctx, encodeKey(key)); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "natskv", "RemoveItem", fmt.Sprintf("purge %s", key))
	}
	return nil
}

// ListKeys returns every key in the bucket, decoded back to cache form.
func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	lister, err := s.bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "natskv", "ListKeys", "list bucket keys")
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, decodeKey(key))
	}
	return keys, nil
}

// RemoveMany purges a batch of keys, continuing past individual failures
// and returning them joined.
func (s *Store) RemoveMany(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := s.RemoveItem(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("partial failure removing cache keys",
			"requested", len(keys), "failed", len(errs))
		return stderrors.Join(errs...)
	}
	return nil
}

// JetStream KV keys cannot contain ':' but the cache namespace prefix does.
// The cache's own key alphabet is letters, digits and '_', so mapping ':'
// to '.' is collision-free and reversible.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func decodeKey(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}
