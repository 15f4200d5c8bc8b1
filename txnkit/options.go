package txnkit

import (
	"log/slog"
	"time"
)

// Option is a functional option for configuring a Coordinator via NewCoordinator.
type Option func(*CoordinatorBuilder) error

// NewCoordinator constructs a Coordinator using functional options on top of
// the builder. The builder remains available for advanced use; this is the
// concise, discoverable API.
func NewCoordinator(opts ...Option) (*Coordinator, error) {
	b := NewCoordinatorBuilder()

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	return b.Build()
}

// WithDurableLog attaches a persistence backend.
func WithDurableLog(log DurableLog) Option {
	return func(b *CoordinatorBuilder) error {
		b.WithDurableLog(log)
		return nil
	}
}

// WithRecovery replays the durable log into the store at construction time.
func WithRecovery() Option {
	return func(b *CoordinatorBuilder) error {
		b.WithRecovery()
		return nil
	}
}

// WithRetryConfig sets backoff behavior for RunWithRetry.
func WithRetryConfig(config *RetryConfig) Option {
	return func(b *CoordinatorBuilder) error {
		b.WithRetryConfig(config)
		return nil
	}
}

// WithGCInterval sets the auto-GC period.
func WithGCInterval(interval time.Duration) Option {
	return func(b *CoordinatorBuilder) error {
		b.WithGCInterval(interval)
		return nil
	}
}

// WithDefaultIsolation sets the default isolation level.
func WithDefaultIsolation(level IsolationLevel) Option {
	return func(b *CoordinatorBuilder) error {
		b.WithDefaultIsolation(level)
		return nil
	}
}

// WithMetricsCollector sets the metrics sink.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(b *CoordinatorBuilder) error {
		b.WithMetricsCollector(collector)
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *CoordinatorBuilder) error {
		b.WithLogger(logger)
		return nil
	}
}

// WithConfig applies a loaded Config to the builder.
func WithConfig(cfg *Config) Option {
	return func(b *CoordinatorBuilder) error {
		return cfg.apply(b)
	}
}
