package txnkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CoordinatorBuilder provides a fluent interface for constructing Coordinator instances.
type CoordinatorBuilder struct {
	durableLog DurableLog
	recover    bool
	options    *CoordinatorOptions
}

// NewCoordinatorBuilder creates a new builder with default options.
func NewCoordinatorBuilder() *CoordinatorBuilder {
	return &CoordinatorBuilder{
		options: &CoordinatorOptions{
			DefaultIsolation: RepeatableRead,
			GCInterval:       0, // auto GC disabled by default
		},
	}
}

// WithDurableLog attaches a persistence backend to the store.
func (b *CoordinatorBuilder) WithDurableLog(log DurableLog) *CoordinatorBuilder {
	b.durableLog = log
	return b
}

// WithRecovery replays the durable log into the store at Build time.
func (b *CoordinatorBuilder) WithRecovery() *CoordinatorBuilder {
	b.recover = true
	return b
}

// WithRetryConfig sets the backoff configuration for RunWithRetry.
func (b *CoordinatorBuilder) WithRetryConfig(config *RetryConfig) *CoordinatorBuilder {
	b.options.RetryConfig = config
	return b
}

// WithGCInterval sets the period of the auto-GC loop.
func (b *CoordinatorBuilder) WithGCInterval(interval time.Duration) *CoordinatorBuilder {
	b.options.GCInterval = interval
	return b
}

// WithDefaultIsolation sets the isolation level used by config-driven callers.
func (b *CoordinatorBuilder) WithDefaultIsolation(level IsolationLevel) *CoordinatorBuilder {
	b.options.DefaultIsolation = level
	return b
}

// WithMetricsCollector sets the metrics sink.
func (b *CoordinatorBuilder) WithMetricsCollector(collector MetricsCollector) *CoordinatorBuilder {
	b.options.MetricsCollector = collector
	return b
}

// WithLogger sets the structured logger.
func (b *CoordinatorBuilder) WithLogger(logger *slog.Logger) *CoordinatorBuilder {
	b.options.Logger = logger
	return b
}

// Build creates a new Coordinator instance with the configured options.
func (b *CoordinatorBuilder) Build() (*Coordinator, error) {
	if b.options.MetricsCollector == nil {
		b.options.MetricsCollector = &NoOpMetricsCollector{}
	}
	if b.options.Logger == nil {
		b.options.Logger = slog.Default()
	}
	if l := b.options.DefaultIsolation; l < ReadCommitted || l > Serializable {
		return nil, fmt.Errorf("invalid default isolation level %d", int(l))
	}
	if rc := b.options.RetryConfig; rc != nil {
		if rc.InitialDelay <= 0 || rc.MaxDelay < rc.InitialDelay || rc.Multiplier < 1 {
			return nil, fmt.Errorf("invalid retry config: initial=%v max=%v multiplier=%v",
				rc.InitialDelay, rc.MaxDelay, rc.Multiplier)
		}
	}
	if b.recover && b.durableLog == nil {
		return nil, fmt.Errorf("recovery requested without a durable log")
	}

	store := NewVersionedStore(b.options.Logger)
	if b.durableLog != nil {
		if b.recover {
			if err := store.RecoverFrom(context.Background(), b.durableLog); err != nil {
				return nil, err
			}
		} else {
			store.AttachDurableLog(b.durableLog)
		}
	}

	c := &Coordinator{
		store:    store,
		detector: newConflictDetector(store, b.options.Logger),
		options:  *b.options,
		logger:   b.options.Logger,
		active:   make(map[string]uint64),
	}
	return c, nil
}
