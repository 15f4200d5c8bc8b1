package txnkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	txnErrors "github.com/c0deZ3R0/go-txn-kit/errors"
)

// RetryConfig configures the backoff behavior between RunWithRetry attempts
type RetryConfig struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64
}

// CoordinatorOptions configures coordinator behavior
type CoordinatorOptions struct {
	// DefaultIsolation is the level Begin and RunWithRetry substitute when
	// callers pass IsolationDefault. Defaults to RepeatableRead.
	DefaultIsolation IsolationLevel

	// RetryConfig configures backoff between conflict retries. Nil means
	// retry immediately.
	RetryConfig *RetryConfig

	// GCInterval is the period of the auto-GC loop (0 disables StartAutoGC)
	GCInterval time.Duration

	// MetricsCollector receives engine metrics; defaults to NoOp
	MetricsCollector MetricsCollector

	// Logger for structured logging; defaults to slog.Default()
	Logger *slog.Logger
}

// Coordinator orchestrates transaction lifecycles: begin, read/write routing,
// commit with conflict detection, abort, retry policy, and version garbage
// collection. The commit path is the single mutually-exclusive critical
// section; reads never block writers and writers never block readers.
type Coordinator struct {
	store    *VersionedStore
	detector *conflictDetector
	options  CoordinatorOptions
	logger   *slog.Logger

	// commitMu serializes conflict detection and publish so the state a
	// commit was validated against cannot change before it is applied.
	commitMu sync.Mutex

	mu          sync.RWMutex
	active      map[string]uint64 // txn id -> start version, the GC horizon input
	subscribers []func(*CommitNotice)
	autoGCStop  chan struct{}
	closed      bool
}

// Begin starts a new transaction at the requested isolation level;
// IsolationDefault resolves to the coordinator's configured default. The
// transaction observes the clock at this instant as its snapshot under
// RepeatableRead and Serializable.
func (c *Coordinator) Begin(level IsolationLevel) (*Txn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		err := txnErrors.New(txnErrors.OpBegin, fmt.Errorf("coordinator is closed"))
		c.logger.Error("begin failed: coordinator is closed", "error", err)
		return nil, err
	}
	if level == IsolationDefault {
		level = c.options.DefaultIsolation
	}
	if level < ReadCommitted || level > Serializable {
		return nil, txnErrors.NewValidationError(txnErrors.OpBegin,
			fmt.Errorf("unknown isolation level %d", int(level)))
	}

	t := &Txn{
		id:           uuid.NewString(),
		isolation:    level,
		startVersion: c.store.CurrentClock(),
		coord:        c,
		state:        StateActive,
		readSet:      make(map[AggregateKey]readSetEntry),
		writeSet:     make(map[AggregateKey][]byte),
	}
	c.active[t.id] = t.startVersion

	c.logger.Debug("transaction begun",
		"txn_id", t.id,
		"isolation", level.String(),
		"start_version", t.startVersion)
	return t, nil
}

// RunWithRetry is the recommended entry point. It begins a transaction, runs
// work, and attempts commit; on a detected conflict the whole work closure is
// retried against a fresh transaction up to maxRetries times, with the
// aborted attempt's write set fully discarded between attempts. Side effects
// outside the transaction are the caller's responsibility to defer until
// after a successful return. Exhausting the budget surfaces the last
// conflict wrapped in a RETRY_EXHAUSTED error.
func (c *Coordinator) RunWithRetry(ctx context.Context, level IsolationLevel, work func(*Txn) error, maxRetries int) error {
	if maxRetries < 0 {
		return txnErrors.NewValidationError(txnErrors.OpRetry,
			fmt.Errorf("maxRetries must be non-negative, got %d", maxRetries))
	}

	eb := &exponentialBackoff{
		initialDelay: 10 * time.Millisecond,
		maxDelay:     time.Second,
		multiplier:   2.0,
	}
	if rc := c.options.RetryConfig; rc != nil {
		eb = &exponentialBackoff{
			initialDelay: rc.InitialDelay,
			maxDelay:     rc.MaxDelay,
			multiplier:   rc.Multiplier,
		}
	}

	var lastConflict error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := eb.nextDelay(attempt - 1)
			c.logger.Debug("retrying transaction after conflict",
				"attempt", attempt+1,
				"delay", delay,
				"conflict", lastConflict)
			c.options.MetricsCollector.RecordRetry(attempt)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.logger.Warn("retry sequence canceled by context", "error", ctx.Err())
				return ctx.Err()
			case <-timer.C:
			}
		}

		t, err := c.Begin(level)
		if err != nil {
			return err
		}

		if err := work(t); err != nil {
			// Business errors are the caller's; never retried automatically.
			if abortErr := t.Abort(); abortErr != nil && !txnErrors.IsAlreadyFinalized(abortErr) {
				c.logger.Warn("abort after failed work closure", "txn_id", t.ID(), "error", abortErr)
			}
			return err
		}

		err = t.Commit(ctx)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("transaction committed after retry",
					"txn_id", t.ID(),
					"attempt", attempt+1)
			}
			return nil
		}
		if !txnErrors.IsConflict(err) {
			return err
		}
		lastConflict = err
	}

	c.logger.Error("retry budget exhausted",
		"max_retries", maxRetries,
		"final_conflict", lastConflict)
	return txnErrors.NewRetryExhausted(txnErrors.OpRetry, maxRetries+1, lastConflict)
}

// commitTxn is the commit critical section: conflict detection and publish
// happen under one lock so no concurrent commit can invalidate the check.
// The transaction is already in Committing when this runs.
func (c *Coordinator) commitTxn(ctx context.Context, t *Txn) error {
	start := time.Now()

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	// Close holds commitMu while shutting the store down, so a commit either
	// fully publishes (durable append included) before close or fails here.
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		t.finalize(StateAborted)
		c.release(t)
		return txnErrors.New(txnErrors.OpCommit, fmt.Errorf("coordinator is closed"))
	}

	if err := c.detector.check(t); err != nil {
		t.finalize(StateAborted)
		c.release(t)
		c.options.MetricsCollector.RecordConflict(t.isolation.String(), string(txnErrors.CodeOf(err)))
		c.logger.Info("commit rejected by conflict detection",
			"txn_id", t.id,
			"isolation", t.isolation.String(),
			"code", string(txnErrors.CodeOf(err)),
			"keys", txnErrors.ConflictKeys(err))
		return err
	}

	writes := t.stagedWrites()
	if len(writes) == 0 {
		// Read-only transactions publish nothing and never advance the clock.
		t.finalize(StateCommitted)
		c.release(t)
		c.logger.Debug("read-only transaction committed", "txn_id", t.id)
		return nil
	}

	version, err := c.store.Publish(ctx, t.id, writes)
	if err != nil {
		t.finalize(StateAborted)
		c.release(t)
		c.logger.Error("publish failed, transaction aborted",
			"txn_id", t.id,
			"error", err)
		return err
	}

	t.mu.Lock()
	t.commitVersion = version
	t.finalizeLocked(StateCommitted)
	t.mu.Unlock()
	c.release(t)

	duration := time.Since(start)
	c.options.MetricsCollector.RecordCommit(t.isolation.String(), duration)
	c.logger.Debug("transaction committed",
		"txn_id", t.id,
		"version", version,
		"keys", len(writes),
		"duration", duration)

	keys := make([]AggregateKey, 0, len(writes))
	for _, w := range writes {
		keys = append(keys, w.Key)
	}
	c.notifySubscribers(&CommitNotice{
		TxnID:       t.id,
		Version:     version,
		Isolation:   t.isolation,
		Keys:        keys,
		CommittedAt: time.Now().UTC(),
		Duration:    duration,
	})

	return nil
}

// release drops a finalized transaction from the active set so GC can
// advance past its snapshot.
func (c *Coordinator) release(t *Txn) {
	aborted := t.State() == StateAborted
	c.mu.Lock()
	delete(c.active, t.id)
	if aborted {
		c.options.MetricsCollector.RecordAbort(t.isolation.String())
	}
	c.mu.Unlock()
}

// Store exposes the underlying VersionedStore for direct snapshot reads and
// verification; all mutation goes through transactions.
func (c *Coordinator) Store() *VersionedStore {
	return c.store
}

// gcHorizon is the oldest snapshot any active transaction may still read.
func (c *Coordinator) gcHorizon() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	horizon := c.store.CurrentClock()
	for _, start := range c.active {
		if start < horizon {
			horizon = start
		}
	}
	return horizon
}

// CollectGarbage prunes record versions no open transaction can still read
// and returns how many were removed.
func (c *Coordinator) CollectGarbage() int {
	removed := c.store.GC(c.gcHorizon())
	if removed > 0 {
		c.options.MetricsCollector.RecordGC(removed)
	}
	return removed
}

// StartAutoGC begins periodic garbage collection at the configured interval
func (c *Coordinator) StartAutoGC(ctx context.Context) error {
	c.logger.Info("starting automatic garbage collection", "interval", c.options.GCInterval)
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.logger.Warn("auto GC start canceled by context", "error", ctx.Err())
		return ctx.Err()
	default:
	}

	if c.closed {
		err := txnErrors.New(txnErrors.OpGC, fmt.Errorf("coordinator is closed"))
		c.logger.Error("cannot start auto GC: coordinator is closed", "error", err)
		return err
	}

	if c.options.GCInterval <= 0 {
		err := txnErrors.New(txnErrors.OpGC, fmt.Errorf("GC interval must be positive"))
		c.logger.Error("cannot start auto GC: invalid interval",
			"interval", c.options.GCInterval,
			"error", err)
		return err
	}

	if c.autoGCStop != nil {
		err := txnErrors.New(txnErrors.OpGC, fmt.Errorf("auto GC is already running"))
		c.logger.Warn("auto GC is already running", "error", err)
		return err
	}

	stopChan := make(chan struct{})
	c.autoGCStop = stopChan

	go func() {
		c.logger.Info("auto GC goroutine started", "interval", c.options.GCInterval)
		ticker := time.NewTicker(c.options.GCInterval)
		defer func() {
			ticker.Stop()
			c.logger.Info("auto GC goroutine stopped")
		}()

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("auto GC stopping due to context cancellation")
				return
			case <-stopChan:
				c.logger.Info("auto GC stopping due to explicit stop")
				return
			case <-ticker.C:
				removed := c.CollectGarbage()
				if removed > 0 {
					c.logger.Debug("auto GC pass completed", "versions_removed", removed)
				}
			}
		}
	}()

	return nil
}

// StopAutoGC stops periodic garbage collection
func (c *Coordinator) StopAutoGC() error {
	c.logger.Info("stopping automatic garbage collection")
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoGCStop == nil {
		err := txnErrors.New(txnErrors.OpGC, fmt.Errorf("auto GC is not running"))
		c.logger.Warn("cannot stop auto GC: not running", "error", err)
		return err
	}

	close(c.autoGCStop)
	c.autoGCStop = nil
	c.logger.Info("auto GC stopped successfully")
	return nil
}

// Subscribe registers a handler invoked asynchronously after every
// successful publish
func (c *Coordinator) Subscribe(handler func(*CommitNotice)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		err := txnErrors.New(txnErrors.OpCommit, fmt.Errorf("coordinator is closed"))
		c.logger.Error("cannot subscribe: coordinator is closed", "error", err)
		return err
	}

	c.subscribers = append(c.subscribers, handler)
	c.logger.Debug("new commit subscriber added", "total_subscribers", len(c.subscribers))
	return nil
}

func (c *Coordinator) notifySubscribers(notice *CommitNotice) {
	c.mu.RLock()
	subscribers := make([]func(*CommitNotice), len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*CommitNotice)) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("commit subscriber panic recovered",
						"panic", r,
						"txn_id", notice.TxnID,
						"version", notice.Version)
				}
			}()
			h(notice)
		}(handler)
	}
}

// ActiveTransactions returns the number of transactions not yet finalized
func (c *Coordinator) ActiveTransactions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

// Close shuts down the coordinator. New transactions and further commits are
// refused; the underlying store (and its durable log) is closed.
func (c *Coordinator) Close() error {
	c.logger.Info("closing coordinator")

	// Taken before c.mu, same order as the commit path, so any in-flight
	// commit completes its durable publish before the store closes under it.
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug("coordinator already closed")
		return nil
	}
	c.closed = true

	if c.autoGCStop != nil {
		c.logger.Debug("stopping auto GC as part of close")
		close(c.autoGCStop)
		c.autoGCStop = nil
	}

	if err := c.store.Close(); err != nil {
		c.logger.Error("error closing store", "error", err)
		return txnErrors.NewWithComponent(txnErrors.OpClose, "coordinator", err)
	}

	c.logger.Info("coordinator closed successfully")
	return nil
}

type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func (eb *exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Calculate exponential delay: initialDelay * multiplier^attempt
	delay := float64(eb.initialDelay)
	if attempt > 0 {
		for i := 0; i < attempt; i++ {
			delay *= eb.multiplier
		}
	}

	// Convert back to time.Duration and cap at maxDelay
	result := time.Duration(delay)
	if result > eb.maxDelay {
		result = eb.maxDelay
	}

	return result
}
