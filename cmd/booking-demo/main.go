package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	txnErrors "github.com/c0deZ3R0/go-txn-kit/errors"
	"github.com/c0deZ3R0/go-txn-kit/logging"
	"github.com/c0deZ3R0/go-txn-kit/storage/sqlite"
	"github.com/c0deZ3R0/go-txn-kit/txnkit"
)

// A small walkthrough of the engine: a cinema booking service with a durable
// SQLite log, demonstrating what each isolation level catches when two
// clerks sell tickets for the same screening at once.
func main() {
	config := logging.GetConfigFromEnv()
	logging.Init(config)

	ctx := context.Background()

	logging.Info("Booking demo starting",
		slog.String("environment", config.Environment),
	)

	dir, err := os.MkdirTemp("", "booking-demo")
	if err != nil {
		logging.Error("failed to create temp dir", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	log, err := sqlite.NewWithDataSource(filepath.Join(dir, "commits.db"))
	if err != nil {
		logging.Error("failed to open commit log", slog.String("error", err.Error()))
		os.Exit(1)
	}

	coord, err := txnkit.NewCoordinator(
		txnkit.WithDurableLog(log),
		txnkit.WithGCInterval(time.Second),
	)
	if err != nil {
		logging.Error("failed to build coordinator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer coord.Close()

	if err := coord.Subscribe(func(n *txnkit.CommitNotice) {
		logging.Debug("commit observed",
			slog.String("txn_id", n.TxnID),
			slog.Uint64("version", n.Version),
			slog.Int("keys", len(n.Keys)),
		)
	}); err != nil {
		logging.Error("failed to subscribe", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Seed the screening: 10 seats, all free, and a counter of sold tickets.
	err = coord.RunWithRetry(ctx, txnkit.ReadCommitted, func(txn *txnkit.Txn) error {
		for i := 1; i <= 10; i++ {
			key := txnkit.AggregateKey(fmt.Sprintf("seat:%d", i))
			if err := txn.Set(key, []byte("free")); err != nil {
				return err
			}
		}
		return txn.Set("tickets_sold", []byte("0"))
	}, 0)
	if err != nil {
		logging.Error("failed to seed screening", slog.String("error", err.Error()))
		os.Exit(1)
	}

	demoLostUpdate(ctx, coord)
	demoWriteSkew(ctx, coord)
	demoConcurrentSales(ctx, coord)

	logging.Info("Booking demo complete",
		slog.Uint64("final_version", coord.Store().CurrentClock()),
	)
}

// demoLostUpdate shows the difference between read committed and repeatable
// read when two clerks increment the sold counter from the same starting
// balance.
func demoLostUpdate(ctx context.Context, coord *txnkit.Coordinator) {
	logger := logging.WithComponent(logging.Component("lost-update-demo"))

	t1, _ := coord.Begin(txnkit.RepeatableRead)
	t2, _ := coord.Begin(txnkit.RepeatableRead)

	for _, txn := range []*txnkit.Txn{t1, t2} {
		rec, err := txn.Get("tickets_sold")
		if err != nil {
			logger.Error("read failed", "error", err.Error())
			return
		}
		sold, _ := strconv.Atoi(string(rec.Value))
		_ = txn.Set("tickets_sold", []byte(strconv.Itoa(sold+1)))
	}

	if err := t1.Commit(ctx); err != nil {
		logger.Error("first clerk failed unexpectedly", "error", err.Error())
		return
	}
	err := t2.Commit(ctx)
	logger.Info("second clerk's commit was rejected, no ticket was lost",
		"code", string(txnErrors.CodeOf(err)),
		"retryable", txnErrors.IsRetryable(err),
	)
}

// demoWriteSkew shows serializable predicate validation: two clerks each
// check that a seat is still free and book different seats based on a count
// that is no longer true once both commit.
func demoWriteSkew(ctx context.Context, coord *txnkit.Coordinator) {
	logger := logging.WithComponent(logging.Component("write-skew-demo"))

	freeSeats := txnkit.Predicate{
		ID: "free-seats",
		Match: func(key txnkit.AggregateKey, value []byte) bool {
			return len(key) > 5 && key[:5] == "seat:" && string(value) == "free"
		},
	}

	t1, _ := coord.Begin(txnkit.Serializable)
	t2, _ := coord.Begin(txnkit.Serializable)

	for i, txn := range []*txnkit.Txn{t1, t2} {
		free, err := txn.Scan(freeSeats)
		if err != nil || len(free) == 0 {
			logger.Error("scan failed", "error", fmt.Sprintf("%v", err))
			return
		}
		// Each clerk books a different free seat based on the same count.
		_ = txn.Set(free[i].Key, []byte("booked"))
	}

	if err := t1.Commit(ctx); err != nil {
		logger.Error("first clerk failed unexpectedly", "error", err.Error())
		return
	}
	err := t2.Commit(ctx)
	logger.Info("second clerk's predicate no longer holds, booking rejected",
		"code", string(txnErrors.CodeOf(err)),
	)
}

// demoConcurrentSales runs several clerks through RunWithRetry; every sale
// lands exactly once despite the contention.
func demoConcurrentSales(ctx context.Context, coord *txnkit.Coordinator) {
	logger := logging.WithComponent(logging.Component("concurrent-sales-demo"))

	const clerks = 5
	var wg sync.WaitGroup
	for i := 0; i < clerks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := coord.RunWithRetry(ctx, txnkit.RepeatableRead, func(txn *txnkit.Txn) error {
				rec, err := txn.Get("tickets_sold")
				if err != nil {
					return err
				}
				sold, _ := strconv.Atoi(string(rec.Value))
				return txn.Set("tickets_sold", []byte(strconv.Itoa(sold+1)))
			}, 20)
			if err != nil {
				logger.Error("sale failed", "error", err.Error())
			}
		}()
	}
	wg.Wait()

	rec, err := coord.Store().Get("tickets_sold")
	if err != nil {
		logger.Error("final read failed", "error", err.Error())
		return
	}
	logger.Info("all concurrent sales applied",
		"clerks", clerks,
		"tickets_sold", string(rec.Value),
	)
}
