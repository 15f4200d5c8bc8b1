package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/c0deZ3R0/go-txn-kit/txnkit"
)

func newTestLog(t *testing.T) *CommitLog {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "commits.db")
	log, err := NewWithDataSource(dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func record(version uint64, txnID string, writes ...txnkit.LoggedWrite) txnkit.CommitRecord {
	return txnkit.CommitRecord{
		Version:     version,
		TxnID:       txnID,
		CommittedAt: time.Now().UTC().Truncate(time.Millisecond),
		Writes:      writes,
	}
}

func TestCommitLog_AppendAndReadSince(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for v := uint64(1); v <= 3; v++ {
		rec := record(v, "txn-"+string(rune('a'+v-1)),
			txnkit.LoggedWrite{Key: "seat:1", Value: []byte("booked")})
		if err := log.Append(ctx, rec); err != nil {
			t.Fatalf("append version %d failed: %v", v, err)
		}
	}

	records, err := log.ReadSince(ctx, 0)
	if err != nil {
		t.Fatalf("read since failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("read %d records, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Version != uint64(i+1) {
			t.Errorf("record %d version = %d, want ascending from 1", i, rec.Version)
		}
		if len(rec.Writes) != 1 || rec.Writes[0].Key != "seat:1" {
			t.Errorf("record %d writes = %+v", i, rec.Writes)
		}
		if string(rec.Writes[0].Value) != "booked" {
			t.Errorf("record %d value = %s", i, rec.Writes[0].Value)
		}
	}

	tail, err := log.ReadSince(ctx, 2)
	if err != nil {
		t.Fatalf("read since 2 failed: %v", err)
	}
	if len(tail) != 1 || tail[0].Version != 3 {
		t.Fatalf("read since 2 returned %+v, want only version 3", tail)
	}
}

func TestCommitLog_LatestVersion(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	latest, err := log.LatestVersion(ctx)
	if err != nil {
		t.Fatalf("latest version failed: %v", err)
	}
	if latest != 0 {
		t.Fatalf("empty log latest = %d, want 0", latest)
	}

	if err := log.Append(ctx, record(7, "txn-a", txnkit.LoggedWrite{Key: "k", Value: []byte("v")})); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	latest, err = log.LatestVersion(ctx)
	if err != nil {
		t.Fatalf("latest version failed: %v", err)
	}
	if latest != 7 {
		t.Fatalf("latest = %d, want 7", latest)
	}
}

func TestCommitLog_DuplicateVersionRejected(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	rec := record(1, "txn-a", txnkit.LoggedWrite{Key: "k", Value: []byte("v")})
	if err := log.Append(ctx, rec); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	dup := record(1, "txn-b", txnkit.LoggedWrite{Key: "k", Value: []byte("other")})
	err := log.Append(ctx, dup)
	if !errors.Is(err, ErrDuplicateCommit) {
		t.Fatalf("duplicate append error = %v, want ErrDuplicateCommit", err)
	}
}

func TestCommitLog_ClosedErrors(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	if err := log.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}

	if err := log.Append(ctx, record(1, "txn-a")); !errors.Is(err, ErrLogClosed) {
		t.Errorf("append on closed log: %v, want ErrLogClosed", err)
	}
	if _, err := log.ReadSince(ctx, 0); !errors.Is(err, ErrLogClosed) {
		t.Errorf("read on closed log: %v, want ErrLogClosed", err)
	}
	if _, err := log.LatestVersion(ctx); !errors.Is(err, ErrLogClosed) {
		t.Errorf("latest on closed log: %v, want ErrLogClosed", err)
	}
}

func TestCommitLog_AppendHonorsCanceledContext(t *testing.T) {
	log := newTestLog(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := log.Append(ctx, record(1, "txn-a", txnkit.LoggedWrite{Key: "k", Value: []byte("v")}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("append with canceled context: %v, want context.Canceled", err)
	}
}

func TestCommitLog_NewValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := New(&Config{}); err == nil {
		t.Error("empty data source accepted")
	}
}

// Full durability round trip: commits through a coordinator survive a
// process restart via recovery from the same database file.
func TestCommitLog_CoordinatorRecovery(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "commits.db")
	ctx := context.Background()

	log, err := NewWithDataSource(dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite log: %v", err)
	}
	coord, err := txnkit.NewCoordinator(txnkit.WithDurableLog(log))
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	err = coord.RunWithRetry(ctx, txnkit.Serializable, func(txn *txnkit.Txn) error {
		if err := txn.Set("seat:12A", []byte("alice")); err != nil {
			return err
		}
		return txn.Set("seat:12B", []byte("bob"))
	}, 0)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := coord.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Simulated restart: fresh log handle, recovery replays the commits.
	reopened, err := NewWithDataSource(dsn)
	if err != nil {
		t.Fatalf("failed to reopen sqlite log: %v", err)
	}
	recovered, err := txnkit.NewCoordinator(
		txnkit.WithDurableLog(reopened),
		txnkit.WithRecovery(),
	)
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	defer recovered.Close()

	rec, err := recovered.Store().Get("seat:12A")
	if err != nil {
		t.Fatalf("get after recovery failed: %v", err)
	}
	if string(rec.Value) != "alice" {
		t.Fatalf("recovered value = %s, want alice", rec.Value)
	}
	if recovered.Store().CurrentClock() != 1 {
		t.Fatalf("recovered clock = %d, want 1", recovered.Store().CurrentClock())
	}

	// New commits continue from the recovered clock.
	err = recovered.RunWithRetry(ctx, txnkit.RepeatableRead, func(txn *txnkit.Txn) error {
		return txn.Set("seat:12C", []byte("carol"))
	}, 0)
	if err != nil {
		t.Fatalf("post-recovery commit failed: %v", err)
	}
	latest, err := reopened.LatestVersion(ctx)
	if err != nil {
		t.Fatalf("latest version failed: %v", err)
	}
	if latest != 2 {
		t.Fatalf("latest logged version = %d, want 2", latest)
	}
}
