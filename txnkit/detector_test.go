package txnkit

import (
	"context"
	"strings"
	"testing"

	txnErrors "github.com/c0deZ3R0/go-txn-kit/errors"
)

func seatPredicate(id, prefix string) Predicate {
	return Predicate{
		ID: id,
		Match: func(key AggregateKey, value []byte) bool {
			return strings.HasPrefix(string(key), prefix) && string(value) == "booked"
		},
	}
}

// Two repeatable-read transactions both read the same balance and both
// write it back; the second committer must fail with a lost update.
func TestDetector_LostUpdateUnderRepeatableRead(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "account:1", "100")

	t1, err := c.Begin(RepeatableRead)
	if err != nil {
		t.Fatalf("begin t1 failed: %v", err)
	}
	t2, err := c.Begin(RepeatableRead)
	if err != nil {
		t.Fatalf("begin t2 failed: %v", err)
	}

	for _, txn := range []*Txn{t1, t2} {
		rec, err := txn.Get("account:1")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if string(rec.Value) != "100" {
			t.Fatalf("read %s, want 100", rec.Value)
		}
		if err := txn.Set("account:1", []byte("150")); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	if err := t1.Commit(context.Background()); err != nil {
		t.Fatalf("first committer must win: %v", err)
	}

	err = t2.Commit(context.Background())
	if err == nil {
		t.Fatal("second committer succeeded; lost update went undetected")
	}
	if txnErrors.CodeOf(err) != txnErrors.ErrCodeLostUpdate {
		t.Fatalf("code = %s, want %s", txnErrors.CodeOf(err), txnErrors.ErrCodeLostUpdate)
	}
	if !txnErrors.IsRetryable(err) {
		t.Fatal("lost update must be retryable")
	}
	keys := txnErrors.ConflictKeys(err)
	if len(keys) != 1 || keys[0] != "account:1" {
		t.Fatalf("conflict keys = %v, want [account:1]", keys)
	}
	if t2.State() != StateAborted {
		t.Fatalf("conflicted transaction state = %s, want Aborted", t2.State())
	}
}

// Write skew: both doctors check that at least two are on call, each
// removes themself. Individually consistent, jointly not. Serializable
// re-evaluates the predicate at commit and rejects the second.
func TestDetector_WriteSkewUnderSerializable(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "shift:alice", "booked")
	seed(t, c, "shift:bob", "booked")

	onCall := seatPredicate("on-call", "shift:")

	t1, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin t1 failed: %v", err)
	}
	t2, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin t2 failed: %v", err)
	}

	r1, err := t1.Scan(onCall)
	if err != nil {
		t.Fatalf("t1 scan failed: %v", err)
	}
	r2, err := t2.Scan(onCall)
	if err != nil {
		t.Fatalf("t2 scan failed: %v", err)
	}
	if len(r1) != 2 || len(r2) != 2 {
		t.Fatalf("scans saw %d and %d records, want 2 each", len(r1), len(r2))
	}

	if err := t1.Set("shift:alice", []byte("off")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := t2.Set("shift:bob", []byte("off")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if err := t1.Commit(context.Background()); err != nil {
		t.Fatalf("first committer must win: %v", err)
	}

	err = t2.Commit(context.Background())
	if err == nil {
		t.Fatal("second committer succeeded; write skew went undetected")
	}
	if txnErrors.CodeOf(err) != txnErrors.ErrCodeWriteSkew {
		t.Fatalf("code = %s, want %s", txnErrors.CodeOf(err), txnErrors.ErrCodeWriteSkew)
	}
	if !txnErrors.IsRetryable(err) {
		t.Fatal("write skew must be retryable")
	}
}

// Both transactions check that seat 3B is unbooked, both find nothing, and
// both insert a booking for it. Exactly one may commit.
func TestDetector_DoubleInsertUnderSerializable(t *testing.T) {
	c := newTestCoordinator(t)

	seat3B := Predicate{
		ID: "seat-3B-booked",
		Match: func(key AggregateKey, value []byte) bool {
			return key == "booking:session-1:3B"
		},
	}

	t1, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin t1 failed: %v", err)
	}
	t2, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin t2 failed: %v", err)
	}

	for _, txn := range []*Txn{t1, t2} {
		existing, err := txn.Scan(seat3B)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if len(existing) != 0 {
			t.Fatalf("seat unexpectedly booked: %v", existing)
		}
		if err := txn.Set("booking:session-1:3B", []byte("booked")); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	if err := t1.Commit(context.Background()); err != nil {
		t.Fatalf("first committer must win: %v", err)
	}
	err = t2.Commit(context.Background())
	if txnErrors.CodeOf(err) != txnErrors.ErrCodeWriteSkew {
		t.Fatalf("double insert not rejected: %v", err)
	}

	rec, err := c.Store().Get("booking:session-1:3B")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Version != t1.CommitVersion() {
		t.Fatalf("surviving booking is not the first committer's")
	}
}

// Phantom: a serializable scan over open seats must fail at commit when
// a concurrent transaction inserts a matching key the scan never saw.
func TestDetector_PhantomInsertUnderSerializable(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "shift:alice", "booked")

	onCall := seatPredicate("on-call", "shift:")

	txn, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := txn.Scan(onCall); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if err := txn.Set("summary", []byte("1 on call")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// Matching key appears after the scan.
	seed(t, c, "shift:bob", "booked")

	err = txn.Commit(context.Background())
	if txnErrors.CodeOf(err) != txnErrors.ErrCodeWriteSkew {
		t.Fatalf("phantom insert not rejected: %v", err)
	}
}

// Read committed never performs read-based validation, so the classic
// lost update is permitted at that level. This is the documented
// trade-off, not a bug.
func TestDetector_ReadCommittedPermitsLostUpdate(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "account:1", "100")

	t1, err := c.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("begin t1 failed: %v", err)
	}
	t2, err := c.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("begin t2 failed: %v", err)
	}

	for _, txn := range []*Txn{t1, t2} {
		if _, err := txn.Get("account:1"); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if err := txn.Set("account:1", []byte("150")); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	if err := t1.Commit(context.Background()); err != nil {
		t.Fatalf("t1 commit failed: %v", err)
	}
	if err := t2.Commit(context.Background()); err != nil {
		t.Fatalf("t2 commit should succeed under read committed: %v", err)
	}
}

// Repeatable read validates plain reads but not predicates: a scan whose
// result set drifts is tolerated as long as the written keys themselves
// are unchanged.
func TestDetector_RepeatableReadToleratesPredicateDrift(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "shift:alice", "booked")

	txn, err := c.Begin(RepeatableRead)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := txn.Scan(seatPredicate("on-call", "shift:")); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if err := txn.Set("summary", []byte("1 on call")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	seed(t, c, "shift:bob", "booked")

	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("repeatable read should ignore predicate drift: %v", err)
	}
}

// Writes to keys the transaction never read are blind writes; they do
// not trigger lost-update detection even when concurrently overwritten.
func TestDetector_BlindWritesDoNotConflict(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "account:1", "100")

	txn, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn.Set("account:1", []byte("200")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	seed(t, c, "account:1", "999")

	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("blind write rejected: %v", err)
	}

	rec, err := c.Store().Get("account:1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(rec.Value) != "200" {
		t.Fatalf("latest value %s, want blind write 200", rec.Value)
	}
}

// A serializable transaction that read a key (rather than scanned) is
// still protected by first-committer-wins on that key.
func TestDetector_SerializableIncludesLostUpdateCheck(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "account:1", "100")

	txn, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := txn.Get("account:1"); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := txn.Set("account:1", []byte("150")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	seed(t, c, "account:1", "999")

	err = txn.Commit(context.Background())
	if txnErrors.CodeOf(err) != txnErrors.ErrCodeLostUpdate {
		t.Fatalf("expected lost update under serializable, got %v", err)
	}
}

// Predicate validation is version-based: overwriting a matched row aborts
// the serializable committer even when the new value still satisfies the
// predicate, because the decision was made against the row actually read.
func TestDetector_SerializableRejectsMatchedRowOverwrite(t *testing.T) {
	c := newTestCoordinator(t)
	seed(t, c, "roster:alice", "level-1")

	roster := Predicate{
		ID: "roster",
		Match: func(key AggregateKey, value []byte) bool {
			return strings.HasPrefix(string(key), "roster:")
		},
	}

	txn, err := c.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	matched, err := txn.Scan(roster)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("scan matched %d rows, want 1", len(matched))
	}
	if err := txn.Set("audit:roster", []byte("1 engineer")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// Concurrent commit bumps the matched row's version; membership is
	// unchanged since the predicate ignores the value.
	seed(t, c, "roster:alice", "level-2")

	err = txn.Commit(context.Background())
	if err == nil {
		t.Fatal("commit succeeded despite a matched row being overwritten")
	}
	if txnErrors.CodeOf(err) != txnErrors.ErrCodeWriteSkew {
		t.Fatalf("code = %s, want %s", txnErrors.CodeOf(err), txnErrors.ErrCodeWriteSkew)
	}
	keys := txnErrors.ConflictKeys(err)
	if len(keys) != 1 || keys[0] != "roster:alice" {
		t.Fatalf("conflict keys = %v, want [roster:alice]", keys)
	}
}
