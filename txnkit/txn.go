package txnkit

import (
	"context"
	"fmt"
	"sync"

	txnErrors "github.com/c0deZ3R0/go-txn-kit/errors"
)

// TxnState is the lifecycle state of a transaction.
type TxnState int32

const (
	StateActive TxnState = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s TxnState) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("TxnState(%d)", int32(s))
	}
}

// terminal reports whether no further transition is legal from s.
func (s TxnState) terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// readSetEntry records the version a transaction first observed for a key.
// The entry never changes once recorded; repeatable-read semantics depend on
// that. A cached record (or cached absence) makes subsequent reads of the
// same key repeatable without touching the store again.
type readSetEntry struct {
	versionObserved uint64
	record          Record
	found           bool
}

// predicateReadEntry records one predicate scan for serializable phantom
// detection: the predicate identity, the matched keys with the versions
// observed, and the snapshot the scan ran against.
type predicateReadEntry struct {
	predicate       Predicate
	matched         map[AggregateKey]uint64
	snapshotVersion uint64
}

// Txn is one logical transaction: a read set, staged writes, an isolation
// level, and a start version. A Txn is owned by the goroutine that began it;
// its staged writes are invisible to every other transaction until Commit.
type Txn struct {
	id           string
	isolation    IsolationLevel
	startVersion uint64
	coord        *Coordinator

	mu             sync.Mutex
	state          TxnState
	readSet        map[AggregateKey]readSetEntry
	predicateReads []predicateReadEntry
	writeSet       map[AggregateKey][]byte
	commitVersion  uint64
}

// ID returns the transaction's unique identifier.
func (t *Txn) ID() string { return t.id }

// Isolation returns the level the transaction was begun with.
func (t *Txn) Isolation() IsolationLevel { return t.isolation }

// StartVersion returns the global clock value observed at begin.
func (t *Txn) StartVersion() uint64 { return t.startVersion }

// State returns the transaction's current lifecycle state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CommitVersion returns the version assigned at commit, or 0 if the
// transaction has not committed a write set.
func (t *Txn) CommitVersion() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitVersion
}

// Get reads one key under the transaction's isolation contract.
//
// A staged write for the key is returned first (read-your-own-writes; the
// returned record carries version 0 because nothing has committed). Under
// ReadCommitted every call fetches the latest committed record. Under
// RepeatableRead and Serializable the first read pins the key to the start
// snapshot and is cached; later reads return the cached result, including a
// cached absence.
func (t *Txn) Get(key AggregateKey) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return Record{}, txnErrors.NewAlreadyFinalized(txnErrors.OpRead, t.id, t.state.String())
	}

	if staged, ok := t.writeSet[key]; ok {
		return Record{Key: key, Value: cloneBytes(staged)}, nil
	}

	if t.isolation == ReadCommitted {
		return t.coord.store.Get(key)
	}

	if entry, ok := t.readSet[key]; ok {
		if !entry.found {
			return Record{}, txnErrors.NewNotFound(txnErrors.OpRead, string(key))
		}
		return cloneRecord(entry.record), nil
	}

	rec, err := t.coord.store.GetAsOf(key, t.startVersion)
	if err != nil {
		if txnErrors.IsNotFound(err) {
			// Record the absence: if the key appears underneath us and we
			// also write it, commit must detect the lost update.
			t.readSet[key] = readSetEntry{versionObserved: 0, found: false}
		}
		return Record{}, err
	}

	t.readSet[key] = readSetEntry{versionObserved: rec.Version, record: rec, found: true}
	return cloneRecord(rec), nil
}

// Scan evaluates a caller-supplied predicate over the visible keyspace and
// returns the matching records in key order. Under Serializable the result
// set is recorded so commit can detect phantoms; one entry is kept per
// predicate ID.
func (t *Txn) Scan(p Predicate) ([]Record, error) {
	if p.Match == nil {
		return nil, txnErrors.NewValidationError(txnErrors.OpScan,
			fmt.Errorf("predicate %q has no match function", p.ID))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return nil, txnErrors.NewAlreadyFinalized(txnErrors.OpScan, t.id, t.state.String())
	}

	var matches []Record
	if t.isolation == ReadCommitted {
		matches = t.coord.store.ScanLatest(p)
	} else {
		matches = t.coord.store.ScanAsOf(p, t.startVersion)
	}

	if t.isolation == Serializable && !t.hasPredicate(p.ID) {
		matched := make(map[AggregateKey]uint64, len(matches))
		for _, rec := range matches {
			matched[rec.Key] = rec.Version
		}
		t.predicateReads = append(t.predicateReads, predicateReadEntry{
			predicate:       p,
			matched:         matched,
			snapshotVersion: t.startVersion,
		})
	}

	return matches, nil
}

func (t *Txn) hasPredicate(id string) bool {
	for _, entry := range t.predicateReads {
		if entry.predicate.ID == id {
			return true
		}
	}
	return false
}

// Set stages a write. Nothing touches the store until Commit; staging the
// same key twice keeps the last value.
func (t *Txn) Set(key AggregateKey, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return txnErrors.NewAlreadyFinalized(txnErrors.OpWrite, t.id, t.state.String())
	}

	t.writeSet[key] = cloneBytes(value)
	return nil
}

// Commit runs conflict detection for the transaction's isolation level and,
// on success, atomically publishes the write set at a fresh version. On a
// detected conflict the transaction aborts and a typed conflict error is
// returned; no partial write is ever visible. Committing a finalized
// transaction fails with AlreadyFinalized.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateActive {
		state := t.state
		t.mu.Unlock()
		return txnErrors.NewAlreadyFinalized(txnErrors.OpCommit, t.id, state.String())
	}
	t.state = StateCommitting
	t.mu.Unlock()

	return t.coord.commitTxn(ctx, t)
}

// Abort discards the read and write sets and finalizes the transaction.
// Aborting has no observable effect on any other transaction. Aborting a
// finalized transaction fails with AlreadyFinalized.
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.state != StateActive {
		state := t.state
		t.mu.Unlock()
		return txnErrors.NewAlreadyFinalized(txnErrors.OpAbort, t.id, state.String())
	}
	t.finalizeLocked(StateAborted)
	t.mu.Unlock()

	t.coord.release(t)
	return nil
}

// stagedWrites snapshots the write set for publish. Caller must have moved
// the transaction to Committing first.
func (t *Txn) stagedWrites() []WriteSetEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	writes := make([]WriteSetEntry, 0, len(t.writeSet))
	for key, value := range t.writeSet {
		writes = append(writes, WriteSetEntry{Key: key, Value: value})
	}
	return writes
}

// finalize moves the transaction to a terminal state and discards staged
// data so nothing can leak into a retry attempt.
func (t *Txn) finalize(state TxnState) {
	t.mu.Lock()
	t.finalizeLocked(state)
	t.mu.Unlock()
}

func (t *Txn) finalizeLocked(state TxnState) {
	t.state = state
	if state == StateAborted {
		t.readSet = make(map[AggregateKey]readSetEntry)
		t.writeSet = make(map[AggregateKey][]byte)
		t.predicateReads = nil
	}
}
