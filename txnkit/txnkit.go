// Package txnkit provides an optimistic, multi-version concurrency control
// engine for aggregate state. Callers read an aggregate's current state inside
// a transaction, make a business decision, stage writes, and commit; the
// engine enforces the selected isolation contract and detects lost updates
// and write skew at commit time.
package txnkit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AggregateKey is the opaque identifier addressing one versioned record.
// Unique per aggregate instance (e.g., a booking id).
type AggregateKey string

// IsolationLevel selects the conflict-detection contract a transaction runs
// under. Choosing a level is the caller's responsibility; the engine never
// escalates or downgrades it.
type IsolationLevel int

const (
	// ReadCommitted reads the latest committed record on every access and
	// performs no read-based conflict checks. A read-then-unconditional-write
	// pattern can lose updates at this level; that matches real systems and
	// is not papered over here.
	ReadCommitted IsolationLevel = iota

	// RepeatableRead pins reads to the transaction's start version and
	// rejects commits whose read-then-written keys changed underneath
	// (first-committer-wins).
	RepeatableRead

	// Serializable applies the RepeatableRead rule and additionally
	// re-evaluates recorded predicate reads at commit time, rejecting the
	// commit if the predicate's result set changed (phantom/write skew).
	Serializable
)

// IsolationDefault defers the level choice to the coordinator. Begin and
// RunWithRetry resolve it to the configured DefaultIsolation, so callers
// wired from a Config need not repeat the level at every call site.
const IsolationDefault IsolationLevel = -1

// String returns the conventional name of the isolation level.
func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

// ParseIsolationLevel converts a config string into an IsolationLevel.
// Matching is case-insensitive; "snapshot" is accepted as an alias for
// repeatable_read.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToLower(s) {
	case "read_committed":
		return ReadCommitted, nil
	case "repeatable_read", "snapshot":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

// Record is one committed snapshot of an aggregate. Immutable once written;
// a key's history is an append-only sequence of Records with strictly
// increasing versions.
type Record struct {
	Key         AggregateKey
	Value       []byte
	Version     uint64
	CommittedAt time.Time
}

// WriteSetEntry is a staged write. Not visible to any other transaction
// until the owning transaction commits.
type WriteSetEntry struct {
	Key   AggregateKey
	Value []byte
}

// Predicate describes a caller-supplied membership test over the keyspace.
// The engine does not interpret the predicate; it records which keys matched
// at scan time, with their versions, and under Serializable compares that
// result set against the current state at commit time. The comparison is
// version-based: an overwrite of a matched key aborts the commit even when
// the new value still satisfies the predicate, because the transaction's
// decision was based on the row it actually read. ID is the predicate's
// identity for conflict reporting (e.g., "seat-free:3B@session:S").
type Predicate struct {
	ID    string
	Match func(key AggregateKey, value []byte) bool
}

// CommitRecord is the unit appended to a DurableLog: one successful publish,
// all of its writes stamped with the same version.
type CommitRecord struct {
	Version     uint64        `json:"version"`
	TxnID       string        `json:"txn_id"`
	CommittedAt time.Time     `json:"committed_at"`
	Writes      []LoggedWrite `json:"writes"`
}

// LoggedWrite is one key/value pair inside a CommitRecord.
type LoggedWrite struct {
	Key   AggregateKey `json:"key"`
	Value []byte       `json:"value"`
}

// DurableLog is the persistence collaborator behind the in-memory store.
// Implementations (SQLite, PostgreSQL, a replicated log) are assumed
// crash-consistent; the engine only appends commits and replays them on
// recovery.
type DurableLog interface {
	// Append persists one commit record. It must be atomic: either the whole
	// record is durable or none of it is.
	Append(ctx context.Context, rec CommitRecord) error

	// ReadSince returns all commit records with version > afterVersion,
	// ordered by version.
	ReadSince(ctx context.Context, afterVersion uint64) ([]CommitRecord, error)

	// LatestVersion returns the highest version in the log, or 0 if empty.
	LatestVersion(ctx context.Context) (uint64, error)

	// Close releases underlying resources.
	Close() error
}

// CommitNotice is delivered to subscribers after every successful publish.
type CommitNotice struct {
	TxnID       string
	Version     uint64
	Isolation   IsolationLevel
	Keys        []AggregateKey
	CommittedAt time.Time
	Duration    time.Duration
}
