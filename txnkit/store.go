package txnkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/btree"

	txnErrors "github.com/c0deZ3R0/go-txn-kit/errors"
)

// keyHistory is the append-only version chain for one key, ascending by
// version. Only the last element is current.
type keyHistory struct {
	versions []Record
}

// latest returns the newest committed record, or false if the chain is empty.
func (h *keyHistory) latest() (Record, bool) {
	if len(h.versions) == 0 {
		return Record{}, false
	}
	return h.versions[len(h.versions)-1], true
}

// latestAsOf returns the newest record with version <= asOf.
func (h *keyHistory) latestAsOf(asOf uint64) (Record, bool) {
	for i := len(h.versions) - 1; i >= 0; i-- {
		if h.versions[i].Version <= asOf {
			return h.versions[i], true
		}
	}
	return Record{}, false
}

// VersionedStore is the in-memory MVCC substrate the engine reads and writes
// through. Every successful Publish advances the global clock exactly once
// and stamps the whole write set with the new version, so multi-key writes
// commit as one logical instant. Superseded versions are retained until GC
// decides no open snapshot can still need them.
type VersionedStore struct {
	mu    sync.RWMutex
	clock uint64
	keys  *btree.Map[string, *keyHistory]

	log    DurableLog // optional durability collaborator
	logger *slog.Logger
}

// NewVersionedStore creates an empty store. A nil logger falls back to
// slog.Default().
func NewVersionedStore(logger *slog.Logger) *VersionedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionedStore{
		keys:   new(btree.Map[string, *keyHistory]),
		logger: logger,
	}
}

// AttachDurableLog wires a persistence backend. Every subsequent Publish
// appends its commit record before the writes become visible; an append
// failure aborts the publish.
func (s *VersionedStore) AttachDurableLog(log DurableLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = log
}

// RecoverFrom replays every commit record in log into the store and resumes
// the clock at the log's latest version. Intended for a fresh store at
// process startup.
func (s *VersionedStore) RecoverFrom(ctx context.Context, log DurableLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clock != 0 {
		return txnErrors.NewValidationError(txnErrors.OpRecover,
			fmt.Errorf("recovery requires an empty store, clock is at %d", s.clock))
	}

	records, err := log.ReadSince(ctx, 0)
	if err != nil {
		return txnErrors.NewStorageError(txnErrors.OpRecover, err)
	}

	for _, rec := range records {
		if rec.Version <= s.clock {
			return txnErrors.NewStorageError(txnErrors.OpRecover,
				fmt.Errorf("log replay out of order: version %d after clock %d", rec.Version, s.clock))
		}
		for _, w := range rec.Writes {
			s.applyLocked(w.Key, w.Value, rec.Version, rec.CommittedAt)
		}
		s.clock = rec.Version
	}

	s.log = log
	s.logger.Info("store recovered from durable log",
		"commits_replayed", len(records),
		"clock", s.clock)
	return nil
}

// CurrentClock returns the version assigned by the most recent publish.
func (s *VersionedStore) CurrentClock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// Get returns the latest committed record for key (a read-committed read).
func (s *VersionedStore) Get(key AggregateKey) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.keys.Get(string(key))
	if !ok {
		return Record{}, txnErrors.NewNotFound(txnErrors.OpRead, string(key))
	}
	rec, ok := h.latest()
	if !ok {
		return Record{}, txnErrors.NewNotFound(txnErrors.OpRead, string(key))
	}
	return cloneRecord(rec), nil
}

// GetAsOf returns the latest record with version <= asOf (a snapshot read).
func (s *VersionedStore) GetAsOf(key AggregateKey, asOf uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.keys.Get(string(key))
	if !ok {
		return Record{}, txnErrors.NewNotFound(txnErrors.OpRead, string(key))
	}
	rec, ok := h.latestAsOf(asOf)
	if !ok {
		return Record{}, txnErrors.NewNotFound(txnErrors.OpRead, string(key))
	}
	return cloneRecord(rec), nil
}

// CurrentVersion returns the latest committed version for key, or 0 if the
// key has never been written.
func (s *VersionedStore) CurrentVersion(key AggregateKey) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.keys.Get(string(key))
	if !ok {
		return 0
	}
	rec, ok := h.latest()
	if !ok {
		return 0
	}
	return rec.Version
}

// ScanLatest returns, in key order, every current record matching p.
func (s *VersionedStore) ScanLatest(p Predicate) []Record {
	return s.scan(p, 0, false)
}

// ScanAsOf returns, in key order, every record visible at asOf that matches p.
// At asOf 0 nothing has committed yet, so the result is always empty.
func (s *VersionedStore) ScanAsOf(p Predicate, asOf uint64) []Record {
	return s.scan(p, asOf, true)
}

func (s *VersionedStore) scan(p Predicate, asOf uint64, snapshot bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Record
	s.keys.Scan(func(key string, h *keyHistory) bool {
		var rec Record
		var ok bool
		if snapshot {
			rec, ok = h.latestAsOf(asOf)
		} else {
			rec, ok = h.latest()
		}
		if ok && p.Match(rec.Key, rec.Value) {
			matches = append(matches, cloneRecord(rec))
		}
		return true
	})
	return matches
}

// Publish atomically applies a whole write set at the next clock version.
// Either every key in the set advances to the new version, or none do. When
// a durable log is attached, the commit record is appended before the writes
// become visible; a failed append leaves the store untouched.
func (s *VersionedStore) Publish(ctx context.Context, txnID string, writes []WriteSetEntry) (uint64, error) {
	if len(writes) == 0 {
		return 0, txnErrors.NewValidationError(txnErrors.OpPublish,
			fmt.Errorf("empty write set"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.clock + 1
	committedAt := time.Now().UTC()

	if s.log != nil {
		rec := CommitRecord{
			Version:     version,
			TxnID:       txnID,
			CommittedAt: committedAt,
			Writes:      make([]LoggedWrite, 0, len(writes)),
		}
		for _, w := range writes {
			rec.Writes = append(rec.Writes, LoggedWrite{Key: w.Key, Value: w.Value})
		}
		if err := s.log.Append(ctx, rec); err != nil {
			s.logger.Error("durable append failed, publish aborted",
				"txn_id", txnID,
				"version", version,
				"error", err)
			return 0, txnErrors.NewStorageError(txnErrors.OpPublish, err)
		}
	}

	for _, w := range writes {
		s.applyLocked(w.Key, w.Value, version, committedAt)
	}
	s.clock = version

	s.logger.Debug("write set published",
		"txn_id", txnID,
		"version", version,
		"keys", len(writes))
	return version, nil
}

// applyLocked appends one record to a key's history. Caller holds s.mu.
func (s *VersionedStore) applyLocked(key AggregateKey, value []byte, version uint64, committedAt time.Time) {
	h, ok := s.keys.Get(string(key))
	if !ok {
		h = &keyHistory{}
		s.keys.Set(string(key), h)
	}
	h.versions = append(h.versions, Record{
		Key:         key,
		Value:       cloneBytes(value),
		Version:     version,
		CommittedAt: committedAt,
	})
}

// GC removes versions superseded at or before horizon: a version is
// reclaimable once a newer version with version <= horizon exists, because
// no snapshot started at or after horizon can still read it. Returns the
// number of versions removed.
func (s *VersionedStore) GC(horizon uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	s.keys.Scan(func(key string, h *keyHistory) bool {
		// Index of the newest version <= horizon; everything before it is dead.
		cut := -1
		for i := len(h.versions) - 1; i >= 0; i-- {
			if h.versions[i].Version <= horizon {
				cut = i
				break
			}
		}
		if cut > 0 {
			removed += cut
			h.versions = append([]Record(nil), h.versions[cut:]...)
		}
		return true
	})

	if removed > 0 {
		s.logger.Debug("garbage collection removed superseded versions",
			"horizon", horizon,
			"versions_removed", removed)
	}
	return removed
}

// VersionCount reports the total number of retained record versions across
// all keys. Useful for GC tests and metrics.
func (s *VersionedStore) VersionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	s.keys.Scan(func(key string, h *keyHistory) bool {
		total += len(h.versions)
		return true
	})
	return total
}

// Close closes the attached durable log, if any.
func (s *VersionedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.log == nil {
		return nil
	}
	if err := s.log.Close(); err != nil {
		return txnErrors.NewWithComponent(txnErrors.OpClose, "store", err)
	}
	s.log = nil
	return nil
}

func cloneRecord(rec Record) Record {
	rec.Value = cloneBytes(rec.Value)
	return rec
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
