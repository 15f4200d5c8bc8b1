package txnkit

import (
	"fmt"
	"log/slog"
	"sort"

	txnErrors "github.com/c0deZ3R0/go-txn-kit/errors"
)

// conflictDetector decides whether a committing transaction is safe under
// its isolation level. It runs inside the coordinator's commit critical
// section, so the store state it checks against cannot change before the
// write set is published.
type conflictDetector struct {
	store  *VersionedStore
	logger *slog.Logger
}

func newConflictDetector(store *VersionedStore, logger *slog.Logger) *conflictDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &conflictDetector{store: store, logger: logger}
}

// check returns nil if the commit is safe, or a typed conflict error naming
// the keys/predicates that drifted. First committer wins: the transaction
// discovering drift at its own commit time is the one that aborts.
func (d *conflictDetector) check(t *Txn) error {
	switch t.isolation {
	case ReadCommitted:
		// No read-based checks at this level. Lost updates from a
		// read-then-unconditional-write pattern are possible and are the
		// documented trade-off of read committed.
		return nil
	case RepeatableRead:
		return d.checkLostUpdates(t)
	case Serializable:
		if err := d.checkLostUpdates(t); err != nil {
			return err
		}
		return d.checkPredicates(t)
	default:
		return txnErrors.NewValidationError(txnErrors.OpCommit,
			fmt.Errorf("unknown isolation level %d", int(t.isolation)))
	}
}

// checkLostUpdates applies the first-committer-wins rule: a key that was
// both read and written by the transaction must still be at the version the
// transaction observed. Reads of keys never written back are not rechecked;
// pure read skew between unrelated reads is tolerated at this level.
func (d *conflictDetector) checkLostUpdates(t *Txn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conflicting []string
	for key := range t.writeSet {
		entry, read := t.readSet[key]
		if !read {
			continue
		}
		if current := d.store.CurrentVersion(key); current != entry.versionObserved {
			conflicting = append(conflicting, string(key))
			d.logger.Debug("lost update detected",
				"txn_id", t.id,
				"key", string(key),
				"version_observed", entry.versionObserved,
				"version_current", current)
		}
	}

	if len(conflicting) == 0 {
		return nil
	}
	sort.Strings(conflicting)
	return txnErrors.NewLostUpdate(txnErrors.OpCommit, conflicting,
		fmt.Errorf("%d read-then-written key(s) changed since transaction start", len(conflicting)))
}

// checkPredicates re-evaluates every recorded predicate against the current
// store state. Any commit since the snapshot that inserted, removed, or
// modified a key such that predicate membership or the matched versions
// changed is a phantom, surfaced as write skew.
func (d *conflictDetector) checkPredicates(t *Txn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var predicates []string
	keys := map[string]struct{}{}

	for _, entry := range t.predicateReads {
		current := d.store.ScanLatest(entry.predicate)

		drifted := len(current) != len(entry.matched)
		changed := map[AggregateKey]struct{}{}
		if !drifted {
			for _, rec := range current {
				observed, ok := entry.matched[rec.Key]
				if !ok || observed != rec.Version {
					drifted = true
					changed[rec.Key] = struct{}{}
				}
			}
		} else {
			seen := map[AggregateKey]struct{}{}
			for _, rec := range current {
				seen[rec.Key] = struct{}{}
				if observed, ok := entry.matched[rec.Key]; !ok || observed != rec.Version {
					changed[rec.Key] = struct{}{}
				}
			}
			for key := range entry.matched {
				if _, ok := seen[key]; !ok {
					changed[key] = struct{}{}
				}
			}
		}

		if drifted || len(changed) > 0 {
			predicates = append(predicates, entry.predicate.ID)
			for key := range changed {
				keys[string(key)] = struct{}{}
			}
			d.logger.Debug("predicate result set drifted",
				"txn_id", t.id,
				"predicate", entry.predicate.ID,
				"matched_at_snapshot", len(entry.matched),
				"matched_now", len(current))
		}
	}

	if len(predicates) == 0 {
		return nil
	}

	sort.Strings(predicates)
	keyList := make([]string, 0, len(keys))
	for key := range keys {
		keyList = append(keyList, key)
	}
	sort.Strings(keyList)

	return txnErrors.NewWriteSkew(txnErrors.OpCommit, predicates, keyList,
		fmt.Errorf("%d predicate result set(s) changed since transaction start", len(predicates)))
}
