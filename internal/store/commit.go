package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"edge-sync/internal/metrics"
)

// CommitBatch applies a set of records all-or-nothing inside one badger
// transaction. The sync agent uses it for per-range commit: an abort
// mid-session leaves each range either fully pre-session or fully
// post-range, never half-written.
//
// Each record is re-checked against the current store contents under the
// key locks, so a local write that landed between staging and commit is
// never silently overwritten by a loser. Records that no longer win are
// skipped, not errors.
//
// Returns the keys whose stored record actually changed.
func (s *Store) CommitBatch(ctx context.Context, recs []Record) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	unlock := s.lockStripesFor(recs)
	defer unlock()

	// Decide winners under the locks.
	apply := make([]Record, 0, len(recs))
	s.mu.RLock()
	for _, rec := range recs {
		if rec.ContentHash == "" {
			rec = rec.Sealed()
		}
		existing, exists := s.data[rec.Key]
		if exists && (rec.Same(existing) || !rec.Supersedes(existing)) {
			continue
		}
		apply = append(apply, rec)
	}
	s.mu.RUnlock()

	if len(apply) == 0 {
		return nil, nil
	}

	attempt := 0
	err := Retry(ctx, s.opts.Retry, func() error {
		if attempt > 0 {
			s.metrics.Inc(metrics.StoreRetriesTotal)
		}
		attempt++
		return s.db.Update(func(txn *badger.Txn) error {
			for _, rec := range apply {
				body, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("encode record %q: %w", rec.Key, err)
				}
				if err := txn.Set([]byte(rec.Key), body); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: commit batch of %d: %v", ErrStorageUnavailable, len(apply), err)
	}

	changed := make([]string, 0, len(apply))
	s.mu.Lock()
	for _, rec := range apply {
		if old, ok := s.data[rec.Key]; ok {
			s.recordHistory(old)
		}
		s.data[rec.Key] = rec
		changed = append(changed, rec.Key)
	}
	total := len(s.data)
	s.mu.Unlock()
	s.metrics.Set(metrics.StoreRecords, float64(total))

	return changed, nil
}

// lockStripesFor locks every stripe covering the batch in index order
// (stable order avoids deadlock against concurrent Puts and commits).
func (s *Store) lockStripesFor(recs []Record) (unlock func()) {
	seen := make(map[uint32]bool)
	var idx []uint32
	for _, rec := range recs {
		h := fnv.New32a()
		h.Write([]byte(rec.Key))
		i := h.Sum32() % numStripes
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}
