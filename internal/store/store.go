package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"edge-sync/internal/metrics"
)

// Sentinel errors surfaced by the policy store.
var (
	// ErrNotFound means no record exists for the requested key.
	ErrNotFound = errors.New("record not found")

	// ErrStorageUnavailable means local I/O kept failing after the retry
	// budget was exhausted. Retryable from the caller's point of view.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// PutResult classifies the outcome of a Put.
type PutResult int

const (
	// PutAccepted: the record was stored (or was already present verbatim).
	PutAccepted PutResult = iota
	// PutSuperseded: the record displaced a higher-version record on
	// priority-class dominance; the old record moved to the history log.
	PutSuperseded
	// PutRejected: the stored record wins; the incoming one was discarded.
	PutRejected
)

func (r PutResult) String() string {
	switch r {
	case PutAccepted:
		return "accepted"
	case PutSuperseded:
		return "superseded"
	case PutRejected:
		return "rejected"
	}
	return "unknown"
}

// Options configures a Store.
type Options struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything off disk (tests, ephemeral nodes).
	InMemory bool
	// HistoryLimit bounds the per-key audit log of displaced records.
	HistoryLimit int
	// Retry bounds I/O retries before ErrStorageUnavailable surfaces.
	Retry RetryPolicy
}

const numStripes = 64

// Store is the single authoritative policy store on a node. All mutation
// goes through Put/CommitBatch; every other component holds derived views.
//
// Records live in badger for crash-safety and in an in-memory index for
// reads; writes to the same key are serialized by striped key locks so a
// request handler and an in-progress sync session never race on one key.
type Store struct {
	db      *badger.DB
	opts    Options
	metrics *metrics.Registry

	mu   sync.RWMutex
	data map[string]Record

	histMu  sync.Mutex
	history map[string][]Record

	stripes [numStripes]sync.Mutex
}

// Open opens (or creates) the store and replays persisted records into the
// in-memory index, so the Merkle index can be rebuilt after a restart
// without contacting the authority.
func Open(opts Options, reg *metrics.Registry) (*Store, error) {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 8
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseBackoff == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{
		db:      db,
		opts:    opts,
		metrics: reg,
		data:    make(map[string]Record),
		history: make(map[string][]Record),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.metrics.Set(metrics.StoreRecords, float64(len(s.data)))
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// load replays all persisted records into the in-memory index.
func (s *Store) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("decode record %q: %w", it.Item().Key(), err)
				}
				s.data[rec.Key] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.stripes[h.Sum32()%numStripes]
}

// Put stores a record under per-key serialization.
//
// Rules:
//   - no stored record, or the incoming record wins the resolution total
//     order with an equal-or-higher version: PutAccepted
//   - the incoming record wins on priority class despite a lower version:
//     PutSuperseded (the displaced record is retained in the history log)
//   - otherwise: PutRejected
//
// Identical re-puts are accepted without touching disk, which makes sync
// commits idempotent. Storage failures are retried with bounded backoff
// and then surfaced wrapped in ErrStorageUnavailable; a failed Put leaves
// both disk and index untouched.
func (s *Store) Put(ctx context.Context, rec Record) (PutResult, error) {
	if rec.Key == "" {
		return PutRejected, fmt.Errorf("record key must not be empty")
	}
	if rec.ContentHash == "" {
		rec = rec.Sealed()
	}

	s.metrics.Inc(metrics.StorePutsTotal)

	lock := s.stripe(rec.Key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, exists := s.data[rec.Key]
	s.mu.RUnlock()

	if exists {
		if rec.Same(existing) {
			s.metrics.Inc(metrics.StorePutAcceptedTotal)
			return PutAccepted, nil
		}
		if !rec.Supersedes(existing) {
			s.metrics.Inc(metrics.StorePutRejectedTotal)
			return PutRejected, nil
		}
	}

	if err := s.persist(ctx, rec); err != nil {
		return PutRejected, err
	}

	s.mu.Lock()
	s.data[rec.Key] = rec
	total := len(s.data)
	s.mu.Unlock()
	s.metrics.Set(metrics.StoreRecords, float64(total))

	result := PutAccepted
	if exists {
		s.recordHistory(existing)
		if rec.Version < existing.Version {
			// Priority-class dominance displaced a newer version.
			result = PutSuperseded
			s.metrics.Inc(metrics.StorePutSupersededTotal)
			return result, nil
		}
	}
	s.metrics.Inc(metrics.StorePutAcceptedTotal)
	return result, nil
}

// persist writes one record to badger with bounded retries.
func (s *Store) persist(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", rec.Key, err)
	}

	attempt := 0
	err = Retry(ctx, s.opts.Retry, func() error {
		if attempt > 0 {
			s.metrics.Inc(metrics.StoreRetriesTotal)
		}
		attempt++
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(rec.Key), body)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: persist %q: %v", ErrStorageUnavailable, rec.Key, err)
	}
	return nil
}

func (s *Store) recordHistory(old Record) {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	log := append(s.history[old.Key], old)
	if len(log) > s.opts.HistoryLimit {
		log = log[len(log)-s.opts.HistoryLimit:]
	}
	s.history[old.Key] = log
}

// Get returns the record stored for key, or ErrNotFound.
func (s *Store) Get(key string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return rec, nil
}

// History returns the bounded audit log of records displaced under key,
// oldest first.
func (s *Store) History(key string) []Record {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	out := make([]Record, len(s.history[key]))
	copy(out, s.history[key])
	return out
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// sortedKeys snapshots all keys in order.
func (s *Store) sortedKeys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// RangeScan returns up to limit records with start <= key < end, skipping
// keys <= afterKey. An empty end means "to the end of the key space";
// limit <= 0 means no limit. Restart a scan by passing the last returned
// key as afterKey.
func (s *Store) RangeScan(start, end, afterKey string, limit int) []Record {
	var out []Record
	for _, k := range s.sortedKeys() {
		if k < start || (end != "" && k >= end) {
			continue
		}
		if afterKey != "" && k <= afterKey {
			continue
		}
		s.mu.RLock()
		rec, ok := s.data[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// KeyHash pairs a key with its record's content hash.
type KeyHash struct {
	Key  string
	Hash string
}

// AllHashes returns (key, content_hash) for every record, sorted by key.
// This is the Merkle index's view of the store.
func (s *Store) AllHashes() []KeyHash {
	keys := s.sortedKeys()
	out := make([]KeyHash, 0, len(keys))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		out = append(out, KeyHash{Key: k, Hash: s.data[k].ContentHash})
	}
	return out
}

// Select returns the records whose key satisfies the filter, sorted by key.
// Used by the sync agent to collect the records belonging to a divergent
// Merkle range.
func (s *Store) Select(filter func(key string) bool) []Record {
	var out []Record
	for _, k := range s.sortedKeys() {
		if !filter(k) {
			continue
		}
		s.mu.RLock()
		rec, ok := s.data[k]
		s.mu.RUnlock()
		if ok {
			out = append(out, rec)
		}
	}
	return out
}
