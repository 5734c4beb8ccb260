// Package store keeps recorded violations in a local bbolt file with an
// in-memory index answering duplicate checks.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/vigil/pkg/violation"
)

// Bucket names in bbolt
var (
	bucketViolations = []byte("violations")
	bucketMeta       = []byte("meta")

	keyRevision = []byte("current_revision")
)

// DefaultRetention is how long a recorded violation suppresses duplicates.
const DefaultRetention = 30 * 24 * time.Hour

// Store persists violations.
type Store struct {
	mu sync.RWMutex

	// newest record per violation identity
	index *btree.BTreeG[*indexEntry]

	db         *bbolt.DB
	currentRev int64
	retention  time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

type indexEntry struct {
	key    violation.Key
	newest time.Time
	count  int
}

// Option customizes a Store.
type Option func(*Store)

// WithRetention sets how long records count for Exists and survive Compact.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the store in dir and rebuilds the index from disk.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "vigil.db"), 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketViolations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		index: btree.NewG(32, func(a, b *indexEntry) bool {
			return a.key.Less(b.key)
		}),
		db:        db,
		retention: DefaultRetention,
		now:       time.Now,
		log:       log.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put records v.
func (s *Store) Put(ctx context.Context, v violation.Violation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode violation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketViolations).Put(recordKey(rev, v.ID), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, []byte(strconv.FormatInt(rev, 10)))
	})
	if err != nil {
		return fmt.Errorf("write violation: %w", err)
	}

	s.currentRev = rev
	s.indexLocked(v)
	return nil
}

// Exists reports whether a violation with key was recorded within the retention window.
func (s *Store) Exists(ctx context.Context, key violation.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.index.Get(&indexEntry{key: key})
	if !found {
		return false, nil
	}
	return e.newest.After(s.cutoff()), nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	AccountID string
	Region    string
	Type      violation.Type
	Since     time.Time
	Limit     int
}

func (f Filter) match(v violation.Violation) bool {
	switch {
	case f.AccountID != "" && v.AccountID != f.AccountID:
		return false
	case f.Region != "" && v.Region != f.Region:
		return false
	case f.Type != "" && v.Type != f.Type:
		return false
	case !f.Since.IsZero() && v.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// List returns matching violations, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]violation.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []violation.Violation
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketViolations).Cursor()
		for k, data := c.Last(); k != nil; k, data = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var v violation.Violation
			if err := json.Unmarshal(data, &v); err != nil {
				s.log.Warn().Err(err).Bytes("key", k).Msg("skipping unreadable record")
				continue
			}
			if !f.match(v) {
				continue
			}
			out = append(out, v)
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Compact removes records and index entries older than the retention window.
func (s *Store) Compact() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cutoff()
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketViolations)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, data := c.First(); k != nil; k, data = c.Next() {
			var v violation.Violation
			if err := json.Unmarshal(data, &v); err != nil || v.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, bytes.Clone(k))
			}
		}

		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	if err != nil {
		return 0, err
	}

	var stale []*indexEntry
	s.index.Ascend(func(e *indexEntry) bool {
		if !e.newest.After(cutoff) {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		s.index.Delete(e)
	}

	if removed > 0 {
		s.log.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("compacted violations")
	}
	return removed, nil
}

// Revision returns the number of writes since the store was created.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Len returns the number of distinct violation identities indexed.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

func (s *Store) cutoff() time.Time {
	return s.now().Add(-s.retention)
}

func (s *Store) indexLocked(v violation.Violation) {
	probe := &indexEntry{key: v.Key()}
	e, found := s.index.Get(probe)
	if !found {
		e = probe
	}
	e.count++
	if v.CreatedAt.After(e.newest) {
		e.newest = v.CreatedAt
	}
	s.index.ReplaceOrInsert(e)
}

func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("parse revision: %w", err)
			}
			s.currentRev = rev
		}

		return tx.Bucket(bucketViolations).ForEach(func(k, data []byte) error {
			var v violation.Violation
			if err := json.Unmarshal(data, &v); err != nil {
				s.log.Warn().Err(err).Bytes("key", k).Msg("skipping unreadable record")
				return nil
			}
			s.indexLocked(v)
			return nil
		})
	})
}

func recordKey(rev int64, id string) []byte {
	return []byte(fmt.Sprintf("%016d:%s", rev, id))
}
