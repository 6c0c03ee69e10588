// badger_store.go
// ---------------
// BadgerStore is the durable ConflictStore: conflict records survive
// process restarts, which the manual-resolution queue depends on. It also
// persists rate-limiter snapshots so a restarted (or horizontally scaled)
// instance starts with the penalties the previous one had already learned.
//
// Keys: "conflict/<id>" for records, "ratelimit/state" for the snapshot
// set. Values are JSON.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	graphbridge "github.com/opengovern/graph-bridge"
)

// timeNow is swapped in tests.
var timeNow = time.Now

const (
	conflictKeyPrefix = "conflict/"
	rateLimitStateKey = "ratelimit/state"
)

// BadgerStore is safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ graphbridge.ConflictStore = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a store at path. An empty path opens an
// in-memory database, useful in tests.
func NewBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %q: %w", path, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) SaveConflict(_ context.Context, rec *graphbridge.ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding conflict %s: %w", rec.Conflict.ConflictID, err)
	}
	key := []byte(conflictKeyPrefix + rec.Conflict.ConflictID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) GetConflict(_ context.Context, conflictID string) (*graphbridge.ConflictRecord, error) {
	var rec *graphbridge.ConflictRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(conflictKeyPrefix + conflictID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &graphbridge.ConflictRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conflict %s: %w", conflictID, err)
	}
	return rec, nil
}

func (s *BadgerStore) DeleteConflict(_ context.Context, conflictID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(conflictKeyPrefix + conflictID))
	})
}

func (s *BadgerStore) ListConflicts(_ context.Context, filter graphbridge.ConflictFilter) ([]*graphbridge.ConflictRecord, error) {
	var out []*graphbridge.ConflictRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(conflictKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec graphbridge.ConflictRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				// A single corrupt record must not hide the rest of the
				// queue.
				s.logger.Warn("skipping unreadable conflict record", "error", err)
				continue
			}
			if matchesFilter(&rec, filter) {
				cp := rec
				out = append(out, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	return out, nil
}

func matchesFilter(rec *graphbridge.ConflictRecord, filter graphbridge.ConflictFilter) bool {
	if filter.TenantID != "" && rec.Conflict.TenantID != filter.TenantID {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.OlderThan > 0 && rec.DetectedAt.Add(filter.OlderThan).After(timeNow()) {
		return false
	}
	return true
}

// SaveRateLimitSnapshots persists the limiter's exported state.
func (s *BadgerStore) SaveRateLimitSnapshots(_ context.Context, snaps []graphbridge.RateLimitStateSnapshot) error {
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("encoding rate limit snapshots: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rateLimitStateKey), data)
	})
}

// LoadRateLimitSnapshots returns the previously persisted limiter state,
// or nil when none exists.
func (s *BadgerStore) LoadRateLimitSnapshots(_ context.Context) ([]graphbridge.RateLimitStateSnapshot, error) {
	var snaps []graphbridge.RateLimitStateSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(rateLimitStateKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snaps)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading rate limit snapshots: %w", err)
	}
	return snaps, nil
}
