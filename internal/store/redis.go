package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	id      string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, id string) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		id:      id,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Save(ctx context.Context, snap model.Snapshot) error {
	if err := s.primary.Save(ctx, snap); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) Clear(ctx context.Context) error {
	if err := s.primary.Clear(ctx); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Load(ctx context.Context) (model.Snapshot, bool, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(s.id)).Bytes()
	if err == nil {
		snap, bad := DecodeSnapshot(data)
		if len(bad) == 0 {
			return snap, true, nil
		}
		// A damaged cache entry is never trusted over the primary.
		logBadFields("redis", bad)
	} else if err != redis.Nil {
		slog.Warn("redis cache read failed", "key", snapshotKey(s.id), "err", err)
	}

	// Cache miss: read from primary.
	snap, ok, err := s.primary.Load(ctx)
	if err != nil || !ok {
		return snap, ok, err
	}

	if data, err := EncodeSnapshot(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(s.id), data, s.ttl)
	}
	return snap, true, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) AppendEntry(ctx context.Context, entry *model.JournalEntry) error {
	return s.primary.AppendEntry(ctx, entry)
}

func (s *CachedStore) Entries(ctx context.Context) ([]model.JournalEntry, error) {
	return s.primary.Entries(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context) {
	if err := s.rdb.Del(ctx, snapshotKey(s.id)).Err(); err != nil {
		slog.Warn("redis cache invalidation failed", "key", snapshotKey(s.id), "err", err)
	}
}

func snapshotKey(id string) string { return fmt.Sprintf("portfolio:%s:snapshot", id) }
