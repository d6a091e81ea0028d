package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/pool"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Snapshot writes go to the primary store and refresh the cache;
// history inserts invalidate the cached lists they change.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SavePool(ctx context.Context, snap pool.Snapshot) error {
	if err := s.primary.SavePool(ctx, snap); err != nil {
		return err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, poolKey(snap.Params.Address), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) InsertUpkeepRecord(ctx context.Context, rec model.UpkeepRecord) error {
	return s.primary.InsertUpkeepRecord(ctx, rec)
}

func (s *CachedStore) InsertCommitRecord(ctx context.Context, rec model.CommitRecord) error {
	if err := s.primary.InsertCommitRecord(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, commitsKey(rec.Pool, rec.User))
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetPool(ctx context.Context, addr common.Address) (pool.Snapshot, error) {
	if data, err := s.rdb.Get(ctx, poolKey(addr)).Bytes(); err == nil {
		if snap, err := decodeSnapshot(data); err == nil {
			return snap, nil
		}
	}

	snap, err := s.primary.GetPool(ctx, addr)
	if err != nil {
		return pool.Snapshot{}, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, poolKey(addr), data, s.ttl)
	}
	return snap, nil
}

func (s *CachedStore) ListCommitRecordsByUser(ctx context.Context, addr, user common.Address) ([]model.CommitRecord, error) {
	key := commitsKey(addr, user)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var recs []model.CommitRecord
		if json.Unmarshal(data, &recs) == nil {
			return recs, nil
		}
	}

	recs, err := s.primary.ListCommitRecordsByUser(ctx, addr, user)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(recs); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return recs, nil
}

// --- Passthrough ---

func (s *CachedStore) ListPools(ctx context.Context) ([]pool.Snapshot, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListUpkeepRecords(ctx context.Context, addr common.Address, limit int) ([]model.UpkeepRecord, error) {
	return s.primary.ListUpkeepRecords(ctx, addr, limit)
}

// --- Cache keys ---

func poolKey(addr common.Address) string {
	return fmt.Sprintf("pool:%s", strings.ToLower(addr.Hex()))
}

func commitsKey(addr, user common.Address) string {
	return fmt.Sprintf("commits:%s:%s", strings.ToLower(addr.Hex()), strings.ToLower(user.Hex()))
}
