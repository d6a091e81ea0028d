package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/pool"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Snapshots are held encoded so callers never share the ledger maps.
type MemoryStore struct {
	mu      sync.RWMutex
	pools   map[common.Address][]byte
	upkeeps []model.UpkeepRecord
	commits []model.CommitRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools: make(map[common.Address][]byte),
	}
}

func (s *MemoryStore) SavePool(_ context.Context, snap pool.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[snap.Params.Address] = data
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, addr common.Address) (pool.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.pools[addr]
	s.mu.RUnlock()
	if !ok {
		return pool.Snapshot{}, fmt.Errorf("pool %s: %w", addr.Hex(), ErrNotFound)
	}
	return decodeSnapshot(data)
}

func (s *MemoryStore) ListPools(_ context.Context) ([]pool.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]common.Address, 0, len(s.pools))
	for a := range s.pools {
		addrs = append(addrs, a)
	}
	slices.SortFunc(addrs, func(a, b common.Address) int { return a.Cmp(b) })

	out := make([]pool.Snapshot, 0, len(addrs))
	for _, a := range addrs {
		snap, err := decodeSnapshot(s.pools[a])
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *MemoryStore) InsertUpkeepRecord(_ context.Context, rec model.UpkeepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upkeeps = append(s.upkeeps, rec)
	return nil
}

func (s *MemoryStore) ListUpkeepRecords(_ context.Context, addr common.Address, limit int) ([]model.UpkeepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.UpkeepRecord
	for i := len(s.upkeeps) - 1; i >= 0; i-- {
		if s.upkeeps[i].Pool != addr {
			continue
		}
		result = append(result, s.upkeeps[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertCommitRecord(_ context.Context, rec model.CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, rec)
	return nil
}

func (s *MemoryStore) ListCommitRecordsByUser(_ context.Context, addr, user common.Address) ([]model.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CommitRecord
	for _, c := range s.commits {
		if c.Pool == addr && c.User == user {
			result = append(result, c)
		}
	}
	return result, nil
}

func decodeSnapshot(data []byte) (pool.Snapshot, error) {
	var snap pool.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pool.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
