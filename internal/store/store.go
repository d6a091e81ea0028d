// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/pool"
)

// ErrNotFound is returned when no snapshot exists for a pool.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. It satisfies pool.Journal.
type Store interface {
	// --- Pool snapshots ---

	// SavePool upserts the latest snapshot of a pool.
	SavePool(ctx context.Context, snap pool.Snapshot) error

	// GetPool returns the latest snapshot of the pool at addr.
	GetPool(ctx context.Context, addr common.Address) (pool.Snapshot, error)

	// ListPools returns the latest snapshot of every pool.
	ListPools(ctx context.Context) ([]pool.Snapshot, error)

	// --- Immutable history ---

	// InsertUpkeepRecord appends an upkeep record.
	InsertUpkeepRecord(ctx context.Context, rec model.UpkeepRecord) error

	// ListUpkeepRecords returns a pool's most recent upkeeps, newest first.
	// A limit of zero or less returns all of them.
	ListUpkeepRecords(ctx context.Context, addr common.Address, limit int) ([]model.UpkeepRecord, error)

	// InsertCommitRecord appends a commit record.
	InsertCommitRecord(ctx context.Context, rec model.CommitRecord) error

	// ListCommitRecordsByUser returns a user's commits to a pool, oldest first.
	ListCommitRecordsByUser(ctx context.Context, addr, user common.Address) ([]model.CommitRecord, error)
}

var _ pool.Journal = Store(nil)
