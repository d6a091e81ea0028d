package pool

import (
	"errors"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perppool/pool-engine/internal/metrics"
)

var (
	ErrPoolExists   = errors.New("pool: already registered")
	ErrPoolNotFound = errors.New("pool: not found")
)

// Registry holds the deployed pools by address.
type Registry struct {
	mu    sync.RWMutex
	pools map[common.Address]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[common.Address]*Pool)}
}

// Register adds p. Addresses are unique.
func (r *Registry) Register(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Address()]; ok {
		return ErrPoolExists
	}
	r.pools[p.Address()] = p
	metrics.RegisteredPools.Set(float64(len(r.pools)))
	return nil
}

// Get returns the pool at addr.
func (r *Registry) Get(addr common.Address) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[addr]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return p, nil
}

// List returns every pool ordered by address.
func (r *Registry) List() []*Pool {
	r.mu.RLock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Pool) int {
		return a.Address().Cmp(b.Address())
	})
	return out
}

// Addresses returns the registered addresses in order.
func (r *Registry) Addresses() []common.Address {
	pools := r.List()
	out := make([]common.Address, len(pools))
	for i, p := range pools {
		out[i] = p.Address()
	}
	return out
}
