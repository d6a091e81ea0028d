// Package oracle supplies the underlying asset price a pool rebalances on.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoPrice          = errors.New("oracle: no price available")
	ErrNoObservations   = errors.New("oracle: moving average has no observations")
	ErrInvalidPeriods   = errors.New("oracle: moving average periods must be between 1 and 24")
	ErrNotConfigured    = errors.New("oracle: not configured")
	ErrUnexpectedOutput = errors.New("oracle: unexpected contract output")
)

// Metadata describes where a price reading came from.
type Metadata struct {
	Source    string    `json:"source"`
	RoundID   uint64    `json:"round_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Oracle is a price source. Poll refreshes any internal state (moving
// averages sample here); GetPrice reads the current value without side
// effects.
type Oracle interface {
	GetPrice(ctx context.Context) (decimal.Decimal, error)
	GetPriceAndMetadata(ctx context.Context) (decimal.Decimal, Metadata, error)
	Poll(ctx context.Context) (decimal.Decimal, error)
}

// Manual is an oracle whose price is set by hand. Used by the simulator,
// tests and pools configured with a fixed price.
type Manual struct {
	mu      sync.RWMutex
	price   decimal.Decimal
	set     bool
	round   uint64
	updated time.Time
}

// NewManual returns a Manual oracle starting at price.
func NewManual(price decimal.Decimal) *Manual {
	m := &Manual{}
	m.Set(price)
	return m
}

// Set publishes a new price. Non-positive prices are accepted; the pool
// decides what to do with them.
func (m *Manual) Set(price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = price
	m.set = true
	m.round++
	m.updated = time.Now()
}

func (m *Manual) GetPrice(ctx context.Context) (decimal.Decimal, error) {
	p, _, err := m.GetPriceAndMetadata(ctx)
	return p, err
}

func (m *Manual) GetPriceAndMetadata(_ context.Context) (decimal.Decimal, Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return decimal.Zero, Metadata{}, ErrNoPrice
	}
	return m.price, Metadata{Source: "manual", RoundID: m.round, UpdatedAt: m.updated}, nil
}

func (m *Manual) Poll(ctx context.Context) (decimal.Decimal, error) {
	return m.GetPrice(ctx)
}

var _ Oracle = (*Manual)(nil)
