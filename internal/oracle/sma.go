package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/fixed"
)

// MaxSMAPeriods bounds the moving-average window.
const MaxSMAPeriods = 24

// SMA smooths another oracle with a simple moving average over its last
// few polled readings.
type SMA struct {
	src     Oracle
	periods int

	mu  sync.RWMutex
	obs []decimal.Decimal
}

// NewSMA wraps src with a moving average over periods readings.
func NewSMA(src Oracle, periods int) (*SMA, error) {
	if periods < 1 || periods > MaxSMAPeriods {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPeriods, periods)
	}
	return &SMA{src: src, periods: periods}, nil
}

// Poll samples the wrapped oracle and returns the new average.
func (s *SMA) Poll(ctx context.Context) (decimal.Decimal, error) {
	p, err := s.src.Poll(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sma source: %w", err)
	}
	s.mu.Lock()
	s.obs = append(s.obs, p)
	if len(s.obs) > s.periods {
		s.obs = s.obs[len(s.obs)-s.periods:]
	}
	s.mu.Unlock()
	return s.GetPrice(ctx)
}

func (s *SMA) GetPrice(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.obs) == 0 {
		return decimal.Zero, ErrNoObservations
	}
	sum := decimal.Zero
	for _, p := range s.obs {
		sum = sum.Add(p)
	}
	return fixed.Div(sum, decimal.NewFromInt(int64(len(s.obs))))
}

func (s *SMA) GetPriceAndMetadata(ctx context.Context) (decimal.Decimal, Metadata, error) {
	p, err := s.GetPrice(ctx)
	if err != nil {
		return decimal.Zero, Metadata{}, err
	}
	_, md, err := s.src.GetPriceAndMetadata(ctx)
	if err != nil {
		return decimal.Zero, Metadata{}, err
	}
	md.Source = "sma(" + md.Source + ")"
	return p, md, nil
}

var _ Oracle = (*SMA)(nil)
