// Package keeper decides when pools need an upkeep and performs it with the
// latest oracle price. Batches run pool by pool; one pool failing never
// stops the others.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/codec"
	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/metrics"
	"github.com/perppool/pool-engine/internal/oracle"
	"github.com/perppool/pool-engine/internal/pool"
)

var ErrNoOracle = errors.New("keeper: no oracle for pool")

// Pools looks pools up by address. pool.Registry satisfies it.
type Pools interface {
	Get(addr common.Address) (*pool.Pool, error)
	Addresses() []common.Address
}

// Options configure a Keeper.
type Options struct {
	// Interval is how often Run checks for due pools.
	Interval time.Duration
	// Principal is used when the caller's context carries none.
	Principal auth.Principal
}

// Keeper dispatches upkeeps.
type Keeper struct {
	pools  Pools
	sink   events.Sink
	opts   Options
	logger zerolog.Logger

	mu sync.Mutex
	// oracles and lastExecutionPrice are keyed by pool address.
	oracles            map[common.Address]oracle.Oracle
	lastExecutionPrice map[common.Address]decimal.Decimal
}

// New creates a keeper over pools.
func New(pools Pools, sink events.Sink, opts Options, logger zerolog.Logger) *Keeper {
	if sink == nil {
		sink = events.Discard{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &Keeper{
		pools:              pools,
		sink:               sink,
		opts:               opts,
		logger:             logger.With().Str("component", "keeper").Logger(),
		oracles:            make(map[common.Address]oracle.Oracle),
		lastExecutionPrice: make(map[common.Address]decimal.Decimal),
	}
}

// Watch sets the oracle a pool is upkept with and seeds the price its
// first rebalance starts from: the pool's recorded execution price when it
// has one, otherwise the oracle's current reading.
func (k *Keeper) Watch(ctx context.Context, addr common.Address, o oracle.Oracle) {
	k.mu.Lock()
	k.oracles[addr] = o
	k.mu.Unlock()

	p, err := k.pools.Get(addr)
	if err != nil {
		return
	}
	price, ok := p.LastExecutionPrice()
	if !ok {
		if price, err = readPrice(ctx, o); err != nil {
			k.logger.Warn().Err(err).Str("pool", addr.Hex()).Msg("cannot seed execution price")
			return
		}
		if !p.SeedExecutionPrice(ctx, price) {
			return
		}
	}
	k.mu.Lock()
	k.lastExecutionPrice[addr] = price
	k.mu.Unlock()
}

// readPrice prefers the oracle's current price and polls when it has none
// yet, as a moving average does before its first sample.
func readPrice(ctx context.Context, o oracle.Oracle) (decimal.Decimal, error) {
	price, err := o.GetPrice(ctx)
	if err == nil {
		return price, nil
	}
	return o.Poll(ctx)
}

// LastExecutionPrice returns the price the pool's last successful upkeep
// moved to.
func (k *Keeper) LastExecutionPrice(addr common.Address) (decimal.Decimal, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.lastExecutionPrice[addr]
	return p, ok
}

// IsUpkeepRequired reports whether the pool at addr is due.
func (k *Keeper) IsUpkeepRequired(addr common.Address) bool {
	p, err := k.pools.Get(addr)
	if err != nil {
		return false
	}
	return p.IsUpkeepRequired()
}

// Due filters addrs down to the pools that are due.
func (k *Keeper) Due(addrs []common.Address) []common.Address {
	var out []common.Address
	for _, a := range addrs {
		if k.IsUpkeepRequired(a) {
			out = append(out, a)
		}
	}
	return out
}

// PerformUpkeepSinglePool upkeeps one pool. The old price is the price of
// the pool's last successful upkeep, or its seeded price; a pool with
// neither uses the current reading for both.
func (k *Keeper) PerformUpkeepSinglePool(ctx context.Context, addr common.Address) (pool.UpkeepResult, error) {
	p, err := k.pools.Get(addr)
	if err != nil {
		return pool.UpkeepResult{}, err
	}
	if !p.IsUpkeepRequired() {
		return pool.UpkeepResult{}, pool.ErrUpkeepNotDue
	}

	k.mu.Lock()
	o, ok := k.oracles[addr]
	oldPrice, seen := k.lastExecutionPrice[addr]
	k.mu.Unlock()
	if !ok {
		return pool.UpkeepResult{}, k.fail(ctx, addr, fmt.Errorf("%w: %s", ErrNoOracle, addr.Hex()))
	}

	newPrice, err := o.Poll(ctx)
	if err != nil {
		return pool.UpkeepResult{}, k.fail(ctx, addr, fmt.Errorf("poll oracle: %w", err))
	}
	if !seen {
		if oldPrice, seen = p.LastExecutionPrice(); !seen {
			oldPrice = newPrice
		}
	}

	res, err := p.Upkeep(k.withPrincipal(ctx), oldPrice, newPrice)
	if err != nil {
		return pool.UpkeepResult{}, k.fail(ctx, addr, err)
	}
	// A skipped price is never carried into the next upkeep.
	if newPrice.IsPositive() {
		k.mu.Lock()
		k.lastExecutionPrice[addr] = newPrice
		k.mu.Unlock()
	}

	k.logger.Info().
		Str("pool", addr.Hex()).
		Str("old_price", oldPrice.String()).
		Str("new_price", newPrice.String()).
		Int("intervals", res.IntervalsExecuted()).
		Msg("upkeep successful")
	k.sink.Publish(ctx, events.New(events.UpkeepSuccessful, addr, events.UpkeepPayload{
		OldPrice:           oldPrice,
		NewPrice:           newPrice,
		IntervalsExecuted:  res.IntervalsExecuted(),
		UpdateIntervalID:   res.FirstIntervalID + uint64(res.IntervalsExecuted()),
		LastPriceTimestamp: res.LastPriceTimestamp,
		MintingFee:         res.MintingFee,
		Backlog:            res.Backlog,
	}))
	return res, nil
}

func (k *Keeper) fail(ctx context.Context, addr common.Address, err error) error {
	k.logger.Error().Err(err).Str("pool", addr.Hex()).Msg("pool upkeep failed")
	k.sink.Publish(ctx, events.New(events.PoolUpkeepError, addr, events.UpkeepPayload{Error: err.Error()}))
	return err
}

func (k *Keeper) withPrincipal(ctx context.Context) context.Context {
	if _, ok := auth.FromContext(ctx); ok {
		return ctx
	}
	return auth.WithPrincipal(ctx, k.opts.Principal)
}

// BatchResult reports a multi-pool upkeep.
type BatchResult struct {
	Upkept  []common.Address         `json:"upkept"`
	Skipped []common.Address         `json:"skipped"`
	Failed  map[common.Address]error `json:"-"`
}

// Errors renders Failed for JSON responses.
func (b BatchResult) Errors() map[string]string {
	out := make(map[string]string, len(b.Failed))
	for a, err := range b.Failed {
		out[a.Hex()] = err.Error()
	}
	return out
}

// PerformUpkeepMultiplePools upkeeps each pool in turn. Pools that are not
// due are skipped; failures are collected.
func (k *Keeper) PerformUpkeepMultiplePools(ctx context.Context, addrs []common.Address) BatchResult {
	res := BatchResult{Failed: make(map[common.Address]error)}
	for _, a := range addrs {
		if ctx.Err() != nil {
			res.Failed[a] = ctx.Err()
			continue
		}
		_, err := k.PerformUpkeepSinglePool(ctx, a)
		switch {
		case err == nil:
			res.Upkept = append(res.Upkept, a)
		case errors.Is(err, pool.ErrUpkeepNotDue):
			res.Skipped = append(res.Skipped, a)
		default:
			metrics.KeeperBatchFailures.Inc()
			res.Failed[a] = err
		}
	}
	return res
}

// PerformUpkeepMultiplePoolsPacked is PerformUpkeepMultiplePools over a
// concatenation of 20-byte addresses.
func (k *Keeper) PerformUpkeepMultiplePoolsPacked(ctx context.Context, packed []byte) (BatchResult, error) {
	addrs, err := codec.DecodeAddresses(packed)
	if err != nil {
		return BatchResult{}, err
	}
	return k.PerformUpkeepMultiplePools(ctx, addrs), nil
}

// Run upkeeps every due pool each interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.opts.Interval)
	defer ticker.Stop()
	k.logger.Info().Dur("interval", k.opts.Interval).Msg("keeper started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		due := k.Due(k.pools.Addresses())
		if len(due) == 0 {
			k.logger.Debug().Msg("no pools due")
			continue
		}
		res := k.PerformUpkeepMultiplePools(ctx, due)
		k.logger.Info().
			Int("upkept", len(res.Upkept)).
			Int("skipped", len(res.Skipped)).
			Int("failed", len(res.Failed)).
			Msg("keeper tick")
	}
}
