package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/ledger"
	"github.com/perppool/pool-engine/internal/metrics"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/swap"
)

// UpkeepResult reports one upkeep.
type UpkeepResult struct {
	OldPrice decimal.Decimal
	NewPrice decimal.Decimal
	// PriceChangeSkipped is set when the prices were unusable and the
	// rebalance was skipped. Commitments still executed.
	PriceChangeSkipped bool
	Rebalance          swap.ValueTransferResult
	FirstIntervalID    uint64
	Executions         []ledger.Execution
	Balances           model.PoolBalances
	MintingFee         decimal.Decimal
	LastPriceTimestamp uint64
	// Backlog is set when intervals are still due after the iteration bound.
	Backlog bool
}

// IntervalsExecuted is the number of intervals the upkeep executed.
func (r UpkeepResult) IntervalsExecuted() int { return len(r.Executions) }

// Upkeep applies the move from oldPrice to newPrice and executes every
// elapsed interval, at most ledger.MaxIterations of them. It needs the
// keeper role and an elapsed update interval.
//
// The work runs on a copy of the ledger and is committed only after the
// pool tokens it mints have been issued, so a failed upkeep leaves the pool
// as it was.
func (p *Pool) Upkeep(ctx context.Context, oldPrice, newPrice decimal.Decimal) (UpkeepResult, error) {
	if err := p.authz.Authorize(ctx, auth.RoleKeeper); err != nil {
		return UpkeepResult{}, err
	}
	start := time.Now()
	res, err := p.upkeep(ctx, oldPrice, newPrice)
	metrics.UpkeepLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.UpkeepsTotal.WithLabelValues("success").Inc()
	case errors.Is(err, ErrUpkeepNotDue):
		metrics.UpkeepsTotal.WithLabelValues("not_due").Inc()
	default:
		metrics.UpkeepsTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (p *Pool) upkeep(ctx context.Context, oldPrice, newPrice decimal.Decimal) (UpkeepResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return UpkeepResult{}, ErrPaused
	}
	now := p.now()
	ui := p.params.UpdateInterval
	if !swap.IntervalPassed(now, p.lastPriceTimestamp, ui) {
		return UpkeepResult{}, fmt.Errorf("%w: next at %d", ErrUpkeepNotDue, p.lastPriceTimestamp+ui)
	}
	p.executing.Store(true)
	defer p.executing.Store(false)

	work := p.ledger.Clone()
	balances := p.balances
	res := UpkeepResult{OldPrice: oldPrice, NewPrice: newPrice, FirstIntervalID: work.UpdateIntervalID()}

	vt, err := swap.ValueTransfer(swap.ValueTransferInput{
		LongBalance:  balances.Long,
		ShortBalance: balances.Short,
		Leverage:     p.params.Leverage,
		OldPrice:     oldPrice,
		NewPrice:     newPrice,
		Fee:          p.params.Fee,
	})
	switch {
	case errors.Is(err, swap.ErrPriceChange):
		res.PriceChangeSkipped = true
		vt = swap.ValueTransferResult{LongFee: decimal.Zero, ShortFee: decimal.Zero, Transfer: decimal.Zero}
	case err != nil:
		return UpkeepResult{}, err
	default:
		balances = model.PoolBalances{Long: vt.LongBalance, Short: vt.ShortBalance}
	}
	res.Rebalance = vt

	sup, err := p.supplies(ctx)
	if err != nil {
		return UpkeepResult{}, err
	}
	longMinted, shortMinted := decimal.Zero, decimal.Zero
	last := p.lastPriceTimestamp
	for len(res.Executions) < ledger.MaxIterations && swap.IntervalPassed(now, last, ui) {
		ex, err := work.ExecuteForInterval(balances, sup)
		if err != nil {
			return UpkeepResult{}, err
		}
		balances = ex.Balances
		// Minted tokens join the supply the next interval is priced on.
		sup.Long = sup.Long.Add(ex.LongMinted)
		sup.Short = sup.Short.Add(ex.ShortMinted)
		longMinted = longMinted.Add(ex.LongMinted)
		shortMinted = shortMinted.Add(ex.ShortMinted)
		last += ui
		res.Executions = append(res.Executions, ex)
	}
	res.Backlog = swap.IntervalPassed(now, last, ui)

	pendingLong, pendingShort := work.PendingBurns()
	res.MintingFee = work.UpdateMintingFee(
		swap.Price(balances.Long, sup.Long.Add(pendingLong)),
		swap.Price(balances.Short, sup.Short.Add(pendingShort)),
	)
	res.Balances = balances
	res.LastPriceTimestamp = last

	if err := p.mintToPool(ctx, longMinted, shortMinted); err != nil {
		return UpkeepResult{}, err
	}

	totalFee := vt.LongFee.Add(vt.ShortFee)
	primary, secondary := swap.SplitFees(totalFee, p.params.SecondaryFeeSplitPercent, p.params.SecondaryFeeAddress != (common.Address{}))
	p.ledger = work
	p.balances = balances
	p.lastPriceTimestamp = last
	// A skipped price is never carried into the next upkeep.
	if !res.PriceChangeSkipped {
		p.lastExecutionPrice = newPrice
	}
	p.primaryFees = p.primaryFees.Add(primary)
	p.secondaryFees = p.secondaryFees.Add(secondary)

	p.afterUpkeep(ctx, res, totalFee)
	if err := p.verify(ctx); err != nil {
		p.halt(ctx, err)
	}
	return res, nil
}

// mintToPool issues the tokens executed mints created. The pool holds them
// until their owners claim. A failure burns back what was already minted.
func (p *Pool) mintToPool(ctx context.Context, long, short decimal.Decimal) error {
	if long.IsPositive() {
		if err := p.long.Mint(ctx, p.params.Address, p.params.Address, long); err != nil {
			return fmt.Errorf("mint long tokens: %w", err)
		}
	}
	if short.IsPositive() {
		if err := p.short.Mint(ctx, p.params.Address, p.params.Address, short); err != nil {
			if long.IsPositive() {
				if rerr := p.long.Burn(ctx, p.params.Address, p.params.Address, long); rerr != nil {
					p.logger.Error().Err(rerr).Msg("failed to roll back long mint")
				}
			}
			return fmt.Errorf("mint short tokens: %w", err)
		}
	}
	return nil
}

func (p *Pool) afterUpkeep(ctx context.Context, res UpkeepResult, totalFee decimal.Decimal) {
	if res.PriceChangeSkipped {
		p.logger.Warn().
			Str("old_price", res.OldPrice.String()).
			Str("new_price", res.NewPrice.String()).
			Msg("price change skipped")
		p.emit(ctx, events.PriceChangeError, events.RebalancePayload{OldPrice: res.OldPrice, NewPrice: res.NewPrice})
	} else {
		p.emit(ctx, events.PoolRebalance, events.RebalancePayload{
			OldPrice:     res.OldPrice,
			NewPrice:     res.NewPrice,
			LongBalance:  res.Rebalance.LongBalance,
			ShortBalance: res.Rebalance.ShortBalance,
			LongFee:      res.Rebalance.LongFee,
			ShortFee:     res.Rebalance.ShortFee,
		})
	}
	for _, ex := range res.Executions {
		p.emit(ctx, events.ExecutedCommitsForInterval, events.IntervalPayload{
			IntervalID:         ex.IntervalID,
			Prices:             ex.Prices,
			Fees:               ex.Fees,
			LongMinted:         ex.LongMinted,
			ShortMinted:        ex.ShortMinted,
			SettlementReleased: ex.SettlementReleased,
		})
	}
	p.emit(ctx, events.CompletedUpkeep, events.UpkeepPayload{
		OldPrice:           res.OldPrice,
		NewPrice:           res.NewPrice,
		IntervalsExecuted:  res.IntervalsExecuted(),
		UpdateIntervalID:   p.ledger.UpdateIntervalID(),
		LastPriceTimestamp: res.LastPriceTimestamp,
		MintingFee:         res.MintingFee,
		Backlog:            res.Backlog,
	})

	metrics.IntervalsExecuted.Add(float64(res.IntervalsExecuted()))
	if res.Backlog {
		metrics.UpkeepBacklog.Inc()
	}
	if totalFee.IsPositive() {
		metrics.FeesCollected.WithLabelValues(p.params.Address.Hex()).Add(metrics.Amount(totalFee))
	}
	p.observeBalances()

	p.logger.Info().
		Str("old_price", res.OldPrice.String()).
		Str("new_price", res.NewPrice.String()).
		Uint64("first_interval_id", res.FirstIntervalID).
		Int("intervals", res.IntervalsExecuted()).
		Str("long_balance", res.Balances.Long.String()).
		Str("short_balance", res.Balances.Short.String()).
		Bool("backlog", res.Backlog).
		Msg("upkeep completed")

	if p.journal != nil {
		rec := model.UpkeepRecord{
			ID:                 newRecordID(),
			Pool:               p.params.Address,
			OldPrice:           res.OldPrice,
			NewPrice:           res.NewPrice,
			FirstIntervalID:    res.FirstIntervalID,
			IntervalsExecuted:  res.IntervalsExecuted(),
			LongBalance:        res.Balances.Long,
			ShortBalance:       res.Balances.Short,
			LongFee:            res.Rebalance.LongFee,
			ShortFee:           res.Rebalance.ShortFee,
			PriceChangeSkipped: res.PriceChangeSkipped,
			LastPriceTimestamp: res.LastPriceTimestamp,
			Timestamp:          p.clock().UTC(),
		}
		if err := p.journal.InsertUpkeepRecord(ctx, rec); err != nil {
			p.logger.Error().Err(err).Str("id", rec.ID).Msg("failed to record upkeep")
		}
	}
	p.persist(ctx)
}
