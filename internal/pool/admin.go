package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/ledger"
	"github.com/perppool/pool-engine/internal/metrics"
	"github.com/perppool/pool-engine/internal/model"
)

// Snapshot is the complete persisted state of a pool. Token balances live
// in the token ledgers; only the pool-token supplies at save time are
// recorded, so in-memory ledgers can be reseeded on restart.
type Snapshot struct {
	Params             model.PoolParams   `json:"params"`
	Balances           model.PoolBalances `json:"balances"`
	Supplies           model.Supplies     `json:"supplies"`
	PrimaryFees        decimal.Decimal    `json:"primary_fees"`
	SecondaryFees      decimal.Decimal    `json:"secondary_fees"`
	LastPriceTimestamp uint64             `json:"last_price_timestamp"`
	LastExecutionPrice decimal.Decimal    `json:"last_execution_price"`
	Paused             bool               `json:"paused"`
	Ledger             ledger.State       `json:"ledger"`
	SavedAt            time.Time          `json:"saved_at"`
}

// SettlementHeld is the settlement the pool must hold for snap to balance.
func (s Snapshot) SettlementHeld() decimal.Decimal {
	return s.Balances.Long.
		Add(s.Balances.Short).
		Add(s.Ledger.PendingMintSettlement).
		Add(s.PrimaryFees).
		Add(s.SecondaryFees).
		Add(s.Ledger.ClaimableSettlement)
}

// Snapshot returns a copy of the pool's state.
func (p *Pool) Snapshot(ctx context.Context) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(ctx)
}

func (p *Pool) snapshot(ctx context.Context) Snapshot {
	sup, err := p.supplies(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("snapshot without token supplies")
	}
	params := p.params
	params.MintingFee = p.ledger.MintingFee()
	params.BurningFee = p.ledger.BurningFee()
	params.ChangeInterval = p.ledger.ChangeInterval()
	return Snapshot{
		Params:             params,
		Balances:           p.balances,
		Supplies:           sup,
		PrimaryFees:        p.primaryFees,
		SecondaryFees:      p.secondaryFees,
		LastPriceTimestamp: p.lastPriceTimestamp,
		LastExecutionPrice: p.lastExecutionPrice,
		Paused:             p.paused,
		Ledger:             p.ledger.State(),
		SavedAt:            p.clock().UTC(),
	}
}

func (p *Pool) applySnapshot(snap Snapshot) {
	p.ledger = ledger.FromState(snap.Ledger)
	p.balances = snap.Balances
	p.primaryFees = snap.PrimaryFees
	p.secondaryFees = snap.SecondaryFees
	p.lastPriceTimestamp = snap.LastPriceTimestamp
	p.lastExecutionPrice = snap.LastExecutionPrice
	p.paused = snap.Paused
	paused := 0.0
	if p.paused {
		paused = 1
	}
	metrics.PoolPaused.WithLabelValues(p.params.Address.Hex()).Set(paused)
	p.observeBalances()
}

// Restore replaces the pool's state with snap. Owner only.
func (p *Pool) Restore(ctx context.Context, snap Snapshot) error {
	if err := p.authz.Authorize(ctx, auth.RoleOwner); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Params.Address != p.params.Address {
		return fmt.Errorf("pool: snapshot is for %s, not %s", snap.Params.Address.Hex(), p.params.Address.Hex())
	}
	p.applySnapshot(snap)
	p.logger.Warn().Uint64("update_interval_id", p.ledger.UpdateIntervalID()).Msg("pool state restored")
	p.persist(ctx)
	return nil
}

// SetFees changes the minting and burning fees and the minting fee step.
// Fee controller only.
func (p *Pool) SetFees(ctx context.Context, mintingFee, burningFee, changeInterval decimal.Decimal) error {
	if err := p.authz.Authorize(ctx, auth.RoleFeeController); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ledger.SetFees(mintingFee, burningFee, changeInterval); err != nil {
		return err
	}
	p.logger.Info().
		Str("minting_fee", mintingFee.String()).
		Str("burning_fee", burningFee.String()).
		Str("change_interval", changeInterval.String()).
		Msg("fees changed")
	p.emit(ctx, events.FeesChanged, events.FeesPayload{MintingFee: mintingFee, BurningFee: burningFee})
	p.persist(ctx)
	return nil
}

// Pause stops commits, claims and upkeep. Invariant checker only.
func (p *Pool) Pause(ctx context.Context) error {
	if err := p.authz.Authorize(ctx, auth.RoleInvariantChecker); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPaused(ctx, true)
	return nil
}

// Unpause resumes a paused pool. Owner only.
func (p *Pool) Unpause(ctx context.Context) error {
	if err := p.authz.Authorize(ctx, auth.RoleOwner); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPaused(ctx, false)
	return nil
}

func (p *Pool) setPaused(ctx context.Context, paused bool) {
	if p.paused == paused {
		return
	}
	p.paused = paused
	t, v := events.Unpaused, 0.0
	if paused {
		t, v = events.Paused, 1
	}
	metrics.PoolPaused.WithLabelValues(p.params.Address.Hex()).Set(v)
	p.logger.Warn().Bool("paused", paused).Msg("pause state changed")
	p.emit(ctx, t, nil)
	p.persist(ctx)
}

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// CheckInvariants verifies that the pool's token holdings cover its
// accounting and pauses the pool when they do not. Invariant checker only.
func (p *Pool) CheckInvariants(ctx context.Context) error {
	if err := p.authz.Authorize(ctx, auth.RoleInvariantChecker); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.verify(ctx); err != nil {
		if !p.paused {
			p.halt(ctx, err)
			p.persist(ctx)
		}
		return err
	}
	return nil
}

// verify checks, against the token ledgers:
//
//	settlement held >= long + short + pending mints + fees + claimable
//	settlement owed to users <= claimable
//	pool tokens owed to users <= pool tokens held
func (p *Pool) verify(ctx context.Context) error {
	held, err := p.settlement.BalanceOf(ctx, p.params.Address)
	if err != nil {
		return err
	}
	accounted := p.balances.Long.
		Add(p.balances.Short).
		Add(p.ledger.PendingMintSettlement()).
		Add(p.primaryFees).
		Add(p.secondaryFees).
		Add(p.ledger.ClaimableSettlement())
	if held.LessThan(accounted) {
		return fmt.Errorf("%w: settlement held %s, accounted %s", ErrInvariantViolated, held, accounted)
	}
	// Transfers straight to the pool address are not pool value.
	if held.GreaterThan(accounted) {
		p.logger.Debug().Str("surplus", held.Sub(accounted).String()).Msg("settlement held above accounted")
	}
	owed := p.ledger.Owed()
	if owed.SettlementTokens.GreaterThan(p.ledger.ClaimableSettlement()) {
		return fmt.Errorf("%w: settlement owed %s exceeds claimable %s",
			ErrInvariantViolated, owed.SettlementTokens, p.ledger.ClaimableSettlement())
	}
	owed.SettlementTokens = decimal.Zero
	return p.checkHoldings(ctx, owed)
}

// ClaimPrimaryFees pays accrued primary fees to the primary fee address.
func (p *Pool) ClaimPrimaryFees(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimFees(ctx, &p.primaryFees, p.params.PrimaryFeeAddress)
}

// ClaimSecondaryFees pays accrued secondary fees to the secondary fee
// address.
func (p *Pool) ClaimSecondaryFees(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.params.SecondaryFeeAddress == (common.Address{}) {
		return decimal.Zero, fmt.Errorf("%w: secondary fee address", ErrZeroAddress)
	}
	return p.claimFees(ctx, &p.secondaryFees, p.params.SecondaryFeeAddress)
}

func (p *Pool) claimFees(ctx context.Context, accrued *decimal.Decimal, to common.Address) (decimal.Decimal, error) {
	if p.paused {
		return decimal.Zero, ErrPaused
	}
	amount := *accrued
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	*accrued = decimal.Zero
	if err := p.settlement.Transfer(ctx, p.params.Address, to, amount); err != nil {
		*accrued = amount
		return decimal.Zero, fmt.Errorf("transfer fees: %w", err)
	}
	p.logger.Info().Str("receiver", to.Hex()).Str("amount", amount.String()).Msg("fees claimed")
	p.emit(ctx, events.FeesClaimed, events.FeesPayload{Receiver: to, Amount: amount})
	p.persist(ctx)
	return amount, nil
}
