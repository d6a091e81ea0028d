package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/fixed"
	"github.com/perppool/pool-engine/internal/ledger"
	"github.com/perppool/pool-engine/internal/metrics"
	"github.com/perppool/pool-engine/internal/model"
)

// Commit queues a mint, burn or flip for user.
//
// Wallet-funded mints pull settlement with TransferFrom, so the user must
// have approved the pool. Wallet-funded burns burn the user's pool tokens.
// Balance-funded requests draw on the user's aggregate balance, whose
// tokens and settlement the pool already holds.
func (p *Pool) Commit(ctx context.Context, user common.Address, req model.CommitRequest) (ledger.CommitResult, error) {
	if user == (common.Address{}) {
		return ledger.CommitResult{}, fmt.Errorf("%w: user", ErrZeroAddress)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return ledger.CommitResult{}, ErrPaused
	}
	if err := fixed.CheckAmount(req.Amount); err != nil {
		return ledger.CommitResult{}, err
	}
	if err := p.checkCommitFunds(ctx, user, req); err != nil {
		return ledger.CommitResult{}, err
	}

	res, err := p.ledger.Commit(user, req, ledger.Timing{
		Now:                  p.now(),
		LastPriceTimestamp:   p.lastPriceTimestamp,
		UpdateInterval:       p.params.UpdateInterval,
		FrontRunningInterval: p.params.FrontRunningInterval,
	})
	if err != nil {
		return ledger.CommitResult{}, err
	}
	if req.Type.IsMint() {
		if res.FeeSide == model.LongIndex {
			p.balances.Long = p.balances.Long.Add(res.MintingFee)
		} else {
			p.balances.Short = p.balances.Short.Add(res.MintingFee)
		}
	}

	if err := p.settleCommit(ctx, user, req); err != nil {
		err = fmt.Errorf("%w: %v", ErrTransferAfterWrite, err)
		p.halt(ctx, err)
		return ledger.CommitResult{}, err
	}

	p.logger.Info().
		Str("user", user.Hex()).
		Str("type", req.Type.String()).
		Str("amount", req.Amount.String()).
		Uint64("interval_id", res.IntervalID).
		Bool("from_aggregate_balance", req.FromAggregateBalance).
		Msg("commit accepted")
	metrics.CommitsTotal.WithLabelValues(req.Type.String()).Inc()
	p.observeBalances()
	p.emit(ctx, events.CreateCommit, events.CommitPayload{
		User:                 user,
		IntervalID:           res.IntervalID,
		CommitType:           req.Type,
		Amount:               res.Amount,
		MintingFee:           res.MintingFee,
		FromAggregateBalance: req.FromAggregateBalance,
		PayForClaim:          req.PayForClaim,
	})
	p.record(ctx, model.CommitRecord{
		ID:                   newRecordID(),
		Pool:                 p.params.Address,
		User:                 user,
		Type:                 req.Type,
		Amount:               req.Amount,
		IntervalID:           res.IntervalID,
		FromAggregateBalance: req.FromAggregateBalance,
		MintingFee:           res.MintingFee,
		Timestamp:            p.clock().UTC(),
	})
	p.persist(ctx)
	return res, nil
}

// checkCommitFunds verifies the token side of a commit before any state is
// written, so the transfers that follow the bookkeeping cannot fail.
func (p *Pool) checkCommitFunds(ctx context.Context, user common.Address, req model.CommitRequest) error {
	if !req.Type.Valid() || !req.Amount.IsPositive() {
		// The ledger reports these.
		return nil
	}
	switch {
	case req.Type.IsMint() && !req.FromAggregateBalance:
		bal, err := p.settlement.BalanceOf(ctx, user)
		if err != nil {
			return err
		}
		if bal.LessThan(req.Amount) {
			return fmt.Errorf("%w: %s settlement, need %s", ErrInsufficientFunds, bal, req.Amount)
		}
		allowed, err := p.settlement.Allowance(ctx, user, p.params.Address)
		if err != nil {
			return err
		}
		if allowed.LessThan(req.Amount) {
			return fmt.Errorf("%w: %s approved, need %s", ErrInsufficientAllowance, allowed, req.Amount)
		}
	case req.Type.IsBurn():
		holder := user
		if req.FromAggregateBalance {
			holder = p.params.Address
		}
		bal, err := p.sideToken(req.Type.BurnSide()).BalanceOf(ctx, holder)
		if err != nil {
			return err
		}
		if bal.LessThan(req.Amount) {
			if req.FromAggregateBalance {
				// The ledger rejects this when the user's balance is short;
				// the pool's own holding being short is an inconsistency.
				return nil
			}
			return fmt.Errorf("%w: %s pool tokens, need %s", ErrInsufficientFunds, bal, req.Amount)
		}
	}
	return nil
}

func (p *Pool) settleCommit(ctx context.Context, user common.Address, req model.CommitRequest) error {
	switch {
	case req.Type.IsMint():
		if req.FromAggregateBalance {
			return nil
		}
		return p.settlement.TransferFrom(ctx, p.params.Address, user, p.params.Address, req.Amount)
	case req.FromAggregateBalance:
		return p.sideToken(req.Type.BurnSide()).Burn(ctx, p.params.Address, p.params.Address, req.Amount)
	default:
		return p.sideToken(req.Type.BurnSide()).Burn(ctx, p.params.Address, user, req.Amount)
	}
}

// Aggregate folds the user's matured commitments into their balance.
func (p *Pool) Aggregate(ctx context.Context, user common.Address) (ledger.AggregateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return ledger.AggregateResult{}, ErrPaused
	}
	res := p.ledger.Aggregate(user)
	if len(res.Processed) > 0 {
		p.emit(ctx, events.AggregateBalanceUpdated, events.ClaimPayload{User: user, Balance: res.Balance})
		p.persist(ctx)
	}
	if res.Remaining > 0 {
		metrics.AggregateBacklog.Inc()
	}
	return res, nil
}

// ReadAggregate previews Aggregate without changing state.
func (p *Pool) ReadAggregate(user common.Address) ledger.AggregateResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.ReadAggregate(user)
}

// Claim aggregates the user and pays out their whole balance: long and
// short pool tokens and settlement.
func (p *Pool) Claim(ctx context.Context, user common.Address) (model.Balance, error) {
	if user == (common.Address{}) {
		return model.Balance{}, fmt.Errorf("%w: user", ErrZeroAddress)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return model.Balance{}, ErrPaused
	}

	preview := p.ledger.ReadAggregate(user).Balance
	if err := p.checkHoldings(ctx, preview); err != nil {
		p.halt(ctx, err)
		return model.Balance{}, err
	}

	claimed, agg := p.ledger.Claim(user)
	if claimed.IsZero() {
		return claimed, nil
	}
	if err := p.payOut(ctx, user, claimed); err != nil {
		err = fmt.Errorf("%w: %v", ErrTransferAfterWrite, err)
		p.halt(ctx, err)
		return model.Balance{}, err
	}
	if agg.Remaining > 0 {
		metrics.AggregateBacklog.Inc()
	}

	p.logger.Info().
		Str("user", user.Hex()).
		Str("long_tokens", claimed.LongTokens.String()).
		Str("short_tokens", claimed.ShortTokens.String()).
		Str("settlement", claimed.SettlementTokens.String()).
		Msg("claimed")
	p.emit(ctx, events.Claim, events.ClaimPayload{User: user, Balance: claimed})
	p.persist(ctx)
	return claimed, nil
}

// checkHoldings confirms the pool holds enough to pay b.
func (p *Pool) checkHoldings(ctx context.Context, b model.Balance) error {
	checks := []struct {
		name   string
		ledger interface {
			BalanceOf(context.Context, common.Address) (decimal.Decimal, error)
		}
		amount decimal.Decimal
	}{
		{"long", p.long, b.LongTokens},
		{"short", p.short, b.ShortTokens},
		{"settlement", p.settlement, b.SettlementTokens},
	}
	for _, c := range checks {
		if !c.amount.IsPositive() {
			continue
		}
		held, err := c.ledger.BalanceOf(ctx, p.params.Address)
		if err != nil {
			return err
		}
		if held.LessThan(c.amount) {
			return fmt.Errorf("%w: pool holds %s %s, owes %s", ErrInvariantViolated, held, c.name, c.amount)
		}
	}
	return nil
}

func (p *Pool) payOut(ctx context.Context, user common.Address, b model.Balance) error {
	var errs []error
	if b.LongTokens.IsPositive() {
		errs = append(errs, p.long.Transfer(ctx, p.params.Address, user, b.LongTokens))
	}
	if b.ShortTokens.IsPositive() {
		errs = append(errs, p.short.Transfer(ctx, p.params.Address, user, b.ShortTokens))
	}
	if b.SettlementTokens.IsPositive() {
		errs = append(errs, p.settlement.Transfer(ctx, p.params.Address, user, b.SettlementTokens))
	}
	return errors.Join(errs...)
}

func (p *Pool) record(ctx context.Context, rec model.CommitRecord) {
	if p.journal == nil {
		return
	}
	if err := p.journal.InsertCommitRecord(ctx, rec); err != nil {
		p.logger.Error().Err(err).Str("id", rec.ID).Msg("failed to record commit")
	}
}
