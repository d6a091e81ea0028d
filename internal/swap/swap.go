// Package swap implements the pure price and balance math of a leveraged
// perpetual pool: token prices, mint and burn amounts, the value transfer
// applied on every price update, and the fee transitions.
//
// It is stateless: balances, supplies and rates are passed as arguments.
// Every amount returned is integral and truncated toward zero, so summing
// per-user shares computed at a recorded price can never exceed the total
// computed for the interval at the same price.
package swap

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/fixed"
)

var (
	// ErrPriceChange is returned when an oracle price is not positive. The
	// orchestrator treats it as recoverable and skips the rebalance.
	ErrPriceChange = errors.New("swap: oracle prices must be positive")

	// ErrTooManyPoolTokens is returned when a burn exceeds the tokens backed
	// by the side's balance.
	ErrTooManyPoolTokens = errors.New("swap: burn exceeds pool token supply")

	// ErrTimestampInPast is returned when a commit is timestamped before the
	// last price update.
	ErrTimestampInPast = errors.New("swap: timestamp precedes last price update")

	// MaxMintingFee caps the self-adjusting minting fee (100%).
	MaxMintingFee = decimal.NewFromInt(1)

	// MaxBurningFee caps the burning fee (10%).
	MaxBurningFee = decimal.RequireFromString("0.1")

	hundred = decimal.NewFromInt(100)
)

// Price returns balance / supply, or one when there is no supply yet.
func Price(balance, supply decimal.Decimal) decimal.Decimal {
	if supply.IsZero() {
		return fixed.One
	}
	p, _ := fixed.Div(balance, supply) // supply is non-zero
	return p
}

// Mint returns the pool tokens bought by settlement at price. A zero price
// (an emptied side) mints 1:1.
func Mint(price, settlement decimal.Decimal) decimal.Decimal {
	if settlement.IsZero() {
		return decimal.Zero
	}
	if price.IsZero() {
		return settlement
	}
	q, _ := fixed.Div(settlement, price) // price is non-zero
	return fixed.ToAmount(q)
}

// Burn returns the settlement paid out for tokens at price.
func Burn(price, tokens decimal.Decimal) decimal.Decimal {
	return fixed.ToAmount(tokens.Mul(price))
}

// MintAmount returns the tokens minted for settlementIn. Pending burns are
// added back to the supply: those tokens are already gone from circulation
// but their collateral is still in poolBalance.
func MintAmount(totalSupply, settlementIn, poolBalance, pendingBurnTokens decimal.Decimal) decimal.Decimal {
	price := Price(poolBalance, totalSupply.Add(pendingBurnTokens))
	return Mint(price, settlementIn)
}

// WithdrawAmountOnBurn returns the settlement released by burning
// burnTokens, priced with the same denominator as MintAmount.
func WithdrawAmountOnBurn(totalSupply, burnTokens, poolBalance, pendingBurnTokens decimal.Decimal) (decimal.Decimal, error) {
	backed := totalSupply.Add(pendingBurnTokens)
	if burnTokens.GreaterThan(backed) {
		return decimal.Zero, fmt.Errorf("%w: %s > %s", ErrTooManyPoolTokens, burnTokens, backed)
	}
	return Burn(Price(poolBalance, backed), burnTokens), nil
}

// ValueTransferInput is the state a price update is applied to.
type ValueTransferInput struct {
	LongBalance  decimal.Decimal
	ShortBalance decimal.Decimal
	Leverage     decimal.Decimal
	OldPrice     decimal.Decimal
	NewPrice     decimal.Decimal
	Fee          decimal.Decimal
}

// ValueTransferResult is the rebalanced state.
type ValueTransferResult struct {
	LongBalance  decimal.Decimal
	ShortBalance decimal.Decimal
	LongFee      decimal.Decimal
	ShortFee     decimal.Decimal
	// Transfer is the collateral moved to the winning side; positive when
	// longs gained, negative when shorts gained.
	Transfer decimal.Decimal
}

// ValueTransfer applies a price move to the pool balances.
//
// The per-upkeep fee is taken from each side first. The losing side then
// gives up leverage * |new/old - 1| of its remaining balance, capped at the
// whole balance, to the winning side.
func ValueTransfer(in ValueTransferInput) (ValueTransferResult, error) {
	if !in.OldPrice.IsPositive() || !in.NewPrice.IsPositive() {
		return ValueTransferResult{}, fmt.Errorf("%w: old=%s new=%s", ErrPriceChange, in.OldPrice, in.NewPrice)
	}

	res := ValueTransferResult{
		LongFee:  fixed.FeeOf(in.Fee, in.LongBalance),
		ShortFee: fixed.FeeOf(in.Fee, in.ShortBalance),
	}
	// fee < 1, so each fee is at most its balance.
	res.LongBalance = in.LongBalance.Sub(res.LongFee)
	res.ShortBalance = in.ShortBalance.Sub(res.ShortFee)

	ratio, err := fixed.Div(in.NewPrice, in.OldPrice)
	if err != nil {
		return ValueTransferResult{}, err
	}

	switch ratio.Cmp(fixed.One) {
	case 1:
		loss := lossAmount(res.ShortBalance, in.Leverage, ratio.Sub(fixed.One))
		res.ShortBalance = res.ShortBalance.Sub(loss)
		res.LongBalance = res.LongBalance.Add(loss)
		res.Transfer = loss
	case -1:
		loss := lossAmount(res.LongBalance, in.Leverage, fixed.One.Sub(ratio))
		res.LongBalance = res.LongBalance.Sub(loss)
		res.ShortBalance = res.ShortBalance.Add(loss)
		res.Transfer = loss.Neg()
	}
	return res, nil
}

func lossAmount(balance, leverage, move decimal.Decimal) decimal.Decimal {
	return fixed.Min(balance, fixed.ToAmount(balance.Mul(leverage).Mul(move)))
}

// BurnInstantMintSettlement prices a flip commitment: the burned tokens'
// settlement less the burning fee, less the minting fee on what remains.
// mintSettlement is what the other side receives to mint against.
func BurnInstantMintSettlement(burnTokens, price, burningFee, mintingFee decimal.Decimal) (mintSettlement, burnFee, mintFee decimal.Decimal) {
	gross := Burn(price, burnTokens)
	afterBurn := fixed.AfterFee(burningFee, gross)
	mintSettlement = fixed.AfterFee(mintingFee, afterBurn)
	return mintSettlement, gross.Sub(afterBurn), afterBurn.Sub(mintSettlement)
}

// NextMintingFee is the minting fee transition applied after every upkeep.
// A price product above one lowers the fee by changeInterval, anything else
// raises it; the result stays within [0, maxFee].
func NextMintingFee(current, longPrice, shortPrice, changeInterval, maxFee decimal.Decimal) decimal.Decimal {
	if longPrice.Mul(shortPrice).GreaterThan(fixed.One) {
		if current.LessThan(changeInterval) {
			return decimal.Zero
		}
		return decimal.Min(current.Sub(changeInterval), maxFee)
	}
	next := current.Add(changeInterval)
	if next.GreaterThan(maxFee) {
		return maxFee
	}
	return next
}

// IntervalPassed reports whether an upkeep is due.
func IntervalPassed(now, lastPriceTimestamp, updateInterval uint64) bool {
	return now >= lastPriceTimestamp+updateInterval
}

// AppropriateIntervalID returns the interval a commit made at now settles
// in. Commits inside the front-running window of the next upkeep are pushed
// back one interval; when the window is longer than an interval the commit
// lands as many intervals ahead as the window spans.
func AppropriateIntervalID(now, lastPriceTimestamp, frontRunningInterval, updateInterval, currentID uint64) (uint64, error) {
	if now < lastPriceTimestamp {
		return 0, fmt.Errorf("%w: %d < %d", ErrTimestampInPast, now, lastPriceTimestamp)
	}
	if frontRunningInterval <= updateInterval {
		if lastPriceTimestamp+updateInterval-frontRunningInterval > now {
			return currentID, nil
		}
		return currentID + 1, nil
	}
	minimumTime := now + frontRunningInterval
	return currentID + (minimumTime-lastPriceTimestamp)/updateInterval, nil
}

// SplitFees divides collected fees between the primary and secondary fee
// receivers. secondaryPercent must be at most 100.
func SplitFees(total decimal.Decimal, secondaryPercent uint8, hasSecondary bool) (primary, secondary decimal.Decimal) {
	if !hasSecondary || secondaryPercent == 0 {
		return total, decimal.Zero
	}
	secondary = fixed.ToAmount(total.Mul(decimal.NewFromInt(int64(secondaryPercent))).Div(hundred))
	// secondaryPercent <= 100, so secondary <= total.
	return total.Sub(secondary), secondary
}
