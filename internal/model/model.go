// Package model defines the core domain types shared across the pool engine.
// All monetary values use shopspring/decimal, never float64.
// Token amounts are integral base units; prices and fees are ratios.
package model

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side indices, matching the order pool tokens are deployed in.
const (
	LongIndex  = 0
	ShortIndex = 1
)

// CommitType is the kind of deferred request a user queues against a pool.
type CommitType uint8

const (
	ShortMint CommitType = iota
	ShortBurn
	LongMint
	LongBurn
	LongBurnShortMint
	ShortBurnLongMint
)

var commitTypeNames = map[CommitType]string{
	ShortMint:         "ShortMint",
	ShortBurn:         "ShortBurn",
	LongMint:          "LongMint",
	LongBurn:          "LongBurn",
	LongBurnShortMint: "LongBurnShortMint",
	ShortBurnLongMint: "ShortBurnLongMint",
}

func (c CommitType) String() string {
	if s, ok := commitTypeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CommitType(%d)", uint8(c))
}

// Valid reports whether c is a known commit type.
func (c CommitType) Valid() bool {
	_, ok := commitTypeNames[c]
	return ok
}

// IsMint reports whether the commit pays settlement in.
func (c CommitType) IsMint() bool {
	return c == LongMint || c == ShortMint
}

// IsBurn reports whether the commit gives pool tokens up, flips included.
func (c CommitType) IsBurn() bool {
	return c == LongBurn || c == ShortBurn || c == LongBurnShortMint || c == ShortBurnLongMint
}

// BurnSide returns the token side a burn commit consumes.
func (c CommitType) BurnSide() int {
	if c == LongBurn || c == LongBurnShortMint {
		return LongIndex
	}
	return ShortIndex
}

// ParseCommitType maps a commit type name to its value.
func ParseCommitType(s string) (CommitType, error) {
	for k, v := range commitTypeNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown commit type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c CommitType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CommitType) UnmarshalText(b []byte) error {
	v, err := ParseCommitType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// CommitRequest is the decoded form of a commit call.
type CommitRequest struct {
	Type                 CommitType      `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	FromAggregateBalance bool            `json:"from_aggregate_balance"`
	// PayForClaim asks for a paid claim once the commit executes. No claim
	// service is attached; the flag is recorded and echoed in events only.
	PayForClaim          bool            `json:"pay_for_claim"`
}

// Commitment holds the six per-interval accumulators. It is used both for
// the pool-wide total of an interval and for a single user's share of it.
type Commitment struct {
	LongMintSettlement          decimal.Decimal `json:"long_mint_settlement"`
	ShortMintSettlement         decimal.Decimal `json:"short_mint_settlement"`
	LongBurnPoolTokens          decimal.Decimal `json:"long_burn_pool_tokens"`
	ShortBurnPoolTokens         decimal.Decimal `json:"short_burn_pool_tokens"`
	LongBurnShortMintPoolTokens decimal.Decimal `json:"long_burn_short_mint_pool_tokens"`
	ShortBurnLongMintPoolTokens decimal.Decimal `json:"short_burn_long_mint_pool_tokens"`
}

// Add accumulates amount into the field selected by commit type.
func (c *Commitment) Add(t CommitType, amount decimal.Decimal) {
	switch t {
	case LongMint:
		c.LongMintSettlement = c.LongMintSettlement.Add(amount)
	case ShortMint:
		c.ShortMintSettlement = c.ShortMintSettlement.Add(amount)
	case LongBurn:
		c.LongBurnPoolTokens = c.LongBurnPoolTokens.Add(amount)
	case ShortBurn:
		c.ShortBurnPoolTokens = c.ShortBurnPoolTokens.Add(amount)
	case LongBurnShortMint:
		c.LongBurnShortMintPoolTokens = c.LongBurnShortMintPoolTokens.Add(amount)
	case ShortBurnLongMint:
		c.ShortBurnLongMintPoolTokens = c.ShortBurnLongMintPoolTokens.Add(amount)
	}
}

// IsZero reports whether every accumulator is zero.
func (c Commitment) IsZero() bool {
	return c.LongMintSettlement.IsZero() && c.ShortMintSettlement.IsZero() &&
		c.LongBurnPoolTokens.IsZero() && c.ShortBurnPoolTokens.IsZero() &&
		c.LongBurnShortMintPoolTokens.IsZero() && c.ShortBurnLongMintPoolTokens.IsZero()
}

// Prices is the settlement price pair fixed when an interval executes.
type Prices struct {
	LongPrice  decimal.Decimal `json:"long_price"`
	ShortPrice decimal.Decimal `json:"short_price"`
}

// FeeHistory records the fee rates in effect when an interval executed.
type FeeHistory struct {
	BurningFee decimal.Decimal `json:"burning_fee"`
	MintingFee decimal.Decimal `json:"minting_fee"`
}

// Balance is a user's settled, claimable holdings.
type Balance struct {
	LongTokens       decimal.Decimal `json:"long_tokens"`
	ShortTokens      decimal.Decimal `json:"short_tokens"`
	SettlementTokens decimal.Decimal `json:"settlement_tokens"`
}

// Add returns b + o.
func (b Balance) Add(o Balance) Balance {
	return Balance{
		LongTokens:       b.LongTokens.Add(o.LongTokens),
		ShortTokens:      b.ShortTokens.Add(o.ShortTokens),
		SettlementTokens: b.SettlementTokens.Add(o.SettlementTokens),
	}
}

// IsZero reports whether nothing is claimable.
func (b Balance) IsZero() bool {
	return b.LongTokens.IsZero() && b.ShortTokens.IsZero() && b.SettlementTokens.IsZero()
}

// PoolParams are the immutable parameters a pool is deployed with.
type PoolParams struct {
	Name                     string          `json:"name"`
	Address                  common.Address  `json:"address"`
	SettlementToken          common.Address  `json:"settlement_token"`
	LongToken                common.Address  `json:"long_token"`
	ShortToken               common.Address  `json:"short_token"`
	Leverage                 decimal.Decimal `json:"leverage"`
	Fee                      decimal.Decimal `json:"fee"`
	UpdateInterval           uint64          `json:"update_interval"`
	FrontRunningInterval     uint64          `json:"front_running_interval"`
	PrimaryFeeAddress        common.Address  `json:"primary_fee_address"`
	SecondaryFeeAddress      common.Address  `json:"secondary_fee_address"`
	SecondaryFeeSplitPercent uint8           `json:"secondary_fee_split_percent"`
	MintingFee               decimal.Decimal `json:"minting_fee"`
	BurningFee               decimal.Decimal `json:"burning_fee"`
	ChangeInterval           decimal.Decimal `json:"change_interval"`
}

// PoolBalances is the collateral split between the two sides.
type PoolBalances struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// Supplies is the circulating pool-token supply per side.
type Supplies struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// PoolSummary is the read model served to clients.
type PoolSummary struct {
	Address               common.Address  `json:"address"`
	Name                  string          `json:"name"`
	LongBalance           decimal.Decimal `json:"long_balance"`
	ShortBalance          decimal.Decimal `json:"short_balance"`
	LongSupply            decimal.Decimal `json:"long_supply"`
	ShortSupply           decimal.Decimal `json:"short_supply"`
	LongPrice             decimal.Decimal `json:"long_price"`
	ShortPrice            decimal.Decimal `json:"short_price"`
	Leverage              decimal.Decimal `json:"leverage"`
	Fee                   decimal.Decimal `json:"fee"`
	MintingFee            decimal.Decimal `json:"minting_fee"`
	BurningFee            decimal.Decimal `json:"burning_fee"`
	PrimaryFees           decimal.Decimal `json:"primary_fees"`
	SecondaryFees         decimal.Decimal `json:"secondary_fees"`
	PendingMintSettlement decimal.Decimal `json:"pending_mint_settlement"`
	UpdateIntervalID      uint64          `json:"update_interval_id"`
	LastPriceTimestamp    uint64          `json:"last_price_timestamp"`
	UpdateInterval        uint64          `json:"update_interval"`
	FrontRunningInterval  uint64          `json:"front_running_interval"`
	Paused                bool            `json:"paused"`
}

// UpkeepRecord is an immutable log entry of one completed upkeep.
type UpkeepRecord struct {
	ID                 string          `json:"id" db:"id"`
	Pool               common.Address  `json:"pool" db:"pool"`
	OldPrice           decimal.Decimal `json:"old_price" db:"old_price"`
	NewPrice           decimal.Decimal `json:"new_price" db:"new_price"`
	FirstIntervalID    uint64          `json:"first_interval_id" db:"first_interval_id"`
	IntervalsExecuted  int             `json:"intervals_executed" db:"intervals_executed"`
	LongBalance        decimal.Decimal `json:"long_balance" db:"long_balance"`
	ShortBalance       decimal.Decimal `json:"short_balance" db:"short_balance"`
	LongFee            decimal.Decimal `json:"long_fee" db:"long_fee"`
	ShortFee           decimal.Decimal `json:"short_fee" db:"short_fee"`
	PriceChangeSkipped bool            `json:"price_change_skipped" db:"price_change_skipped"`
	LastPriceTimestamp uint64          `json:"last_price_timestamp" db:"last_price_timestamp"`
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
}

// CommitRecord is an immutable log entry of one accepted commit.
type CommitRecord struct {
	ID                   string          `json:"id" db:"id"`
	Pool                 common.Address  `json:"pool" db:"pool"`
	User                 common.Address  `json:"user" db:"user_address"`
	Type                 CommitType      `json:"type" db:"commit_type"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	IntervalID           uint64          `json:"interval_id" db:"interval_id"`
	FromAggregateBalance bool            `json:"from_aggregate_balance" db:"from_aggregate_balance"`
	MintingFee           decimal.Decimal `json:"minting_fee" db:"minting_fee"`
	Timestamp            time.Time       `json:"timestamp" db:"timestamp"`
}
