// Package ledger is the commitment ledger of a pool: it queues mint, burn
// and flip requests per update interval, executes them at the interval's
// recorded prices, and folds each user's matured commitments into a
// claimable balance.
//
// A Ledger is not safe for concurrent use; the owning pool serialises
// access. Every mutating method validates before it writes, so a returned
// error leaves the ledger unchanged.
package ledger

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/fixed"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/swap"
)

// MaxIterations bounds the work done by one aggregation or upkeep call.
const MaxIterations = 15

var (
	ErrZeroAmount             = errors.New("ledger: amount must be positive")
	ErrInvalidCommitType      = errors.New("ledger: invalid commit type")
	ErrInsufficientTokens     = errors.New("ledger: insufficient pool tokens in aggregate balance")
	ErrInsufficientSettlement = errors.New("ledger: insufficient settlement in aggregate balance")
	ErrFeeTooHigh             = errors.New("ledger: fee exceeds maximum")
	ErrNegativeFee            = errors.New("ledger: fee must not be negative")
)

// State is the complete ledger state. It is exported so pools can be
// snapshotted and restored as JSON.
type State struct {
	UpdateIntervalID      uint64                        `json:"update_interval_id"`
	MintingFee            decimal.Decimal               `json:"minting_fee"`
	BurningFee            decimal.Decimal               `json:"burning_fee"`
	ChangeInterval        decimal.Decimal               `json:"change_interval"`
	PendingLongBurn       decimal.Decimal               `json:"pending_long_burn_pool_tokens"`
	PendingShortBurn      decimal.Decimal               `json:"pending_short_burn_pool_tokens"`
	PendingMintSettlement decimal.Decimal               `json:"pending_mint_settlement"`
	ClaimableSettlement   decimal.Decimal               `json:"claimable_settlement"`
	Totals                map[uint64]model.Commitment   `json:"totals"`
	Prices                map[uint64]model.Prices       `json:"prices"`
	FeeHistory            map[uint64]model.FeeHistory   `json:"fee_history"`
	Users                 map[common.Address]*UserState `json:"users"`
}

// UserState is one user's balance and outstanding commitments.
type UserState struct {
	Balance      model.Balance               `json:"balance"`
	Commitments  map[uint64]model.Commitment `json:"commitments"`
	Unaggregated []uint64                    `json:"unaggregated"`
}

// Ledger holds the commitment state of one pool.
type Ledger struct {
	s State
}

// New creates an empty ledger. Interval IDs start at 1.
func New(mintingFee, burningFee, changeInterval decimal.Decimal) (*Ledger, error) {
	if err := validateFees(mintingFee, burningFee, changeInterval); err != nil {
		return nil, err
	}
	return &Ledger{s: State{
		UpdateIntervalID: 1,
		MintingFee:       mintingFee,
		BurningFee:       burningFee,
		ChangeInterval:   changeInterval,
		Totals:           make(map[uint64]model.Commitment),
		Prices:           make(map[uint64]model.Prices),
		FeeHistory:       make(map[uint64]model.FeeHistory),
		Users:            make(map[common.Address]*UserState),
	}}, nil
}

// FromState rebuilds a ledger from a snapshot.
func FromState(s State) *Ledger {
	l := &Ledger{s: cloneState(s)}
	if l.s.UpdateIntervalID == 0 {
		l.s.UpdateIntervalID = 1
	}
	return l
}

// State returns a deep copy of the ledger state.
func (l *Ledger) State() State {
	return cloneState(l.s)
}

// Clone returns an independent copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{s: cloneState(l.s)}
}

func validateFees(mintingFee, burningFee, changeInterval decimal.Decimal) error {
	if mintingFee.IsNegative() || burningFee.IsNegative() || changeInterval.IsNegative() {
		return ErrNegativeFee
	}
	if mintingFee.GreaterThan(swap.MaxMintingFee) {
		return fmt.Errorf("%w: minting fee %s > %s", ErrFeeTooHigh, mintingFee, swap.MaxMintingFee)
	}
	if burningFee.GreaterThan(swap.MaxBurningFee) {
		return fmt.Errorf("%w: burning fee %s > %s", ErrFeeTooHigh, burningFee, swap.MaxBurningFee)
	}
	if changeInterval.GreaterThan(swap.MaxMintingFee) {
		return fmt.Errorf("%w: change interval %s > %s", ErrFeeTooHigh, changeInterval, swap.MaxMintingFee)
	}
	return nil
}

// SetFees replaces the minting fee, burning fee and change interval.
func (l *Ledger) SetFees(mintingFee, burningFee, changeInterval decimal.Decimal) error {
	if err := validateFees(mintingFee, burningFee, changeInterval); err != nil {
		return err
	}
	l.s.MintingFee = mintingFee
	l.s.BurningFee = burningFee
	l.s.ChangeInterval = changeInterval
	return nil
}

// UpdateMintingFee applies the self-adjusting fee transition after an
// upkeep and returns the new rate.
func (l *Ledger) UpdateMintingFee(longPrice, shortPrice decimal.Decimal) decimal.Decimal {
	l.s.MintingFee = swap.NextMintingFee(l.s.MintingFee, longPrice, shortPrice, l.s.ChangeInterval, swap.MaxMintingFee)
	return l.s.MintingFee
}

func (l *Ledger) UpdateIntervalID() uint64 { return l.s.UpdateIntervalID }

func (l *Ledger) MintingFee() decimal.Decimal { return l.s.MintingFee }

func (l *Ledger) BurningFee() decimal.Decimal { return l.s.BurningFee }

func (l *Ledger) ChangeInterval() decimal.Decimal { return l.s.ChangeInterval }

func (l *Ledger) PendingMintSettlement() decimal.Decimal { return l.s.PendingMintSettlement }

func (l *Ledger) ClaimableSettlement() decimal.Decimal { return l.s.ClaimableSettlement }

// PendingBurns returns the pool tokens burned at commit time whose
// collateral has not been released yet.
func (l *Ledger) PendingBurns() (long, short decimal.Decimal) {
	return l.s.PendingLongBurn, l.s.PendingShortBurn
}

// PricesAt returns the prices recorded when interval id executed.
func (l *Ledger) PricesAt(id uint64) (model.Prices, bool) {
	p, ok := l.s.Prices[id]
	return p, ok
}

// FeesAt returns the fee rates recorded when interval id executed.
func (l *Ledger) FeesAt(id uint64) (model.FeeHistory, bool) {
	f, ok := l.s.FeeHistory[id]
	return f, ok
}

// TotalPending returns the pool-wide commitment queued for interval id.
func (l *Ledger) TotalPending(id uint64) model.Commitment {
	return l.s.Totals[id]
}

// Balance returns the user's stored balance without aggregating.
func (l *Ledger) Balance(user common.Address) model.Balance {
	if us, ok := l.s.Users[user]; ok {
		return us.Balance
	}
	return model.Balance{}
}

// PendingCommit is a user commitment that has not been aggregated yet.
type PendingCommit struct {
	IntervalID uint64           `json:"interval_id"`
	Matured    bool             `json:"matured"`
	Commitment model.Commitment `json:"commitment"`
}

// PendingCommits lists the user's outstanding commitments, oldest first.
func (l *Ledger) PendingCommits(user common.Address) []PendingCommit {
	us, ok := l.s.Users[user]
	if !ok {
		return nil
	}
	ids := slices.Clone(us.Unaggregated)
	slices.Sort(ids)
	out := make([]PendingCommit, 0, len(ids))
	for _, id := range ids {
		out = append(out, PendingCommit{
			IntervalID: id,
			Matured:    id < l.s.UpdateIntervalID,
			Commitment: us.Commitments[id],
		})
	}
	return out
}

// Users returns every user the ledger tracks.
func (l *Ledger) Users() []common.Address {
	out := make([]common.Address, 0, len(l.s.Users))
	for u := range l.s.Users {
		out = append(out, u)
	}
	return out
}

// Timing is the pool clock a commit is routed against.
type Timing struct {
	Now                  uint64
	LastPriceTimestamp   uint64
	UpdateInterval       uint64
	FrontRunningInterval uint64
}

// CommitResult describes an accepted commit. The pool performs the token
// movements it implies after the ledger has been updated.
type CommitResult struct {
	IntervalID uint64
	Type       model.CommitType
	// Amount is what was queued: settlement net of the minting fee for
	// mints, pool tokens for burns and flips.
	Amount decimal.Decimal
	// Gross is the amount the user committed.
	Gross decimal.Decimal
	// MintingFee is charged on mints and credited to the minted side.
	MintingFee decimal.Decimal
	FeeSide    int
	// Aggregated is what was folded into the user's balance first.
	Aggregated           AggregateResult
	FromAggregateBalance bool
	PayForClaim          bool
}

// Commit queues a request for the interval its timestamp falls in.
//
// The user is aggregated first so balance-funded commits see every matured
// result. Mints pay the current minting fee up front; the net settlement is
// held as pending mint settlement until the interval executes. Burned pool
// tokens leave circulation immediately and are tracked as pending burns.
func (l *Ledger) Commit(user common.Address, req model.CommitRequest, t Timing) (CommitResult, error) {
	if !req.Type.Valid() {
		return CommitResult{}, fmt.Errorf("%w: %d", ErrInvalidCommitType, uint8(req.Type))
	}
	if err := fixed.CheckAmount(req.Amount); err != nil {
		return CommitResult{}, err
	}
	if !req.Amount.IsPositive() {
		return CommitResult{}, ErrZeroAmount
	}
	id, err := swap.AppropriateIntervalID(t.Now, t.LastPriceTimestamp, t.FrontRunningInterval, t.UpdateInterval, l.s.UpdateIntervalID)
	if err != nil {
		return CommitResult{}, err
	}

	plan := l.planAggregate(user)
	balance := l.Balance(user).Add(plan.delta)

	res := CommitResult{
		IntervalID:           id,
		Type:                 req.Type,
		Gross:                req.Amount,
		Amount:               req.Amount,
		MintingFee:           decimal.Zero,
		Aggregated:           plan.result(balance),
		FromAggregateBalance: req.FromAggregateBalance,
		PayForClaim:          req.PayForClaim,
	}

	if req.FromAggregateBalance {
		switch {
		case req.Type.IsMint():
			if balance.SettlementTokens.LessThan(req.Amount) {
				return CommitResult{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientSettlement, balance.SettlementTokens, req.Amount)
			}
			balance.SettlementTokens = balance.SettlementTokens.Sub(req.Amount)
		case req.Type.BurnSide() == model.LongIndex:
			if balance.LongTokens.LessThan(req.Amount) {
				return CommitResult{}, fmt.Errorf("%w: have %s long, need %s", ErrInsufficientTokens, balance.LongTokens, req.Amount)
			}
			balance.LongTokens = balance.LongTokens.Sub(req.Amount)
		default:
			if balance.ShortTokens.LessThan(req.Amount) {
				return CommitResult{}, fmt.Errorf("%w: have %s short, need %s", ErrInsufficientTokens, balance.ShortTokens, req.Amount)
			}
			balance.ShortTokens = balance.ShortTokens.Sub(req.Amount)
		}
	}

	if req.Type.IsMint() {
		res.MintingFee = fixed.FeeOf(l.s.MintingFee, req.Amount)
		res.Amount = req.Amount.Sub(res.MintingFee)
		res.FeeSide = model.LongIndex
		if req.Type == model.ShortMint {
			res.FeeSide = model.ShortIndex
		}
	}

	// Everything validated; write.
	us := l.applyAggregate(user, plan)
	us.Balance = balance
	if req.FromAggregateBalance && req.Type.IsMint() {
		l.s.ClaimableSettlement = l.s.ClaimableSettlement.Sub(req.Amount)
	}

	total := l.s.Totals[id]
	total.Add(req.Type, res.Amount)
	l.s.Totals[id] = total

	uc, exists := us.Commitments[id]
	uc.Add(req.Type, res.Amount)
	us.Commitments[id] = uc
	if !exists {
		us.Unaggregated = append(us.Unaggregated, id)
	}

	switch {
	case req.Type.IsMint():
		l.s.PendingMintSettlement = l.s.PendingMintSettlement.Add(res.Amount)
	case req.Type.BurnSide() == model.LongIndex:
		l.s.PendingLongBurn = l.s.PendingLongBurn.Add(req.Amount)
	default:
		l.s.PendingShortBurn = l.s.PendingShortBurn.Add(req.Amount)
	}
	return res, nil
}

// Execution is the outcome of executing one interval.
type Execution struct {
	IntervalID uint64
	Prices     model.Prices
	Fees       model.FeeHistory
	Total      model.Commitment
	// Balances are the side balances after the interval's commitments.
	Balances model.PoolBalances
	// LongMinted and ShortMinted are the pool tokens the pool must mint to
	// itself; users claim them later.
	LongMinted  decimal.Decimal
	ShortMinted decimal.Decimal
	// SettlementReleased is the burn proceeds set aside for claims.
	SettlementReleased decimal.Decimal
	LongBurnFee        decimal.Decimal
	ShortBurnFee       decimal.Decimal
}

// ExecuteForInterval executes the current interval against the given side
// balances and circulating supplies, then advances the interval ID.
//
// Prices are fixed from the balances before anything moves. Flips resolve
// first (long to short, then short to long), then the straight long mint,
// long burn, short mint and short burn. Burning fees stay on the burned
// side; a flip's minting fee stays on the side it mints into.
func (l *Ledger) ExecuteForInterval(balances model.PoolBalances, supplies model.Supplies) (Execution, error) {
	id := l.s.UpdateIntervalID
	c := l.s.Totals[id]
	fees := model.FeeHistory{BurningFee: l.s.BurningFee, MintingFee: l.s.MintingFee}

	longBacked := supplies.Long.Add(l.s.PendingLongBurn)
	shortBacked := supplies.Short.Add(l.s.PendingShortBurn)
	prices := model.Prices{
		LongPrice:  swap.Price(balances.Long, longBacked),
		ShortPrice: swap.Price(balances.Short, shortBacked),
	}

	longBurnTotal := c.LongBurnPoolTokens.Add(c.LongBurnShortMintPoolTokens)
	shortBurnTotal := c.ShortBurnPoolTokens.Add(c.ShortBurnLongMintPoolTokens)
	if _, err := swap.WithdrawAmountOnBurn(supplies.Long, longBurnTotal, balances.Long, l.s.PendingLongBurn); err != nil {
		return Execution{}, fmt.Errorf("interval %d long: %w", id, err)
	}
	if _, err := swap.WithdrawAmountOnBurn(supplies.Short, shortBurnTotal, balances.Short, l.s.PendingShortBurn); err != nil {
		return Execution{}, fmt.Errorf("interval %d short: %w", id, err)
	}
	if l.s.PendingLongBurn.LessThan(longBurnTotal) || l.s.PendingShortBurn.LessThan(shortBurnTotal) {
		return Execution{}, fmt.Errorf("interval %d: %w: pending burns below queued burns", id, fixed.ErrUnderflow)
	}
	mintTotal := c.LongMintSettlement.Add(c.ShortMintSettlement)
	if l.s.PendingMintSettlement.LessThan(mintTotal) {
		return Execution{}, fmt.Errorf("interval %d: %w: pending mint settlement below queued mints", id, fixed.ErrUnderflow)
	}

	long, short := balances.Long, balances.Short
	ex := Execution{IntervalID: id, Prices: prices, Fees: fees, Total: c}

	// Long to short flip.
	longFlipMint, longFlipBurnFee, longFlipMintFee := swap.BurnInstantMintSettlement(
		c.LongBurnShortMintPoolTokens, prices.LongPrice, fees.BurningFee, fees.MintingFee)
	longFlipMoved := longFlipMint.Add(longFlipMintFee)
	long = long.Sub(longFlipMoved)
	short = short.Add(longFlipMoved)
	ex.LongBurnFee = longFlipBurnFee

	// Short to long flip.
	shortFlipMint, shortFlipBurnFee, shortFlipMintFee := swap.BurnInstantMintSettlement(
		c.ShortBurnLongMintPoolTokens, prices.ShortPrice, fees.BurningFee, fees.MintingFee)
	shortFlipMoved := shortFlipMint.Add(shortFlipMintFee)
	short = short.Sub(shortFlipMoved)
	long = long.Add(shortFlipMoved)
	ex.ShortBurnFee = shortFlipBurnFee

	// Long mint.
	ex.LongMinted = swap.Mint(prices.LongPrice, c.LongMintSettlement).Add(swap.Mint(prices.LongPrice, shortFlipMint))
	long = long.Add(c.LongMintSettlement)

	// Long burn.
	longGross := swap.Burn(prices.LongPrice, c.LongBurnPoolTokens)
	longNet := fixed.AfterFee(fees.BurningFee, longGross)
	long = long.Sub(longNet)
	ex.LongBurnFee = ex.LongBurnFee.Add(longGross.Sub(longNet))

	// Short mint.
	ex.ShortMinted = swap.Mint(prices.ShortPrice, c.ShortMintSettlement).Add(swap.Mint(prices.ShortPrice, longFlipMint))
	short = short.Add(c.ShortMintSettlement)

	// Short burn.
	shortGross := swap.Burn(prices.ShortPrice, c.ShortBurnPoolTokens)
	shortNet := fixed.AfterFee(fees.BurningFee, shortGross)
	short = short.Sub(shortNet)
	ex.ShortBurnFee = ex.ShortBurnFee.Add(shortGross.Sub(shortNet))

	if long.IsNegative() || short.IsNegative() {
		return Execution{}, fmt.Errorf("interval %d: %w: long=%s short=%s", id, fixed.ErrUnderflow, long, short)
	}

	ex.Balances = model.PoolBalances{Long: long, Short: short}
	ex.SettlementReleased = longNet.Add(shortNet)

	l.s.Prices[id] = prices
	l.s.FeeHistory[id] = fees
	l.s.PendingMintSettlement = l.s.PendingMintSettlement.Sub(mintTotal)
	l.s.PendingLongBurn = l.s.PendingLongBurn.Sub(longBurnTotal)
	l.s.PendingShortBurn = l.s.PendingShortBurn.Sub(shortBurnTotal)
	l.s.ClaimableSettlement = l.s.ClaimableSettlement.Add(ex.SettlementReleased)
	delete(l.s.Totals, id)
	l.s.UpdateIntervalID = id + 1
	return ex, nil
}

// AggregateResult reports one aggregation pass.
type AggregateResult struct {
	Balance   model.Balance
	Processed []uint64
	// Remaining counts matured commitments left for a later call.
	Remaining int
}

type aggregation struct {
	delta     model.Balance
	matured   []uint64
	remaining int
}

func (a aggregation) result(balance model.Balance) AggregateResult {
	return AggregateResult{Balance: balance, Processed: a.matured, Remaining: a.remaining}
}

// planAggregate walks the user's oldest MaxIterations worklist entries and
// prices the matured ones. It does not modify the ledger.
func (l *Ledger) planAggregate(user common.Address) aggregation {
	plan := aggregation{delta: zeroBalance()}
	us, ok := l.s.Users[user]
	if !ok || len(us.Unaggregated) == 0 {
		return plan
	}
	ids := slices.Clone(us.Unaggregated)
	slices.Sort(ids)
	for i, id := range ids {
		if id >= l.s.UpdateIntervalID {
			break
		}
		if i >= MaxIterations {
			plan.remaining++
			continue
		}
		plan.delta = plan.delta.Add(l.settle(id, us.Commitments[id]))
		plan.matured = append(plan.matured, id)
	}
	return plan
}

// settle converts a user's commitment for an executed interval into tokens
// and settlement, using the same prices and rounding as execution.
func (l *Ledger) settle(id uint64, c model.Commitment) model.Balance {
	p := l.s.Prices[id]
	f := l.s.FeeHistory[id]

	longFlipMint, _, _ := swap.BurnInstantMintSettlement(c.LongBurnShortMintPoolTokens, p.LongPrice, f.BurningFee, f.MintingFee)
	shortFlipMint, _, _ := swap.BurnInstantMintSettlement(c.ShortBurnLongMintPoolTokens, p.ShortPrice, f.BurningFee, f.MintingFee)

	return model.Balance{
		LongTokens: swap.Mint(p.LongPrice, c.LongMintSettlement).
			Add(swap.Mint(p.LongPrice, shortFlipMint)),
		ShortTokens: swap.Mint(p.ShortPrice, c.ShortMintSettlement).
			Add(swap.Mint(p.ShortPrice, longFlipMint)),
		SettlementTokens: fixed.AfterFee(f.BurningFee, swap.Burn(p.LongPrice, c.LongBurnPoolTokens)).
			Add(fixed.AfterFee(f.BurningFee, swap.Burn(p.ShortPrice, c.ShortBurnPoolTokens))),
	}
}

// applyAggregate writes a plan: the delta is added to the balance and the
// matured entries are removed from the worklist by swapping in the last
// entry. It returns the user's state, creating it if needed.
func (l *Ledger) applyAggregate(user common.Address, plan aggregation) *UserState {
	us, ok := l.s.Users[user]
	if !ok {
		us = &UserState{Balance: zeroBalance(), Commitments: make(map[uint64]model.Commitment)}
		l.s.Users[user] = us
	}
	us.Balance = us.Balance.Add(plan.delta)
	for _, id := range plan.matured {
		delete(us.Commitments, id)
		i := slices.Index(us.Unaggregated, id)
		if i < 0 {
			continue
		}
		last := len(us.Unaggregated) - 1
		us.Unaggregated[i] = us.Unaggregated[last]
		us.Unaggregated = us.Unaggregated[:last]
	}
	return us
}

// Aggregate folds up to MaxIterations matured commitments into the user's
// balance. Calling it again with nothing matured is a no-op.
func (l *Ledger) Aggregate(user common.Address) AggregateResult {
	plan := l.planAggregate(user)
	if len(plan.matured) == 0 {
		return plan.result(l.Balance(user))
	}
	us := l.applyAggregate(user, plan)
	return plan.result(us.Balance)
}

// ReadAggregate returns the balance Aggregate would produce without
// changing anything.
func (l *Ledger) ReadAggregate(user common.Address) AggregateResult {
	plan := l.planAggregate(user)
	return plan.result(l.Balance(user).Add(plan.delta))
}

// Claim aggregates the user and zeroes the balance. The returned balance is
// what the pool transfers out.
func (l *Ledger) Claim(user common.Address) (model.Balance, AggregateResult) {
	agg := l.Aggregate(user)
	claimed := agg.Balance
	if claimed.IsZero() {
		return claimed, agg
	}
	us := l.s.Users[user]
	us.Balance = zeroBalance()
	l.s.ClaimableSettlement = l.s.ClaimableSettlement.Sub(claimed.SettlementTokens)
	if len(us.Unaggregated) == 0 {
		delete(l.s.Users, user)
	}
	agg.Balance = us.Balance
	return claimed, agg
}

// Owed returns everything the ledger owes users: stored balances plus the
// value of matured commitments not yet aggregated.
func (l *Ledger) Owed() model.Balance {
	sum := zeroBalance()
	for _, us := range l.s.Users {
		sum = sum.Add(us.Balance)
		for id, c := range us.Commitments {
			if id < l.s.UpdateIntervalID {
				sum = sum.Add(l.settle(id, c))
			}
		}
	}
	return sum
}

func zeroBalance() model.Balance {
	return model.Balance{LongTokens: decimal.Zero, ShortTokens: decimal.Zero, SettlementTokens: decimal.Zero}
}

func cloneState(s State) State {
	out := s
	out.Totals = make(map[uint64]model.Commitment, len(s.Totals))
	for k, v := range s.Totals {
		out.Totals[k] = v
	}
	out.Prices = make(map[uint64]model.Prices, len(s.Prices))
	for k, v := range s.Prices {
		out.Prices[k] = v
	}
	out.FeeHistory = make(map[uint64]model.FeeHistory, len(s.FeeHistory))
	for k, v := range s.FeeHistory {
		out.FeeHistory[k] = v
	}
	out.Users = make(map[common.Address]*UserState, len(s.Users))
	for k, v := range s.Users {
		us := &UserState{
			Balance:      v.Balance,
			Commitments:  make(map[uint64]model.Commitment, len(v.Commitments)),
			Unaggregated: slices.Clone(v.Unaggregated),
		}
		for id, c := range v.Commitments {
			us.Commitments[id] = c
		}
		out.Users[k] = us
	}
	return out
}
