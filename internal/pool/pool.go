// Package pool is the settlement and upkeep orchestrator of a leveraged
// perpetual pool. A Pool owns the side balances, fee accrual and clock,
// drives the commitment ledger, and moves tokens.
//
// Every operation runs under the pool mutex. State changes are validated
// before anything is written and token transfers happen after the
// bookkeeping they settle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/events"
	"github.com/perppool/pool-engine/internal/fixed"
	"github.com/perppool/pool-engine/internal/ledger"
	"github.com/perppool/pool-engine/internal/metrics"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/swap"
	"github.com/perppool/pool-engine/internal/token"
)

var (
	ErrZeroAddress           = errors.New("pool: zero address")
	ErrInvalidLeverage       = errors.New("pool: leverage must be positive")
	ErrFeeTooHigh            = errors.New("pool: fee must be in [0, 1)")
	ErrDecimalsTooHigh       = errors.New("pool: settlement token decimals exceed 18")
	ErrInvalidInterval       = errors.New("pool: update interval must be positive")
	ErrInvalidSplit          = errors.New("pool: secondary fee split exceeds 100")
	ErrPaused                = errors.New("pool: paused")
	ErrUpkeepNotDue          = errors.New("pool: update interval has not passed")
	ErrInvariantViolated     = errors.New("pool: invariant violated")
	ErrInsufficientFunds     = errors.New("pool: insufficient wallet balance")
	ErrInsufficientAllowance = errors.New("pool: insufficient allowance")
	ErrTransferAfterWrite    = errors.New("pool: token transfer failed after state update")
)

// Phase is the upkeep state of a pool.
type Phase string

const (
	Idle      Phase = "idle"
	Due       Phase = "due"
	Executing Phase = "executing"
)

// Journal records immutable history. store.Store satisfies it.
type Journal interface {
	SavePool(ctx context.Context, snap Snapshot) error
	InsertUpkeepRecord(ctx context.Context, rec model.UpkeepRecord) error
	InsertCommitRecord(ctx context.Context, rec model.CommitRecord) error
}

// Deps are the collaborators a pool is wired to.
type Deps struct {
	Settlement token.Ledger
	Long       token.Ledger
	Short      token.Ledger
	Authorizer auth.Authorizer
	Events     events.Sink
	Journal    Journal
	Logger     zerolog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Pool is one leveraged pool.
type Pool struct {
	mu        sync.Mutex
	executing atomic.Bool

	params     model.PoolParams
	settlement token.Ledger
	long       token.Ledger
	short      token.Ledger
	authz      auth.Authorizer
	sink       events.Sink
	journal    Journal
	logger     zerolog.Logger
	clock      func() time.Time

	ledger             *ledger.Ledger
	balances           model.PoolBalances
	primaryFees        decimal.Decimal
	secondaryFees      decimal.Decimal
	lastPriceTimestamp uint64
	// lastExecutionPrice is the oracle price the last rebalance moved to.
	// Zero until the pool is seeded or upkept.
	lastExecutionPrice decimal.Decimal
	paused             bool
}

// New validates params and creates a pool whose first interval starts now.
func New(params model.PoolParams, deps Deps) (*Pool, error) {
	p, err := build(params, deps)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(params.MintingFee, params.BurningFee, params.ChangeInterval)
	if err != nil {
		return nil, err
	}
	p.ledger = l
	p.lastPriceTimestamp = p.now()
	p.logger.Info().
		Str("leverage", params.Leverage.String()).
		Uint64("update_interval", params.UpdateInterval).
		Uint64("front_running_interval", params.FrontRunningInterval).
		Msg("pool created")
	return p, nil
}

// FromSnapshot rebuilds a pool from persisted state.
func FromSnapshot(snap Snapshot, deps Deps) (*Pool, error) {
	p, err := build(snap.Params, deps)
	if err != nil {
		return nil, err
	}
	p.applySnapshot(snap)
	p.logger.Info().Uint64("update_interval_id", p.ledger.UpdateIntervalID()).Msg("pool restored")
	return p, nil
}

func build(params model.PoolParams, deps Deps) (*Pool, error) {
	if deps.Settlement == nil || deps.Long == nil || deps.Short == nil {
		return nil, fmt.Errorf("%w: token ledgers are required", ErrZeroAddress)
	}
	params.SettlementToken = deps.Settlement.Address()
	params.LongToken = deps.Long.Address()
	params.ShortToken = deps.Short.Address()
	if err := validateParams(params, deps.Settlement.Decimals()); err != nil {
		return nil, err
	}
	if params.MintingFee.IsNegative() || params.BurningFee.IsNegative() {
		return nil, ErrFeeTooHigh
	}
	authz := deps.Authorizer
	if authz == nil {
		authz = auth.Roles{}
	}
	sink := deps.Events
	if sink == nil {
		sink = events.Discard{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pool{
		params:        params,
		settlement:    deps.Settlement,
		long:          deps.Long,
		short:         deps.Short,
		authz:         authz,
		sink:          sink,
		journal:       deps.Journal,
		logger:        deps.Logger.With().Str("component", "pool").Str("pool", params.Address.Hex()).Logger(),
		clock:         clock,
		balances:      model.PoolBalances{Long: decimal.Zero, Short: decimal.Zero},
		primaryFees:   decimal.Zero,
		secondaryFees: decimal.Zero,
	}, nil
}

func validateParams(params model.PoolParams, settlementDecimals uint8) error {
	if !params.Leverage.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidLeverage, params.Leverage)
	}
	if params.Fee.IsNegative() || params.Fee.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: %s", ErrFeeTooHigh, params.Fee)
	}
	if settlementDecimals > fixed.WadDecimals {
		return fmt.Errorf("%w: %d", ErrDecimalsTooHigh, settlementDecimals)
	}
	if params.UpdateInterval == 0 {
		return ErrInvalidInterval
	}
	if params.SecondaryFeeSplitPercent > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidSplit, params.SecondaryFeeSplitPercent)
	}
	zero := common.Address{}
	for name, a := range map[string]common.Address{
		"pool":             params.Address,
		"settlement token": params.SettlementToken,
		"long token":       params.LongToken,
		"short token":      params.ShortToken,
		"primary fee":      params.PrimaryFeeAddress,
	} {
		if a == zero {
			return fmt.Errorf("%w: %s", ErrZeroAddress, name)
		}
	}
	return nil
}

func (p *Pool) now() uint64 {
	return uint64(p.clock().Unix())
}

// Address returns the pool's identity.
func (p *Pool) Address() common.Address { return p.params.Address }

// Params returns the deployment parameters.
func (p *Pool) Params() model.PoolParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	params := p.params
	params.MintingFee = p.ledger.MintingFee()
	params.BurningFee = p.ledger.BurningFee()
	params.ChangeInterval = p.ledger.ChangeInterval()
	return params
}

// State reports where the pool is in its upkeep cycle at now.
func (p *Pool) State(now time.Time) Phase {
	if p.executing.Load() {
		return Executing
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if swap.IntervalPassed(uint64(now.Unix()), p.lastPriceTimestamp, p.params.UpdateInterval) {
		return Due
	}
	return Idle
}

// IsUpkeepRequired reports whether an upkeep is due now.
func (p *Pool) IsUpkeepRequired() bool {
	return p.State(p.clock()) == Due
}

// Summary returns the pool's read model.
func (p *Pool) Summary(ctx context.Context) (model.PoolSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sup, err := p.supplies(ctx)
	if err != nil {
		return model.PoolSummary{}, err
	}
	pendingLong, pendingShort := p.ledger.PendingBurns()
	return model.PoolSummary{
		Address:               p.params.Address,
		Name:                  p.params.Name,
		LongBalance:           p.balances.Long,
		ShortBalance:          p.balances.Short,
		LongSupply:            sup.Long,
		ShortSupply:           sup.Short,
		LongPrice:             swap.Price(p.balances.Long, sup.Long.Add(pendingLong)),
		ShortPrice:            swap.Price(p.balances.Short, sup.Short.Add(pendingShort)),
		Leverage:              p.params.Leverage,
		Fee:                   p.params.Fee,
		MintingFee:            p.ledger.MintingFee(),
		BurningFee:            p.ledger.BurningFee(),
		PrimaryFees:           p.primaryFees,
		SecondaryFees:         p.secondaryFees,
		PendingMintSettlement: p.ledger.PendingMintSettlement(),
		UpdateIntervalID:      p.ledger.UpdateIntervalID(),
		LastPriceTimestamp:    p.lastPriceTimestamp,
		UpdateInterval:        p.params.UpdateInterval,
		FrontRunningInterval:  p.params.FrontRunningInterval,
		Paused:                p.paused,
	}, nil
}

// LastExecutionPrice returns the oracle price of the pool's last applied
// rebalance, or of its seeding at deployment.
func (p *Pool) LastExecutionPrice() (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExecutionPrice, p.lastExecutionPrice.IsPositive()
}

// SeedExecutionPrice records price as the starting point of the first
// rebalance. It does nothing when the pool already has an execution price
// or price is not positive, and reports whether it recorded price.
func (p *Pool) SeedExecutionPrice(ctx context.Context, price decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastExecutionPrice.IsPositive() || !price.IsPositive() {
		return false
	}
	p.lastExecutionPrice = price
	p.persist(ctx)
	return true
}

// PendingCommits lists a user's commitments that have not been aggregated.
func (p *Pool) PendingCommits(user common.Address) []ledger.PendingCommit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.PendingCommits(user)
}

// PricesAt returns the prices interval id executed at.
func (p *Pool) PricesAt(id uint64) (model.Prices, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.PricesAt(id)
}

func (p *Pool) supplies(ctx context.Context) (model.Supplies, error) {
	long, err := p.long.TotalSupply(ctx)
	if err != nil {
		return model.Supplies{}, fmt.Errorf("long supply: %w", err)
	}
	short, err := p.short.TotalSupply(ctx)
	if err != nil {
		return model.Supplies{}, fmt.Errorf("short supply: %w", err)
	}
	return model.Supplies{Long: long, Short: short}, nil
}

func (p *Pool) sideToken(side int) token.Ledger {
	if side == model.LongIndex {
		return p.long
	}
	return p.short
}

func (p *Pool) emit(ctx context.Context, t events.Type, payload any) {
	p.sink.Publish(ctx, events.New(t, p.params.Address, payload))
}

// persist saves a snapshot after a state change. The in-memory state is
// authoritative, so a failed save is logged and not returned.
func (p *Pool) persist(ctx context.Context) {
	if p.journal == nil {
		return
	}
	if err := p.journal.SavePool(ctx, p.snapshot(ctx)); err != nil {
		p.logger.Error().Err(err).Msg("failed to save pool snapshot")
	}
}

func (p *Pool) observeBalances() {
	addr := p.params.Address.Hex()
	metrics.PoolBalance.WithLabelValues(addr, "long").Set(metrics.Amount(p.balances.Long))
	metrics.PoolBalance.WithLabelValues(addr, "short").Set(metrics.Amount(p.balances.Short))
}

// halt pauses the pool after an unrecoverable inconsistency.
func (p *Pool) halt(ctx context.Context, reason error) {
	p.paused = true
	metrics.PoolPaused.WithLabelValues(p.params.Address.Hex()).Set(1)
	p.logger.Error().Err(reason).Msg("pool halted")
	p.emit(ctx, events.InvariantViolation, events.MessagePayload{Message: reason.Error()})
}

func newRecordID() string {
	return uuid.NewString()
}
