package engine

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/config"
	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/oracle"
	"github.com/perppool/pool-engine/internal/store"
)

var (
	simLong  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	simShort = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// Scenario is a deterministic simulation: one long and one short user
// commit before the first upkeep, then the oracle walks through Prices,
// one upkeep per price.
type Scenario struct {
	Pool      config.PoolConfig
	LongMint  decimal.Decimal
	ShortMint decimal.Decimal
	Prices    []decimal.Decimal
}

// Step is the pool after one upkeep.
type Step struct {
	IntervalID   uint64
	Price        decimal.Decimal
	LongBalance  decimal.Decimal
	ShortBalance decimal.Decimal
	LongPrice    decimal.Decimal
	ShortPrice   decimal.Decimal
	Fees         decimal.Decimal
	Skipped      bool
}

// Simulate runs sc against an in-memory engine and returns one step per
// price. When w is non-nil a table is written to it.
func Simulate(ctx context.Context, sc Scenario, w io.Writer) ([]Step, error) {
	if len(sc.Prices) == 0 {
		return nil, fmt.Errorf("simulate: at least one price is required")
	}
	pc := sc.Pool
	pc.Oracle = config.OracleConfig{Type: "manual", Price: sc.Prices[0]}
	if pc.Address == (common.Address{}) {
		pc.Address = common.HexToAddress("0x00000000000000000000000000000000000001f0")
	}
	if pc.PrimaryFeeAddress == (common.Address{}) {
		pc.PrimaryFeeAddress = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	}
	if !pc.Leverage.IsPositive() {
		pc.Leverage = decimal.NewFromInt(1)
	}
	if pc.UpdateInterval <= 0 {
		pc.UpdateInterval = time.Hour
	}

	now := time.Unix(0, 0).UTC()
	cfg := &config.Config{App: config.AppConfig{Name: "simulation"}, Pools: []config.PoolConfig{pc}}
	e, err := Build(ctx, cfg, Options{Store: store.NewMemoryStore(), Clock: func() time.Time { return now }}, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	defer e.Close()

	dep, _ := e.Deployment(pc.Address)
	feed := dep.Oracle.(*oracle.Manual)

	for _, c := range []struct {
		user   common.Address
		typ    model.CommitType
		amount decimal.Decimal
	}{
		{simLong, model.LongMint, sc.LongMint},
		{simShort, model.ShortMint, sc.ShortMint},
	} {
		if !c.amount.IsPositive() {
			continue
		}
		if err := dep.Settlement.Mint(ctx, common.Address{}, c.user, c.amount); err != nil {
			return nil, err
		}
		if err := dep.Settlement.Approve(ctx, c.user, pc.Address, c.amount); err != nil {
			return nil, err
		}
		if _, err := dep.Pool.Commit(ctx, c.user, model.CommitRequest{Type: c.typ, Amount: c.amount}); err != nil {
			return nil, fmt.Errorf("simulate: %s commit: %w", c.typ, err)
		}
	}

	steps := make([]Step, 0, len(sc.Prices))
	for _, price := range sc.Prices {
		now = now.Add(pc.UpdateInterval)
		feed.Set(price)
		res, err := e.Keeper.PerformUpkeepSinglePool(ctx, pc.Address)
		if err != nil {
			return steps, fmt.Errorf("simulate: upkeep at %s: %w", price, err)
		}
		sum, err := dep.Pool.Summary(ctx)
		if err != nil {
			return steps, err
		}
		steps = append(steps, Step{
			IntervalID:   res.FirstIntervalID,
			Price:        price,
			LongBalance:  sum.LongBalance,
			ShortBalance: sum.ShortBalance,
			LongPrice:    sum.LongPrice,
			ShortPrice:   sum.ShortPrice,
			Fees:         sum.PrimaryFees.Add(sum.SecondaryFees),
			Skipped:      res.PriceChangeSkipped,
		})
	}

	if w != nil {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "interval\toracle\tlong bal\tshort bal\tlong px\tshort px\tfees\t")
		for _, s := range steps {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
				s.IntervalID, s.Price, s.LongBalance, s.ShortBalance,
				s.LongPrice.StringFixed(6), s.ShortPrice.StringFixed(6), s.Fees)
		}
		if err := tw.Flush(); err != nil {
			return steps, err
		}
	}
	return steps, nil
}
