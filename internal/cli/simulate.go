package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/perppool/pool-engine/internal/config"
	"github.com/perppool/pool-engine/internal/engine"
)

var (
	simulatePrices    []string
	simulateLeverage  string
	simulateFee       string
	simulateLong      string
	simulateShort     string
	simulatePoolIndex int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a price path against an in-memory pool and print each interval",
	Example: `  poolengine simulate --prices 1800,1800,1980,1700 --leverage 3 --long 1000 --short 1000
  poolengine simulate --config pools.yaml --pool 0 --prices 1,1.1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulatePrices) == 0 {
			return errors.New("--prices is required")
		}
		prices := make([]decimal.Decimal, len(simulatePrices))
		for i, s := range simulatePrices {
			p, err := decimal.NewFromString(s)
			if err != nil {
				return fmt.Errorf("price %q: %w", s, err)
			}
			prices[i] = p
		}

		pc := config.PoolConfig{Name: "SIM", UpdateInterval: time.Hour}
		if c := getConfig(); simulatePoolIndex >= 0 {
			if simulatePoolIndex >= len(c.Pools) {
				return fmt.Errorf("--pool %d: only %d pools configured", simulatePoolIndex, len(c.Pools))
			}
			pc = c.Pools[simulatePoolIndex]
		}

		sc := engine.Scenario{Pool: pc, Prices: prices}
		var err error
		if simulateLeverage != "" {
			if sc.Pool.Leverage, err = decimal.NewFromString(simulateLeverage); err != nil {
				return fmt.Errorf("--leverage: %w", err)
			}
		}
		if simulateFee != "" {
			if sc.Pool.Fee, err = decimal.NewFromString(simulateFee); err != nil {
				return fmt.Errorf("--fee: %w", err)
			}
		}
		if sc.LongMint, err = decimal.NewFromString(simulateLong); err != nil {
			return fmt.Errorf("--long: %w", err)
		}
		if sc.ShortMint, err = decimal.NewFromString(simulateShort); err != nil {
			return fmt.Errorf("--short: %w", err)
		}

		_, err = engine.Simulate(cmd.Context(), sc, cmd.OutOrStdout())
		return err
	},
}

func init() {
	simulateCmd.Flags().StringSliceVar(&simulatePrices, "prices", nil, "Oracle price at each upkeep, comma separated")
	simulateCmd.Flags().StringVar(&simulateLeverage, "leverage", "", "Pool leverage (default 1, or the configured pool's)")
	simulateCmd.Flags().StringVar(&simulateFee, "fee", "", "Per-interval fee as a fraction")
	simulateCmd.Flags().StringVar(&simulateLong, "long", "1000", "Settlement committed long before the first upkeep")
	simulateCmd.Flags().StringVar(&simulateShort, "short", "1000", "Settlement committed short before the first upkeep")
	simulateCmd.Flags().IntVar(&simulatePoolIndex, "pool", -1, "Index of a configured pool to take parameters from")
}
