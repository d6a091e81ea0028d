package cli

import (
	"github.com/spf13/cobra"

	"github.com/perppool/pool-engine/internal/engine"
)

var keeperCmd = &cobra.Command{
	Use:   "keeper",
	Short: "Run only the upkeep loop over the configured pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := getConfig()
		e, err := engine.Build(cmd.Context(), c, engine.Options{}, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		logger.Info().Dur("interval", c.Keeper.Interval).Int("pools", len(c.Pools)).Msg("keeper started")
		return e.Run(cmd.Context(), true)
	},
}
