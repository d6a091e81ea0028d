package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perppool/pool-engine/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, and run the keeper when enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := getConfig()
		ctx := cmd.Context()

		e, err := engine.Build(ctx, c, engine.Options{}, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		srv := &http.Server{
			Addr:         c.HTTP.Addr,
			Handler:      e.Handler(),
			ReadTimeout:  c.HTTP.ReadTimeout,
			WriteTimeout: c.HTTP.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return e.Run(gctx, c.Keeper.Enabled)
		})
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Int("pools", len(c.Pools)).Msg("pool engine listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), c.HTTP.ShutdownTimeout)
			defer cancel()
			logger.Info().Msg("shutting down pool engine")
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
