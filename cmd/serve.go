// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/plantscan/internal/config"
	"github.com/xkilldash9x/plantscan/internal/observability"
	"github.com/xkilldash9x/plantscan/internal/service"
)

// newServeCmd creates the `serve` command, which runs the HTTP API until the
// process is interrupted.
func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture and classification HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			applyServeFlagOverrides(cmd, cfg)
			return runServe(ctx, observability.GetLogger(), cfg, factory)
		},
	}
	serveCmd.Flags().StringP("address", "a", "", "Listen address, e.g. :8080. (Overrides config/env)")
	return serveCmd
}

func applyServeFlagOverrides(cmd *cobra.Command, cfg config.Interface) {
	if cmd.Flags().Changed("address") {
		addr, _ := cmd.Flags().GetString("address")
		cfg.SetServerAddress(addr)
	}
}

// runServe builds the components and serves until ctx is canceled. Shutdown
// failures are reported alongside any serve error.
func runServe(ctx context.Context, logger *zap.Logger, cfg config.Interface, factory service.ComponentFactory) (err error) {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		err = multierr.Append(err, components.Shutdown())
	}()
	if components.Server == nil {
		return errors.New("component factory returned no HTTP server")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return components.Server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("Shutdown signal received, stopping server")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
