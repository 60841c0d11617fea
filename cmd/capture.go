// File: cmd/capture.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/config"
	"github.com/xkilldash9x/plantscan/internal/observability"
	"github.com/xkilldash9x/plantscan/internal/server"
	"github.com/xkilldash9x/plantscan/internal/service"
)

// newCaptureCmd creates the `capture` command: one pipeline run from the
// terminal, printed as the JSON the camera endpoints would return.
func newCaptureCmd(factory service.ComponentFactory) *cobra.Command {
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one image with the configured agent and classify it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			applyCaptureFlagOverrides(cmd, cfg)
			return runCapture(ctx, observability.GetLogger(), cfg, factory, cmd.OutOrStdout())
		},
	}
	captureCmd.Flags().Duration("timeout", 0, "How long the capture agent may run. (Overrides config/env)")
	return captureCmd
}

func applyCaptureFlagOverrides(cmd *cobra.Command, cfg config.Interface) {
	if cmd.Flags().Changed("timeout") {
		d, _ := cmd.Flags().GetDuration("timeout")
		if d > 0 {
			cfg.SetCaptureTimeout(d)
		}
	}
	// A terminal run never shares the agent, so there is nothing to queue behind.
	cfg.SetCaptureLeaseMode(config.LeaseReject)
}

// runCapture runs the pipeline once and writes the response body to w. A
// failed capture still prints its body and then returns an error.
func runCapture(ctx context.Context, logger *zap.Logger, cfg config.Interface, factory service.ComponentFactory, w io.Writer) (err error) {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		err = multierr.Append(err, components.Shutdown())
	}()
	if components.Pipeline == nil {
		return fmt.Errorf("component factory returned no capture pipeline")
	}

	out := components.Pipeline.Run(ctx)
	status, body := server.CaptureResponseFor(out)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("failed to write capture result: %w", err)
	}

	if !out.Succeeded() {
		return fmt.Errorf("capture %s failed (HTTP %d equivalent): %w", out.CaptureID, status, out.Err())
	}
	return nil
}
