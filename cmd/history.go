// File: cmd/history.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/config"
	"github.com/xkilldash9x/plantscan/internal/observability"
	"github.com/xkilldash9x/plantscan/internal/service"
	"github.com/xkilldash9x/plantscan/internal/store"
)

var errNoHistory = errors.New("capture history is not available: database.url (PLANTSCAN_DATABASE_URL) is not set")

// newHistoryCmd creates the `history` command, which prints recent capture
// outcomes from the database.
func newHistoryCmd(factory service.ComponentFactory) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent capture outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return runHistory(ctx, observability.GetLogger(), cfg, factory, limit, cmd.OutOrStdout())
		},
	}
	historyCmd.Flags().IntP("limit", "n", 20, fmt.Sprintf("Number of captures to show (max %d)", store.MaxRecentCaptures))
	return historyCmd
}

func runHistory(ctx context.Context, logger *zap.Logger, cfg config.Interface, factory service.ComponentFactory, limit int, w io.Writer) (err error) {
	if cfg.Database().URL == "" {
		return errNoHistory
	}

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		err = multierr.Append(err, components.Shutdown())
	}()
	if components.Store == nil {
		return errNoHistory
	}

	records, err := components.Store.RecentCaptures(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load capture history: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
