// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/capture"
	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/pipeline"
	"github.com/xkilldash9x/plantscan/internal/server"
	"github.com/xkilldash9x/plantscan/internal/store"
)

// Components holds the initialized services behind the HTTP server and CLI
// commands and owns their shutdown order.
type Components struct {
	Classifier *classifier.Client
	Lease      *capture.Lease
	Pipeline   *pipeline.Pipeline
	Server     *server.Server
	// Store is nil when no database is configured.
	Store  *store.Store
	DBPool *pgxpool.Pool

	logger  *zap.Logger
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// onShutdown registers cleanup to run, in reverse order, during Shutdown.
func (c *Components) onShutdown(name string, fn func() error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Shutdown releases every component. All closers run even if some fail;
// the returned error combines their failures.
func (c *Components) Shutdown() error {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if cerr := cl.fn(); cerr != nil {
			logger.Warn("Component shutdown failed", zap.String("component", cl.name), zap.Error(cerr))
			err = multierr.Append(err, cerr)
			continue
		}
		logger.Debug("Component shut down", zap.String("component", cl.name))
	}
	c.closers = nil

	if err == nil {
		logger.Info("All components shut down successfully.")
	}
	return err
}
