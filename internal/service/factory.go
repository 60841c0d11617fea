// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/capture"
	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/config"
	"github.com/xkilldash9x/plantscan/internal/pipeline"
	"github.com/xkilldash9x/plantscan/internal/server"
	"github.com/xkilldash9x/plantscan/internal/store"
)

// ComponentFactory creates the set of components a command needs.
// This abstraction is what makes the serve and capture commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the classifier, the optional capture store, the capture
// pipeline and the HTTP server.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			_ = components.Shutdown()
		}
	}()

	// 1. Classifier
	client, err := classifier.NewClient(cfg.Classifier(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize classifier client: %w", err)
		return nil, initializationErr
	}
	components.Classifier = client
	logger.Debug("Classifier client initialized.", zap.String("endpoint", cfg.Classifier().Endpoint))

	// 2. Database and capture history (optional)
	if url := cfg.Database().URL; url != "" {
		pool, err := InitializeDatabase(ctx, url, logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.DBPool = pool
		components.onShutdown("database", func() error {
			pool.Close()
			return nil
		})

		dbStore, err := store.New(ctx, pool, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize database store: %w", err)
			return nil, initializationErr
		}
		if err := dbStore.EnsureSchema(ctx); err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Store = dbStore
		logger.Debug("Capture store initialized.")
	} else {
		logger.Warn("Database URL (PLANTSCAN_DATABASE_URL) is not set. Capture history will not be persisted.")
	}

	// 3. Capture pipeline
	captureCfg := cfg.Capture()
	refs, err := pipeline.NewReferenceStrategy(cfg.Reference(), captureCfg.WorkingDir)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Lease = capture.NewLease(captureCfg.LeaseMode, captureCfg.LeaseWait)

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithLease(components.Lease),
		pipeline.WithReferenceStrategy(refs),
	}
	if components.Store != nil {
		opts = append(opts, pipeline.WithRecorder(components.Store))
	}
	p, err := pipeline.New(captureCfg, client, opts...)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize capture pipeline: %w", err)
		return nil, initializationErr
	}
	components.Pipeline = p
	logger.Debug("Capture pipeline initialized.",
		zap.String("command", captureCfg.Command),
		zap.String("working_dir", captureCfg.WorkingDir),
		zap.String("lease_mode", string(captureCfg.LeaseMode)))

	// 4. HTTP server
	serverOpts := []server.Option{server.WithCapturesDir(captureCfg.WorkingDir)}
	if components.Store != nil {
		serverOpts = append(serverOpts, server.WithHistory(components.Store))
	}
	components.Server = server.New(cfg.Server(), p, client, logger, serverOpts...)

	return components, nil
}
