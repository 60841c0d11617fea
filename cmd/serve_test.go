// File: cmd/serve_test.go
package cmd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/server"
	"github.com/xkilldash9x/plantscan/internal/service"
)

type stubDetector struct{}

func (stubDetector) Classify(context.Context, classifier.Request) (classifier.Result, error) {
	return classifier.Result{}, nil
}

func (stubDetector) ClassifyImage(context.Context, string, io.Reader) (classifier.Result, error) {
	return classifier.Result{}, nil
}

func freeAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestApplyServeFlagOverrides(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:9/predict")
	serveCmd := newServeCmd(nil)
	require.NoError(t, serveCmd.ParseFlags([]string{"--address", "127.0.0.1:7070"}))

	applyServeFlagOverrides(serveCmd, cfg)
	assert.Equal(t, "127.0.0.1:7070", cfg.Server().Address)

	untouched := newTestConfig(t, "http://127.0.0.1:9/predict")
	applyServeFlagOverrides(newServeCmd(nil), untouched)
	assert.Equal(t, ":8080", untouched.Server().Address)
}

func TestRunServe(t *testing.T) {
	t.Run("serves until the context is canceled", func(t *testing.T) {
		cfg := newTestConfig(t, "http://127.0.0.1:9/predict")
		cfg.SetServerAddress(freeAddress(t))
		cfg.ServerCfg.ShutdownTimeout = 5 * time.Second

		core, logs := observer.New(zapcore.InfoLevel)
		logger := zap.New(core)
		srv := server.New(cfg.Server(), nil, stubDetector{}, logger)

		factory := new(MockComponentFactory)
		factory.On("Create", mock.Anything, cfg, logger).Return(&service.Components{Server: srv}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- runServe(ctx, logger, cfg, factory) }()

		url := "http://" + cfg.Server().Address + "/healthz"
		require.Eventually(t, func() bool {
			resp, err := http.Get(url)
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("serve did not return after cancellation")
		}

		factory.AssertExpectations(t)
		assert.Equal(t, 1, logs.FilterMessage("Shutdown signal received, stopping server").Len())
		assert.Equal(t, 1, logs.FilterMessage("Server stopped").Len())
	})

	t.Run("listen failure is returned", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		cfg := newTestConfig(t, "http://127.0.0.1:9/predict")
		cfg.SetServerAddress(busy.Addr().String())
		srv := server.New(cfg.Server(), nil, stubDetector{}, zap.NewNop())

		factory := new(MockComponentFactory)
		factory.On("Create", mock.Anything, cfg, mock.Anything).Return(&service.Components{Server: srv}, nil)

		err = runServe(context.Background(), zap.NewNop(), cfg, factory)
		assert.ErrorContains(t, err, "server failed")
		assert.ErrorContains(t, err, "failed to listen")
	})

	t.Run("factory error", func(t *testing.T) {
		cfg := newTestConfig(t, "http://127.0.0.1:9/predict")
		factoryErr := errors.New("database unreachable")

		factory := new(MockComponentFactory)
		factory.On("Create", mock.Anything, cfg, mock.Anything).Return(nil, factoryErr)

		err := runServe(context.Background(), zap.NewNop(), cfg, factory)
		assert.ErrorIs(t, err, factoryErr)
		factory.AssertExpectations(t)
	})

	t.Run("missing server", func(t *testing.T) {
		cfg := newTestConfig(t, "http://127.0.0.1:9/predict")
		factory := new(MockComponentFactory)
		factory.On("Create", mock.Anything, cfg, mock.Anything).Return(&service.Components{}, nil)

		err := runServe(context.Background(), zap.NewNop(), cfg, factory)
		assert.ErrorContains(t, err, "no HTTP server")
	})
}

func TestServeCmd_RejectsArgs(t *testing.T) {
	root := newRootCmd(new(MockComponentFactory))
	root.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
	root.SetArgs([]string{"serve", "extra"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "unknown command")
}
