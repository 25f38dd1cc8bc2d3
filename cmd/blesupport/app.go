package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/gatt"
	"github.com/srg/blesupport/internal/gatt/goble"
	"github.com/srg/blesupport/internal/tracing"
	"github.com/srg/blesupport/pkg/config"
)

// platform is the host radio: the GATT stack and the scan source share it.
type platform struct {
	stack gatt.Stack
	scan  device.ScanSourceFactory
	close func() error
}

// openPlatform is replaced in tests.
var openPlatform = func(logger *logrus.Logger) (*platform, error) {
	st := goble.NewStack(nil, logger)
	return &platform{stack: st, scan: st.ScanSourceFactory(), close: st.Close}, nil
}

// app is the component graph shared by every command.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	platform *platform
	registry *device.Registry
	scanner  *device.Scanner
	manager  *gatt.Manager
	tracing  func(context.Context) error
}

func newApp(cmd *cobra.Command, verbose bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, verbose)
	if err != nil {
		return nil, err
	}

	shutdown, err := tracing.Setup(cmd.Context(), cfg.Tracing, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	p, err := openPlatform(logger)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, fmt.Errorf("failed to open BLE platform: %w", err)
	}

	registry := device.NewRegistry(cfg.RegistryOptions(), logger)
	return &app{
		cfg:      cfg,
		logger:   logger,
		platform: p,
		registry: registry,
		scanner:  device.NewScanner(registry, p.scan, nil, logger),
		manager:  gatt.NewManager(p.stack, registry, cfg.ManagerOptions(), logger),
		tracing:  shutdown,
	}, nil
}

func (a *app) Close() {
	a.scanner.StopScanning()
	a.manager.Close()
	a.registry.Close()
	if a.platform.close != nil {
		if err := a.platform.close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close BLE platform")
		}
	}
	if err := a.tracing(context.Background()); err != nil {
		a.logger.WithError(err).Warn("Failed to flush traces")
	}
}

// connect opens a session to address using the configured retry budget.
func (a *app) connect(ctx context.Context, address string) error {
	a.logger.WithField("address", address).Info("Connecting to device...")
	if _, err := a.manager.ConnectWithRetry(ctx, address, a.cfg.ConnectAttempts).Unwrap(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return nil
}

// disconnect closes the session, cancelling anything still queued.
func (a *app) disconnect(address string) {
	a.manager.Disconnect(context.Background(), address, true)
}

// interruptContext is cancelled on Ctrl+C or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
