package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/config"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/dmf"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/scenario"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand creates the simulator command. Without a subcommand it
// runs the simulator until SIGINT/SIGTERM.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "simulator",
		Short:         "Device simulator for hawkBit update servers",
		Long:          "Simulates fleets of devices that receive software updates over DDI (HTTP polling) or DMF (MQTT push).",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "configs/config.yaml", "config file, empty for defaults and ODS_* environment only")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	cmd.AddCommand(newValidateCommand(opts))

	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	var atomic zap.AtomicLevel
	if level == "trace" {
		atomic = zap.NewAtomicLevelAt(dmf.TraceLevel)
	} else {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		atomic = zap.NewAtomicLevelAt(parsed)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	return cfg.Build()
}

func run(opts *RootOptions) error {
	// Logger initialisieren
	logger, err := newLogger(opts.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return err
	}

	logger.Info("Config loaded successfully", zap.String("path", opts.ConfigPath))

	lifecycle, err := system.NewLifecycleManager(cfg, logger)
	if err != nil {
		logger.Error("Failed to create simulator", zap.Error(err))
		return err
	}

	// System starten
	if startErr := lifecycle.Start(context.Background()); startErr != nil {
		logger.Error("Failed to start system", zap.Error(startErr))
		shutdown(lifecycle, cfg.Server.ShutdownTimeout, logger)
		return startErr
	}

	logger.Info("Device simulator started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		logger.Info("Shutdown requested via API")
		return nil
	}

	if err := shutdown(lifecycle, cfg.Server.ShutdownTimeout, logger); err != nil {
		return err
	}

	logger.Info("Device simulator stopped successfully")
	return nil
}

func shutdown(lifecycle *system.LifecycleManager, timeout time.Duration, logger *zap.Logger) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func newValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and every scenario it can reach",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}

			loader := scenario.NewLoader(cfg.Scenarios.SearchPaths)
			failed := 0
			for _, name := range loader.List() {
				s, err := loader.Load(name)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "scenario %s: %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scenario %s: %d devices in %d fleets\n", name, s.Devices(), len(s.Fleets))
			}
			if failed > 0 {
				return fmt.Errorf("%d invalid scenarios", failed)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d autostart fleets, update mode %s\n",
				len(cfg.Autostarts), cfg.Simulation.UpdateMode)
			return nil
		},
	}
}
