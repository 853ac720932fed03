// Command manager runs the orchestrator: it loads configuration, opens the
// durable state store, dials the task broker, recovers in-flight jobs, and
// serves the Schedule/Cancel/Describe HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"heracles-go/internal/broker"
	"heracles-go/internal/logging"
	"heracles-go/internal/scheduler"
	"heracles-go/internal/server"
	"heracles-go/internal/settings"
	"heracles-go/internal/state"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "manager",
		Short: "runs the heracles-go orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, cmd.Flags())
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML/JSON/TOML settings file")
	settings.RegisterFlags(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet) error {
	cfg, err := settings.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)

	store, err := state.NewFileStore(cfg.StateLocation)
	if err != nil {
		return fmt.Errorf("manager: opening state store: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	brokerCfg := broker.Config{
		Address:   cfg.BrokerAddress,
		QueueName: cfg.BrokerQueueName,
	}

	sched, err := scheduler.New(ctx, store, cfg, logger)
	if err != nil {
		return fmt.Errorf("manager: connecting to broker %s: %w", brokerCfg.Address, err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("manager: starting scheduler: %w", err)
	}
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: server.New(sched, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.ServerPort).Msg("manager listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("manager: http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
