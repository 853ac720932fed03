// Command worker connects to the task broker, receives Map and Reduce task
// deliveries, executes each task's payload binary, and reports success or
// failure back to the broker.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"heracles-go/internal/broker"
	"heracles-go/internal/logging"
	"heracles-go/internal/model"
	"heracles-go/internal/settings"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "worker",
		Short: "executes Map and Reduce tasks delivered by the broker",
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
		return fmt.Errorf("worker: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	brokerCfg := broker.Config{
		Address:     cfg.BrokerAddress,
		QueueName:   cfg.BrokerQueueName,
		DialTimeout: cfg.BrokerDialTimeout,
	}

	consumer, err := broker.ConnectConsumer(ctx, brokerCfg)
	if err != nil {
		return fmt.Errorf("worker: connecting to broker %s: %w", brokerCfg.Address, err)
	}
	defer consumer.Close()

	logger.Info().Str("broker", brokerCfg.Address).Int("pool_size", cfg.WorkerPoolSize).Msg("worker ready")

	sem := make(chan struct{}, cfg.WorkerPoolSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-consumer.Deliveries():
			if !ok {
				return fmt.Errorf("worker: broker connection closed")
			}
			sem <- struct{}{}
			go func(d broker.Delivery) {
				defer func() { <-sem }()
				handleDelivery(ctx, logger, d)
			}(delivery)
		}
	}
}

// handleDelivery runs a task's payload binary and reports the outcome back to
// the broker through the delivery's ack.
func handleDelivery(ctx context.Context, logger zerolog.Logger, delivery broker.Delivery) {
	task := delivery.Task
	log := logging.Task(logger, task.JobID, task.ID)

	if err := executeTask(ctx, task); err != nil {
		log.Warn().Err(err).Msg("task execution failed")
		if ackErr := delivery.Failed(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to report task failure to broker")
		}
		return
	}

	log.Info().Msg("task completed")
	if ackErr := delivery.Done(); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to report task completion to broker")
	}
}

// executeTask runs the task's payload binary, feeding it the task description
// as JSON on stdin. The payload is responsible for reading its assigned input
// chunk or intermediate files and writing its designated output file; the
// worker only reports whether the process succeeded.
func executeTask(ctx context.Context, task *model.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, taskExecutionTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, task.PayloadPath)
	cmd.Stdin = bytes.NewReader(payload)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("payload %s: %w: %s", task.PayloadPath, err, stderr.String())
		}
		return fmt.Errorf("payload %s: %w", task.PayloadPath, err)
	}
	return nil
}

const taskExecutionTimeout = 30 * time.Minute
