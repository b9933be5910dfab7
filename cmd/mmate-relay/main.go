package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/config"
	"github.com/glimte/mmate-amqp/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mmate-relay",
		Short: "Declare topology, publish and consume through the mmate messaging layer",
		Long: `mmate-relay drives the mmate messaging layer from the command line.
Settings come from mmate.yaml, MMATE_* environment variables and flags.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file (default ./mmate.yaml)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return nil, nil, err
		}
		return cfg, cfg.Logging.NewLogger(os.Stderr), nil
	}

	connect := func(ctx context.Context, cmd *cobra.Command) (*mmate.Client, error) {
		cfg, logger, err := load(cmd)
		if err != nil {
			return nil, err
		}
		client, err := mmate.NewClient(*cfg, mmate.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return client, nil
	}

	declareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the configured exchanges, queues and dead-letter topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			if err := client.DeclareTopology(ctx); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}
			fmt.Println("topology declared")
			return nil
		},
	}

	var (
		count       int
		deadLetter  bool
		messageType string
	)
	publishCmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> <json-payload>",
		Short: "Publish a JSON message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			exchange, routingKey := args[0], args[1]
			payload := json.RawMessage(args[2])
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}

			ctx := cmd.Context()
			client, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			publisher := messaging.NewPublisher[json.RawMessage](client.Publisher())
			switch {
			case deadLetter:
				err = publisher.PublishToDeadLetter(ctx, exchange, routingKey, payload, errors.New("dead-lettered by mmate-relay"), 1)
			case count > 1:
				batch := make([]json.RawMessage, count)
				for i := range batch {
					batch[i] = payload
				}
				err = publisher.PublishBatch(ctx, exchange, routingKey, batch)
			default:
				var options []messaging.PublishOption
				if messageType != "" {
					options = append(options, messaging.WithMessageType(messageType))
				}
				err = publisher.Publish(ctx, exchange, routingKey, payload, options...)
			}
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Printf("published %d message(s) to %q with key %q\n", max(count, 1), exchange, routingKey)
			return nil
		},
	}
	publishCmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to publish as one batch")
	publishCmd.Flags().BoolVar(&deadLetter, "dead-letter", false, "Publish to the dead-letter exchange instead")
	publishCmd.Flags().StringVarP(&messageType, "type", "t", "", "Message type header")

	var rejectAll bool
	consumeCmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume messages from a queue and print them until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := connect(ctx, cmd)
			if err != nil {
				return err
			}

			handler := func(ctx context.Context, msg json.RawMessage) (bool, error) {
				fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), msg)
				return !rejectAll, nil
			}
			if _, err := mmate.Subscribe[json.RawMessage](ctx, client, queue, handler); err != nil {
				client.Close(context.Background())
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			fmt.Printf("consuming from %q, press Ctrl+C to stop\n", queue)
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return client.Close(shutdownCtx)
		},
	}
	consumeCmd.Flags().BoolVar(&rejectAll, "reject", false, "Negatively acknowledge every message")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Run the health checks and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			client, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			report := client.Health(ctx)
			names := make([]string, 0, len(report.Checks))
			for name := range report.Checks {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("overall: %s (%s)\n", report.Status, report.Duration)
			for _, name := range names {
				check := report.Checks[name]
				fmt.Printf("  %-24s %-10s %s\n", name, check.Status, check.Message)
			}
			if failing := report.Failing(); len(failing) > 0 {
				return fmt.Errorf("unhealthy checks: %v", failing)
			}
			return nil
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	rootCmd.AddCommand(declareCmd, publishCmd, consumeCmd, healthCmd, configCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
