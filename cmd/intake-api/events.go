package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ctrls/intake/internal/config"
	"github.com/ctrls/intake/internal/infrastructure/redpanda"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect submission lifecycle events",
	}

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print lifecycle events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStart, _ := cmd.Flags().GetBool("from-start")
			group, _ := cmd.Flags().GetString("group")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ccfg := redpanda.DefaultConsumerConfig()
			ccfg.Brokers = cfg.KafkaBrokers
			ccfg.Topics = []string{cfg.EventsTopic}
			ccfg.GroupID = group
			if fromStart {
				ccfg.StartOffset = "earliest"
			}

			enc := json.NewEncoder(os.Stdout)
			consumer, err := redpanda.NewConsumer(ccfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
				return enc.Encode(tailLine{
					Partition: msg.Partition,
					Offset:    msg.Offset,
					Key:       string(msg.Key),
					Event:     json.RawMessage(msg.Value),
				})
			}, nil, logger)
			if err != nil {
				return err
			}
			defer consumer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(os.Stderr, "tailing %s on %v\n", cfg.EventsTopic, cfg.KafkaBrokers)
			return consumer.Run(ctx)
		},
	}
	tailCmd.Flags().Bool("from-start", false, "Read the topic from its earliest offset")
	tailCmd.Flags().String("group", "", "Consumer group; offsets are committed when set")
	cmd.AddCommand(tailCmd)

	return cmd
}

type tailLine struct {
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Key       string          `json:"key"`
	Event     json.RawMessage `json:"event"`
}
