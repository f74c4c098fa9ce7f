// Command brokerctl is the broker core's operator CLI: dead-letter
// inspection and requeue, and queue depth/age reporting.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaybus/broker/internal/adminstats"
	"github.com/relaybus/broker/internal/config"
	"github.com/relaybus/broker/internal/pgqueue"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "brokerctl",
		Short: "operator CLI for the broker core's queues and dead-letter table",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (env vars always override)")
	root.AddCommand(depthCmd(), deadLetterListCmd(), deadLetterRequeueCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openPool(ctx context.Context) (*pgqueue.Pool, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return pgqueue.Open(ctx, cfg.Broker.Queue.DSN())
}

func depthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "print producer_queue and consumer_queue depth and oldest-row age",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			producerQueue, err := pgqueue.NewProducerQueue(ctx, pool, "producer_queue")
			if err != nil {
				return fmt.Errorf("open producer_queue: %w", err)
			}
			consumerQueue, err := pgqueue.NewConsumerQueue(ctx, pool, "consumer_queue")
			if err != nil {
				return fmt.Errorf("open consumer_queue: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "TABLE\tDEPTH\tOLDEST_AGE")

			for _, row := range []struct {
				table string
				stats adminstats.QueueStats
			}{
				{"producer_queue", producerQueue},
				{"consumer_queue", consumerQueue},
			} {
				depth, err := row.stats.Depth(ctx)
				if err != nil {
					return fmt.Errorf("depth %s: %w", row.table, err)
				}
				age, err := row.stats.OldestAge(ctx)
				if err != nil {
					return fmt.Errorf("oldest age %s: %w", row.table, err)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", row.table, depth, age)
			}
			return nil
		},
	}
}

func deadLetterListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letter-list",
		Short: "list recently dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			dlq, err := pgqueue.NewDeadLetterQueue(ctx, pool)
			if err != nil {
				return err
			}
			entries, err := dlq.List(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ID\tSOURCE\tTOPIC\tRETRY\tREASON\tDEAD_AT")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", e.ID, e.SourceTable, e.Topic, e.Retry, e.Reason, e.DeadAt)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries to list")
	return cmd
}

func deadLetterRequeueCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "dead-letter-requeue",
		Short: "move a dead-lettered message back into its source queue with retry reset to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			dlq, err := pgqueue.NewDeadLetterQueue(ctx, pool)
			if err != nil {
				return err
			}
			return dlq.Requeue(ctx, id)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "dead-letter row id to requeue")
	cmd.MarkFlagRequired("id")
	return cmd
}
