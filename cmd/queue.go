package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/queue"
	"github.com/omnidesk/omnidesk/internal/store"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the webhook queue",
	}
	cmd.AddCommand(queueStatsCmd())
	cmd.AddCommand(queueDeadLettersCmd())
	cmd.AddCommand(queueCleanupCmd())
	return cmd
}

func openQueue() (*queue.Queue, error) {
	setupLogging()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	stores, err := buildStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return queue.New(stores.Queue, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.ParseBackoffBase(),
		BackoffCap:  cfg.Queue.ParseBackoffCap(),
	}), nil
}

func queueStatsCmd() *cobra.Command {
	var bySource bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			ctx := context.Background()

			if bySource {
				perSource, err := q.StatsBySource(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHANNEL\tPENDING\tPROCESSING\tSUCCEEDED\tFAILED\tDEAD")
				for _, t := range store.AllChannelTypes {
					s, ok := perSource[t]
					if !ok {
						continue
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
						t, s.Pending, s.Processing, s.Succeeded, s.Failed, s.DeadLettered)
				}
				return w.Flush()
			}

			s, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pending:        %d\n", s.Pending)
			fmt.Printf("processing:     %d\n", s.Processing)
			fmt.Printf("succeeded:      %d\n", s.Succeeded)
			fmt.Printf("failed:         %d\n", s.Failed)
			fmt.Printf("dead-lettered:  %d\n", s.DeadLettered)
			fmt.Printf("last hour:      %d succeeded\n", s.SucceededLastHour)
			if !s.OldestPending.IsZero() {
				fmt.Printf("oldest pending: %s\n", time.Since(s.OldestPending).Round(time.Second))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&bySource, "by-source", false, "group counts by channel type")
	return cmd
}

func queueDeadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List recent dead-lettered webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			items, err := q.DeadLetters(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no dead-lettered items")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tATTEMPTS\tRECEIVED\tERROR")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					it.ID, it.ChannelType, it.AttemptCount,
					it.ReceivedAt.Format(time.RFC3339), it.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum items to list")
	return cmd
}

func queueCleanupCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal queue items older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			removed, err := q.Cleanup(context.Background(), maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d items\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 168*time.Hour, "age threshold for deletion")
	return cmd
}
