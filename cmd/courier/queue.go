package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/courierhq/courier"
	"github.com/spf13/cobra"
)

var queueJSON bool

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSON, "json", false, "output raw JSON")
	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueRetryCmd, queueClearCmd, queueFlushCmd, queueRemoveCmd)
	rootCmd.AddCommand(queueCmd)
}

// withSession runs fn against an opened session and closes it afterwards.
func withSession(timeout time.Duration, fn func(ctx context.Context, s *session) error) error {
	cfg := mustConfig()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s, err := openSession(ctx, cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(10*time.Second, func(ctx context.Context, s *session) error {
			msgs := s.courier.Queue.QueuedMessages()
			if queueJSON {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, m := range msgs {
				state := "pending"
				switch {
				case m.Terminal():
					state = "failed"
				case m.RetryCount > 0:
					state = fmt.Sprintf("retry %d, next %s", m.RetryCount, m.NextRetry.Local().Format(time.Kitchen))
				}
				fmt.Printf("%s  p%d  %-16s  %-28s  %s\n", m.ID, m.Priority, m.Recipient, state, truncate(m.Text, 40))
				if m.LastError != "" {
					fmt.Printf("    last error: %s\n", m.LastError)
				}
			}
			return nil
		})
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(10*time.Second, func(ctx context.Context, s *session) error {
			st := s.courier.Queue.Stats()
			if queueJSON {
				return printJSON(st)
			}
			fmt.Printf("Total:    %d\n", st.Total)
			fmt.Printf("Pending:  %d\n", st.Pending)
			fmt.Printf("Retrying: %d\n", st.Retrying)
			fmt.Printf("Failed:   %d\n", st.Failed)
			if at, ok := s.courier.Queue.LastSyncAt(); ok {
				fmt.Printf("Last sync: %s\n", at.Local().Format(time.RFC3339))
			}
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset permanently failed messages for another round of attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(time.Minute, func(ctx context.Context, s *session) error {
			n := s.courier.Queue.RetryFailedMessages()
			fmt.Printf("Reset %d failed message(s).\n", n)
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(10*time.Second, func(ctx context.Context, s *session) error {
			n := s.courier.Queue.Stats().Total
			s.courier.Queue.ClearQueue()
			fmt.Printf("Cleared %d message(s).\n", n)
			return nil
		})
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Attempt every retryable message now, ignoring backoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(5*time.Minute, func(ctx context.Context, s *session) error {
			res, err := s.courier.Queue.ForceProcess(ctx)
			if errors.Is(err, courier.ErrOffline) {
				return errors.New("backend unreachable, nothing attempted")
			}
			if err != nil {
				return err
			}
			if queueJSON {
				return printJSON(res)
			}
			fmt.Printf("Delivered %d, failed %d.\n", res.Processed, res.Failed)
			return nil
		})
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove one message from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(10*time.Second, func(ctx context.Context, s *session) error {
			before := s.courier.Queue.Stats().Total
			s.courier.Queue.RemoveMessage(args[0])
			if s.courier.Queue.Stats().Total == before {
				return fmt.Errorf("no queued message with id %s", args[0])
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
