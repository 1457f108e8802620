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

var (
	sendAt           string
	sendHigh         bool
	sendQueue        bool
	sendConversation string
	sendJSON         bool
)

func init() {
	sendCmd.Flags().StringVar(&sendAt, "at", "", "deliver after this time (RFC3339) or delay (e.g. 2h)")
	sendCmd.Flags().BoolVar(&sendHigh, "high", false, "queue with high priority")
	sendCmd.Flags().BoolVar(&sendQueue, "queue", false, "always queue instead of sending directly")
	sendCmd.Flags().StringVar(&sendConversation, "conversation", "", "conversation id")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(sendCmd)
}

// parseDeliverAfter accepts an RFC3339 timestamp or a delay from now.
func parseDeliverAfter(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: want RFC3339 time or duration, got %q", s)
	}
	return now.Add(d), nil
}

var sendCmd = &cobra.Command{
	Use:   "send <recipient> <text>",
	Short: "Send a message, queueing it if the backend is unreachable",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		logger := cliLogger(cfg)

		deliverAfter, err := parseDeliverAfter(sendAt, time.Now())
		if err != nil {
			return err
		}
		priority := courier.PriorityNormal
		if sendHigh {
			priority = courier.PriorityHigh
		}

		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		var out courier.SendOutcome
		if sendQueue {
			id := s.courier.Queue.Enqueue(courier.OutboundMessage{
				SenderID:       cfg.Default.UserID,
				Recipient:      args[0],
				Text:           args[1],
				ConversationID: sendConversation,
				DeliverAfter:   deliverAfter,
			}, priority)
			out = courier.SendOutcome{ID: id, Status: courier.OutcomeQueued}
		} else {
			out, err = s.courier.Composer.Send(ctx, courier.ComposeRequest{
				Recipient:      args[0],
				Text:           args[1],
				ConversationID: sendConversation,
				DeliverAfter:   deliverAfter,
				Priority:       priority,
			})
			var rej *courier.RejectedError
			if errors.As(err, &rej) {
				return fmt.Errorf("message rejected: %s", rej.Message)
			}
			if err != nil {
				return err
			}
		}

		if sendJSON {
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("%s  %s\n", out.Status, out.ID)
		if out.MessageID != "" {
			fmt.Printf("Message ID:      %s\n", out.MessageID)
		}
		if out.ConversationID != "" {
			fmt.Printf("Conversation ID: %s\n", out.ConversationID)
		}
		return nil
	},
}
