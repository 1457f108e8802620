package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/courierhq/courier"
	"github.com/spf13/cobra"
)

var (
	muted     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	bold      = lipgloss.NewStyle().Bold(true)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	box       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Run one reconciliation and print the merged message counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(30*time.Second, func(ctx context.Context, s *session) error {
			snap, err := s.courier.Reconciler.Recompute(ctx)
			if err != nil {
				return err
			}
			if statsJSON {
				return printJSON(snap)
			}
			fmt.Println(renderSnapshot(snap))
			return nil
		})
	},
}

func renderSnapshot(snap courier.Snapshot) string {
	c := snap.Counters
	row := func(label string, v int, style lipgloss.Style) string {
		return fmt.Sprintf("%-10s %s", muted.Render(label), style.Render(fmt.Sprintf("%5d", v)))
	}
	plain := lipgloss.NewStyle()

	var b strings.Builder
	b.WriteString(bold.Render("Messages") + "\n")
	b.WriteString(row("pending", c.Pending, warnStyle) + "\n")
	b.WriteString(row("sent", c.Sent, okStyle) + "\n")
	b.WriteString(row("failed", c.Failed, errStyle) + "\n")
	b.WriteString(row("delivered", c.Delivered, plain) + "\n")
	b.WriteString(row("read", c.Read, plain) + "\n")
	b.WriteString(row("inbound", c.Inbound, plain) + "\n")
	b.WriteString(row("total", c.Total, bold))

	q := snap.Queue
	detail := fmt.Sprintf("queue %d (retrying %d, failed %d)", q.Total, q.Retrying, q.Failed)
	if d := snap.Optimistic; d != (courier.OptimisticDelta{}) {
		detail += fmt.Sprintf("\noptimistic +%d pending +%d sent +%d failed", d.Pending, d.Sent, d.Failed)
	}
	if !snap.RemoteOK {
		detail += "\n" + errStyle.Render("remote unavailable, showing local and queue only")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		box.Render(b.String()),
		muted.Render(detail),
		muted.Render("computed "+snap.ComputedAt.Local().Format(time.RFC3339)),
	)
}
