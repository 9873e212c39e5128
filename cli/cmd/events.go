package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/client"
	"github.com/telhawk-systems/telhawk-audit/cli/pkg/output"
)

func newEventsCmd(a *app) *cobra.Command {
	var q client.EventQuery
	var count bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query stored audit events",
		Long: `List or count stored audit events.

--event-name and --username match exactly unless wrapped in "%", which
turns them into substring matches.

Examples:
  auditctl events --username alice --period week
  auditctl events --event-name '%Préstamo%' --count
  auditctl events get 6651f0c2e4b0a1b2c3d4e5f6`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			c := a.client()

			if count {
				n, err := c.CountEvents(ctx, q)
				if err != nil {
					return err
				}
				return a.render(cmd, map[string]int64{"count": n}, func(p *output.Printer) {
					p.Info("%d", n)
				})
			}

			page, err := c.ListEvents(ctx, q)
			if err != nil {
				return err
			}
			return a.render(cmd, page, func(p *output.Printer) {
				if len(page.Events) == 0 {
					p.Info("No events found")
					return
				}
				eventTable(page.Events).Render(p)
				p.Info("\nPage %d of %d (%d total)", page.Page+1, max(page.TotalPages, 1), page.Total)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&q.EventName, "event-name", "", "filter by event name")
	f.StringVar(&q.Username, "username", "", "filter by username")
	f.StringVar(&q.Period, "period", "", "time window: day, week, month or year")
	f.IntVar(&q.Page, "page", 0, "zero-based page number")
	f.IntVar(&q.Size, "size", 0, "page size")
	f.BoolVar(&count, "count", false, "print only the number of matching events")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			e, err := a.client().GetEvent(ctx, args[0])
			if err != nil {
				return err
			}
			return a.render(cmd, e, func(p *output.Printer) {
				_ = p.YAML(e)
			})
		},
	})
	return cmd
}

func eventTable(events []client.Event) *output.Table {
	t := output.NewTable("ID", "TIME", "TYPE", "APPLICATION", "USERNAME", "EVENT")
	for _, e := range events {
		ts := ""
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.Local().Format(time.DateTime)
		}
		t.AddRow(
			output.Truncate(e.ID, 24),
			ts,
			e.EventType,
			e.ApplicationName,
			e.Username,
			output.Truncate(e.EventName, 40),
		)
	}
	return t
}

func newNotificationsCmd(a *app) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "List the last week of notifications for a user",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			events, err := a.client().Notifications(ctx, username)
			if err != nil {
				return err
			}
			return a.render(cmd, events, func(p *output.Printer) {
				if len(events) == 0 {
					p.Info("No notifications for %s", username)
					return
				}
				t := output.NewTable("TIME", "APPLICATION", "USERNAME", "TITLE")
				for _, e := range events {
					title, _ := e.EventBody["notificaFacultad"].(string)
					t.AddRow(e.Timestamp.Local().Format(time.DateTime), e.ApplicationName, e.Username, title)
				}
				t.Render(p)
				p.Info("\n%d notification(s)", len(events))
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "recipient username")
	return cmd
}
