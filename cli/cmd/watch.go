package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/client"
)

func newWatchCmd(a *app) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live notifications",
		Long: `Follow the notification stream of the audit service until interrupted.
Without --username every notification is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := a.printer(cmd)
			if a.cfg.Output == "table" {
				p.Info("Watching notifications (Ctrl+C to stop)")
			}
			err := a.client().Watch(ctx, username, func(n client.Notification) {
				switch a.cfg.Output {
				case "json", "yaml", "yml":
					_, _ = p.Format(a.cfg.Output, n)
				default:
					p.Info("%s  %-12s  %s  %s", n.Timestamp.Local().Format(time.TimeOnly), n.Username, n.Title, n.Message)
				}
			})
			if err != nil {
				return err
			}
			if a.cfg.Output == "table" && ctx.Err() == nil {
				p.Warn("stream closed by server")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "only show notifications visible to this user")
	return cmd
}
