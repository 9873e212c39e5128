// Package cmd implements the auditctl command tree.
package cmd

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/client"
	"github.com/telhawk-systems/telhawk-audit/cli/internal/config"
	"github.com/telhawk-systems/telhawk-audit/cli/pkg/output"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-audit/common/messaging/nats"
)

// Version is set at build time.
var Version = "0.1.0"

// dialBus opens the message bus used by send and seed. Tests replace it.
var dialBus = func(cfg *config.Config) (messaging.Client, error) {
	nc := natsclient.DefaultConfig()
	nc.URL = cfg.NATSURL
	nc.Name = "auditctl"
	nc.MaxReconnects = 0
	nc.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := natsclient.NewClient(nc)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// app carries state shared by every subcommand of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func (a *app) printer(cmd *cobra.Command) *output.Printer {
	return output.New(cmd.OutOrStdout())
}

func (a *app) client() *client.AuditClient {
	c := client.NewAuditClient(a.cfg.Server, a.cfg.Token)
	if a.cfg.Timeout > 0 {
		c.Client().Timeout = a.cfg.Timeout
	}
	return c
}

// render prints v in the configured format, calling table for the default
// table output.
func (a *app) render(cmd *cobra.Command, v any, table func(p *output.Printer)) error {
	p := a.printer(cmd)
	done, err := p.Format(a.cfg.Output, v)
	if done || err != nil {
		return err
	}
	table(p)
	return nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, a.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// NewRootCmd builds the auditctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "auditctl",
		Short: "TelHawk audit service CLI",
		Long: `auditctl is the command-line interface for the TelHawk audit service.

Publish audit events to NATS, query the admin API, follow live
notifications and mint development tokens.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.Load(a.v, path)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: $HOME/.auditctl/config.yaml)")
	flags.String("server", "http://localhost:8095", "audit service base URL")
	flags.String("nats-url", "nats://localhost:4222", "NATS server URL")
	flags.String("token", "", "bearer token for the admin API")
	flags.StringP("output", "o", "table", "output format: table, json, yaml")
	flags.Duration("timeout", 30*time.Second, "request timeout, 0 disables")
	_ = a.v.BindPFlag("server", flags.Lookup("server"))
	_ = a.v.BindPFlag("nats_url", flags.Lookup("nats-url"))
	_ = a.v.BindPFlag("token", flags.Lookup("token"))
	_ = a.v.BindPFlag("output", flags.Lookup("output"))
	_ = a.v.BindPFlag("timeout", flags.Lookup("timeout"))

	root.AddCommand(
		newEventsCmd(a),
		newNotificationsCmd(a),
		newWatchCmd(a),
		newSendCmd(a),
		newSeedCmd(a),
		newStatsCmd(a),
		newTokenCmd(a),
		newConfigCmd(a),
	)
	return root
}

func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		output.New(root.ErrOrStderr()).Error("%v", err)
		return err
	}
	return nil
}
