package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/seeder"
	"github.com/telhawk-systems/telhawk-audit/cli/pkg/output"
)

func newSeedCmd(a *app) *cobra.Command {
	var (
		opts     seeder.Options
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish synthetic audit traffic",
		Long: `Generate fake audit events and notifications and publish them on NATS.

Examples:
  auditctl seed --count 500 --spread 72h
  auditctl seed --apps cartera,iam --types DB_STORE --notify-ratio 0.2 --seed 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			if opts.NotifyRatio < 0 || opts.NotifyRatio > 1 {
				return fmt.Errorf("--notify-ratio must be between 0 and 1")
			}

			msgs := seeder.NewGenerator(opts).Generate()

			bus, err := dialBus(a.cfg)
			if err != nil {
				return err
			}
			defer bus.Drain()

			// seeding can outlast the request timeout
			res, err := seeder.Publish(cmd.Context(), bus, msgs, interval)
			if err != nil && res.Sent == 0 {
				return err
			}

			return a.render(cmd, res, func(p *output.Printer) {
				p.Success("Published %d event(s) in %s", res.Sent, res.Duration.Round(time.Millisecond))
				types := make([]string, 0, len(res.ByType))
				for k := range res.ByType {
					types = append(types, k)
				}
				sort.Strings(types)
				t := output.NewTable("TYPE", "COUNT")
				for _, k := range types {
					t.AddRow(k, fmt.Sprint(res.ByType[k]))
				}
				t.AddRow("NOTIFICATION", fmt.Sprint(res.Notifications))
				t.Render(p)
				if res.Failed > 0 {
					p.Warn("%d event(s) failed to publish", res.Failed)
				}
				if err != nil {
					p.Warn("stopped early: %v", err)
				}
			})
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.Count, "count", "n", 100, "number of events")
	f.StringSliceVar(&opts.Applications, "apps", nil, "application names (default: iam,cartera,acme,sys)")
	f.StringSliceVar(&opts.EventTypes, "types", nil, "event types (default: all)")
	f.IntVar(&opts.Users, "users", 10, "size of the username pool")
	f.Float64Var(&opts.NotifyRatio, "notify-ratio", 0.1, "share of events sent as notifications")
	f.DurationVar(&opts.TimeSpread, "spread", 0, "spread timestamps over this past window")
	f.Int64Var(&opts.Seed, "seed", 0, "random seed for reproducible runs")
	f.DurationVar(&interval, "interval", 0, "pause between events")
	return cmd
}
