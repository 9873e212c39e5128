package cmd

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/client"
	"github.com/telhawk-systems/telhawk-audit/cli/internal/config"
	"github.com/telhawk-systems/telhawk-audit/cli/pkg/output"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write the CLI configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "view",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printer(cmd).YAML(a.cfg.Redacted())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the resolved configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.Save(a.cfg, path); err != nil {
				return err
			}
			a.printer(cmd).Success("Wrote %s", path)
			return nil
		},
	})
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit service counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			st, err := a.client().Stats(ctx)
			if err != nil {
				return err
			}
			return a.render(cmd, st, func(p *output.Printer) {
				statsTable(st).Render(p)
			})
		},
	}
}

// statsTable flattens the router, mirror and broadcaster sections.
func statsTable(st client.ServiceStats) *output.Table {
	t := output.NewTable("SECTION", "COUNTER", "VALUE")
	for _, section := range []string{"router", "mirror", "broadcaster"} {
		values, _ := st[section].(map[string]any)
		for _, k := range sortedKeys(values) {
			t.AddRow(section, k, output.Value(values[k]))
		}
	}
	if apps, ok := st["applications"].(map[string]any); ok {
		for _, app := range sortedKeys(apps) {
			values, _ := apps[app].(map[string]any)
			for _, k := range sortedKeys(values) {
				t.AddRow("app:"+app, k, output.Value(values[k]))
			}
		}
	}
	return t
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
