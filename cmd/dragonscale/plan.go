package main

import (
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/executor"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "plan <task>",
		Short:        "Print the plan built for a task as a plan file that exec accepts",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			plan, err := a.engine.Plan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(executor.FromPlan(plan))
		},
	}
}
