package main

import (
	"fmt"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/executor"
	"github.com/spf13/cobra"
)

func execCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:          "exec <plan.yaml>",
		Short:        "Execute a plan file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := executor.LoadPlan(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			result, ectx, err := a.engine.ExecutePlan(cmd.Context(), plan)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), newReport(result, ectx, history)); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("plan failed: %s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include the execution history in the output")
	return cmd
}
