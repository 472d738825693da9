package main

import (
	"fmt"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/tools"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		direct      bool
		history     bool
		failureRate float64
	)
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Plan and execute a task, printing the result as JSON",
		Long: "Run selects among the built-in strategies by learned weight, executes the chosen plans " +
			"and prints the aggregated result. With --direct the planner output is executed as is.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions{orchestrate: !direct}
			if failureRate > 0 {
				opts.demo = append(opts.demo, tools.WithFailureRate(failureRate, time.Now().UnixNano()))
			}
			a, err := newApp(cfg, opts)
			if err != nil {
				return err
			}
			defer a.close()

			pCtx := dragonscale.NewProcessContext(args[0])
			result, err := a.engine.Run(cmd.Context(), pCtx)
			if result == nil && err != nil {
				return err
			}
			if werr := writeJSON(cmd.OutOrStdout(), newReport(result, pCtx.Exec, history)); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("task failed: %s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "skip strategy selection and execute the planner's plan")
	cmd.Flags().BoolVar(&history, "history", false, "include the execution history in the output")
	cmd.Flags().Float64Var(&failureRate, "failure-rate", 0, "probability that a simulated tool call fails")
	return cmd
}
