package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func weightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "weights",
		Short:        "Show persisted strategy weights and tool statistics",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DBPath == "" {
				return fmt.Errorf("weights are only persisted when db_path (--db) is set")
			}
			st, err := store.Open(cfg.DBPath, store.WithLogger(log.Logger))
			if err != nil {
				return err
			}
			defer st.Close()

			weights, rates, err := st.LoadWeights(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := st.ToolStats(cmd.Context())
			if err != nil {
				return err
			}

			names := make([]string, 0, len(weights))
			for name := range weights {
				names = append(names, name)
			}
			sort.Slice(names, func(i, j int) bool { return weights[names[i]] > weights[names[j]] })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STRATEGY\tWEIGHT\tSUCCESS RATE")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%.4f\t%.3f\n", name, weights[name], rates[name])
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "TOOL\tATTEMPTS\tSUCCESS RATE\tMEAN DURATION")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%.3f\t%s\n", s.Tool, s.Attempts, s.SuccessRate, s.MeanDuration)
			}
			return w.Flush()
		},
	}
}
