package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var embedStatsCmd = &cobra.Command{
	Use:   "embed-stats",
	Short: "Show embedding backlog per entity kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Maintainer.Stats(cmd.Context())
		if err != nil {
			return err
		}
		dlq, err := env.Store.CountDLQ(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tTOTAL\tEMBEDDED\tPENDING\tCOMPLETE")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f%%\n",
				s.Kind, s.Total, s.Embedded, s.Pending, s.PercentComplete)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("dead-letter queue: %d\n", dlq)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(embedStatsCmd)
}
