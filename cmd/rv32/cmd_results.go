package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rvexec/internal/adapters/results"
	"rvexec/internal/config"
	"rvexec/internal/coordinator"
)

func (c *cli) resultsCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "results [task-id]",
		Short: "List results recorded by the coordinator",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := results.Open(dbPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			var rows []coordinator.TaskResult
			if len(args) == 1 {
				r, err := ledger.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows = append(rows, *r)
			} else if rows, err = ledger.List(cmd.Context(), limit); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tSUCCESS\tOUTPUT\tVERIFIED\tINSTRUCTIONS\tFINISHED\tERROR")
			for _, r := range rows {
				var errText string
				if r.Error != nil {
					errText = r.Error.Error()
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%t\t%d\t%s\t%s\n",
					r.TaskID, r.Success, r.OutputValue, r.Verified, r.Instructions,
					r.FinishedAt.Format(time.RFC3339), errText)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", filepath.Clean(config.DefaultConfig().Results.DatabasePath), "results database")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to show (0 means all)")
	return cmd
}
