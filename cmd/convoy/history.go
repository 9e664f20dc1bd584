package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/report"
)

// Inspect archived runs
func newHistoryCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer done()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPLAN\tSTARTED\tDURATION\tEXIT\tSUCCEEDED\tROLLED BACK\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					r.ID, r.Plan, r.StartedAt.Local().Format(time.DateTime),
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.ExitCode,
					r.Counts[core.StateSucceeded], r.Counts[core.StateRolledBack], r.Counts[core.StateFailed])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(newHistoryShowCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show an archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer done()
			s, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var r report.Reporter = report.Text{W: cmd.OutOrStdout(), Verbose: true}
			if asJSON {
				r = report.JSON{W: cmd.OutOrStdout(), Indent: true}
			}
			return r.Report(cmd.Context(), s)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func openStore(cmd *cobra.Command) (*core.Store, func(), error) {
	cfg, flush, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := core.NewStore(cfg.Store)
	if err != nil {
		flush()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		flush()
	}, nil
}
