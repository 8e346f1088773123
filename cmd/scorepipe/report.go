package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/scorepipe/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize a persisted run report",
	Long: `Read the artifacts in the output directory, validate their schema,
and print a per-phase summary table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := report.ReadDocument(outDir)
		if err != nil {
			return fmt.Errorf("failed to read report from %s: %w", outDir, err)
		}

		fmt.Printf("Run status: %s\n", doc.Status)
		if doc.AbortStatus.IsAborted {
			fmt.Printf("Aborted:    %s (%s)\n", doc.AbortStatus.Reason, doc.AbortStatus.Timestamp.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()

		ids := make([]string, 0, len(doc.PhaseMetrics))
		for id := range doc.PhaseMetrics {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PHASE\tSTATUS\tITEMS\tDURATION MS\tP95 MS")
		for _, id := range ids {
			m := doc.PhaseMetrics[id]
			status := doc.PhaseStatus[id]
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.0f\t%.1f\n",
				m.Name, status, m.ItemsProcessed, m.ItemsTotal,
				m.DurationMS, m.LatencyHistogram.P95,
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(doc.ErrorBudgets) > 0 {
			fmt.Println()
			for _, b := range doc.ErrorBudgets {
				marker := "within"
				if b.FailureRate > b.MaxFailureRate {
					marker = "EXCEEDED"
				}
				fmt.Printf("budget phase %d: %d/%d failed (rate %.3f, ceiling %.3f) %s\n",
					b.PhaseID, b.FailedItems, b.TotalItems, b.FailureRate, b.MaxFailureRate, marker)
			}
		}
		return nil
	},
}
