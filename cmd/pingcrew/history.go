package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"pingcrew/internal/domain"
	"pingcrew/internal/memory"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		limit   int
		host    string
		crewLog bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent probes (or crew runs with --crew)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Memory.Enabled {
				return fmt.Errorf("history is disabled (memory.enabled = false)")
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if crewLog {
				runs, err := store.RecentCrewRuns(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(runs)
				}
				printCrewRuns(runs)
				return nil
			}

			var probes []domain.ProbeRecord
			if host != "" {
				probes, err = store.HostProbes(ctx, host, limit)
			} else {
				probes, err = store.RecentProbes(ctx, limit)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(probes)
			}
			printProbes(probes)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().StringVar(&host, "host", "", "only show probes of this host")
	cmd.Flags().BoolVar(&crewLog, "crew", false, "show crew runs instead of probes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProbes(probes []domain.ProbeRecord) {
	if len(probes) == 0 {
		fmt.Println("No probes recorded yet.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tHOST\tSTATUS\tLATENCY\tCHANNEL")
	for _, p := range probes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n",
			p.CreatedAt.Local().Format("2006-01-02 15:04:05"), p.Host, p.Status, p.LatencyMs, p.Channel)
	}
	w.Flush()
}

func printCrewRuns(runs []domain.CrewRun) {
	if len(runs) == 0 {
		fmt.Println("No crew runs recorded yet.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tTASKS\tTOKENS\tDURATION\tINPUTS")
	for _, r := range runs {
		inputs, _ := json.Marshal(r.Inputs)
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Tasks, r.TotalTokens,
			(time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond), inputs)
	}
	w.Flush()
}
