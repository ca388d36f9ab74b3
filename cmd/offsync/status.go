package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/offlinesync/internal/app"
	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay queued operations against the remote store",
	Long: `Drain the sync queues once. Operations are replayed in the order they
were made; transient failures stay queued, rejected operations are
dropped and reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		typeName, _ := cmd.Flags().GetString("type")
		out := cmd.OutOrStdout()

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Dispose()

		if !a.Connectivity.Online() {
			fmt.Fprintf(out, "%s Offline, nothing synced\n", ui.RenderWarn("⚠"))
			return nil
		}

		start := time.Now()
		var results []*queueResult
		if typeName == "" {
			all, err := a.SyncAll(cmd.Context())
			for _, r := range all {
				results = append(results, summarize(r))
			}
			if err != nil {
				return err
			}
		} else {
			t, err := schema.ParseEntityType(typeName)
			if err != nil {
				return err
			}
			c, err := a.Coordinator(t)
			if err != nil {
				return err
			}
			r, err := c.Sync(cmd.Context())
			if err != nil {
				return err
			}
			results = append(results, summarize(r))
		}

		fmt.Fprintf(out, "%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		for _, r := range results {
			line := fmt.Sprintf("   %-9s %d replayed", r.t+":", r.succeeded)
			if r.failed > 0 {
				line += ", " + ui.RenderWarn(fmt.Sprintf("%d still queued", r.failed))
			}
			if r.rejected > 0 {
				line += ", " + ui.RenderFail(fmt.Sprintf("%d rejected", r.rejected))
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

type queueResult struct {
	t                           schema.EntityType
	succeeded, failed, rejected int
}

func summarize(r *queue.DrainResult) *queueResult {
	return &queueResult{r.EntityType, r.Succeeded, len(r.Failed) + len(r.Deferred), len(r.Rejected)}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and queue status",
	Long: `Display per-type cache statistics, health scores and queued operations.

Output formats: text (default), yaml, json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Dispose()

		statuses, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}
		return writeStatus(cmd.Context(), cmd.OutOrStdout(), output, a, statuses)
	},
}

func writeStatus(ctx context.Context, w io.Writer, output string, a *app.App, statuses []app.TypeStatus) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(statuses)
	case "", "text":
	default:
		return fmt.Errorf("unknown output format %q (want text, yaml or json)", output)
	}

	size, err := a.Cache.EstimateSize(ctx)
	if err != nil {
		return err
	}
	connectivity := ui.RenderPass("online")
	if !a.Connectivity.Online() {
		connectivity = ui.RenderWarn("offline")
	}

	fmt.Fprintf(w, "\nCache: %s (%s)\n", a.Config.DBPath(), humanBytes(size))
	fmt.Fprintf(w, "Remote: %s\n\n", connectivity)

	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{
			string(st.EntityType),
			strconv.Itoa(st.EntryCount),
			strconv.Itoa(st.PendingCount),
			strconv.Itoa(st.Queued),
			strconv.Itoa(st.ExpiredCount),
			strconv.Itoa(st.StaleCount),
			age(st.OldestEntryAge, st.EntryCount),
			ui.RenderScore(st.Score, cache.HealthyScore),
		})
	}
	fmt.Fprint(w, ui.Table(
		[]string{"TYPE", "ENTRIES", "PENDING", "QUEUED", "EXPIRED", "STALE", "OLDEST", "HEALTH"},
		rows,
	))
	fmt.Fprintln(w)
	return nil
}

func age(d time.Duration, entries int) string {
	if entries == 0 {
		return ui.RenderMuted("-")
	}
	return d.Round(time.Second).String()
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func init() {
	syncCmd.Flags().StringP("type", "t", "", "entity type to sync (task, expense, reminder)")
	statusCmd.Flags().StringP("output", "o", "text", "output format: text, yaml or json")

	rootCmd.AddCommand(syncCmd, statusCmd)
}
