package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offlinesync/internal/loadtest"
	"github.com/mschirtzinger/offlinesync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Measure cache read latency under concurrent load",
	Long: `Seed a throwaway cache, then time concurrent partition reads while
checking that concurrent offline edits never corrupt it.

The real cache is never touched; the test database lives in a temporary
directory that is removed afterwards.

Examples:
  # 20 readers, 10 reads each, 1000 records per type
  offsync bench --readers 20 --records 1000

  # Output results as JSON
  offsync bench --json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		readers, _ := cmd.Flags().GetInt("readers")
		reads, _ := cmd.Flags().GetInt("reads")
		records, _ := cmd.Flags().GetInt("records")
		pending, _ := cmd.Flags().GetFloat64("pending")
		writeFor, _ := cmd.Flags().GetDuration("write-for")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if readers <= 0 || reads <= 0 || records <= 0 {
			return fmt.Errorf("--readers, --reads and --records must be positive")
		}
		if pending < 0 || pending > 1 {
			return fmt.Errorf("--pending must be between 0.0 and 1.0")
		}

		dir, err := os.MkdirTemp("", "offsync-bench-")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		tc, err := loadtest.CreateTestCache(filepath.Join(dir, "bench.db"), records, pending)
		if err != nil {
			return err
		}
		defer tc.Close()

		ctx := cmd.Context()
		start := time.Now()
		stats, err := tc.RunConcurrentReads(ctx, readers, reads)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		consistency := "ok"
		if writeFor > 0 {
			if err := tc.VerifyConsistency(ctx, readers, 2, writeFor); err != nil {
				consistency = err.Error()
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"readers":          readers,
				"reads":            stats.TotalQueries,
				"errors":           stats.Errors,
				"mean_ms":          ms(stats.Mean),
				"p50_ms":           ms(stats.P50),
				"p95_ms":           ms(stats.P95),
				"p99_ms":           ms(stats.P99),
				"max_ms":           ms(stats.Max),
				"reads_per_sec":    float64(stats.TotalQueries) / elapsed.Seconds(),
				"consistency":      consistency,
				"records_per_type": records,
			})
		}

		fmt.Fprintf(out, "%s %d readers x %d reads over %d records per type\n", ui.RenderAccent("●"), readers, reads, records)
		stats.WriteStats(out)
		fmt.Fprintf(out, "  Throughput:    %.0f reads/s\n", float64(stats.TotalQueries)/elapsed.Seconds())
		if consistency == "ok" {
			fmt.Fprintf(out, "%s Concurrent writes left the cache consistent\n", ui.RenderPass("✓"))
		} else {
			fmt.Fprintf(out, "%s %s\n", ui.RenderFail("✗"), consistency)
		}
		return nil
	},
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func init() {
	benchCmd.Flags().Int("readers", 20, "concurrent readers")
	benchCmd.Flags().Int("reads", 10, "reads per reader")
	benchCmd.Flags().Int("records", 500, "records seeded per entity type")
	benchCmd.Flags().Float64("pending", 0.3, "share of records with a queued write (0.0-1.0)")
	benchCmd.Flags().Duration("write-for", 500*time.Millisecond, "how long to run the concurrent write check (0 to skip)")
	benchCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(benchCmd)
}
